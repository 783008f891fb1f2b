package backlog

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
//
// Header: busSeq(8B BE) | publishedMs(8B BE) | targets JSON (optional)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || int(n)+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), true
}

type recordHeader struct {
	busSeq      int64
	publishedMs int64
	targets     Targets
}

func (h recordHeader) encode() []byte {
	out := make([]byte, 16, 64)
	binary.BigEndian.PutUint64(out[0:8], uint64(h.busSeq))
	binary.BigEndian.PutUint64(out[8:16], uint64(h.publishedMs))
	if !h.targets.Empty() {
		b, _ := json.Marshal(h.targets)
		out = append(out, b...)
	}
	return out
}

func parseHeader(b []byte) (recordHeader, bool) {
	if len(b) < 16 {
		return recordHeader{}, false
	}
	h := recordHeader{
		busSeq:      int64(binary.BigEndian.Uint64(b[0:8])),
		publishedMs: int64(binary.BigEndian.Uint64(b[8:16])),
	}
	if len(b) > 16 {
		if err := json.Unmarshal(b[16:], &h.targets); err != nil {
			return recordHeader{}, false
		}
	}
	return h, true
}
