package backlog

import (
	"encoding/binary"
)

var (
	term        = byte(0x00)
	blPrefix    = []byte("bl/")
	chSeg       = []byte("ch/")
	metaSuffix  = []byte("m")
	entrySeg    = []byte("e/")
	keyGlobalBl = []byte("bl/_global")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyPartition is the prefix shared by every key of partition.
func keyPartition(partition string) []byte {
	k := make([]byte, 0, len(blPrefix)+len(partition)+1)
	k = append(k, blPrefix...)
	k = append(k, partition...)
	k = append(k, term)
	return k
}

func keyChannel(partition, channel string) []byte {
	k := keyPartition(partition)
	k = append(k, chSeg...)
	k = append(k, channel...)
	k = append(k, term)
	return k
}

// keyChannelMeta holds the last assigned channel sequence.
func keyChannelMeta(partition, channel string) []byte {
	return append(keyChannel(partition, channel), metaSuffix...)
}

// keyEntry builds the entry key with a big-endian sequence for ordering.
func keyEntry(partition, channel string, seq uint64) []byte {
	k := append(keyChannel(partition, channel), entrySeg...)
	return appendBE8(k, seq)
}

// prefixEnd returns the smallest key greater than every key starting with p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
