package backlog

import (
	"bytes"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	h := recordHeader{busSeq: 42, publishedMs: 1_700_000_000_123, targets: Targets{UserIDs: []string{"u"}}}
	rec := encodeRecord(h.encode(), []byte(`{"a":1}`))
	hdr, payload, ok := decodeRecord(rec)
	if !ok {
		t.Fatalf("decode failed")
	}
	if !bytes.Equal(payload, []byte(`{"a":1}`)) {
		t.Fatalf("payload = %s", payload)
	}
	got, ok := parseHeader(hdr)
	if !ok || got.busSeq != 42 || got.publishedMs != h.publishedMs || len(got.targets.UserIDs) != 1 {
		t.Fatalf("header = %+v ok=%v", got, ok)
	}
}

func TestRecordCorruption(t *testing.T) {
	rec := encodeRecord(recordHeader{busSeq: 1}.encode(), []byte("x"))
	rec[len(rec)-5] ^= 0xff
	if _, _, ok := decodeRecord(rec); ok {
		t.Fatalf("expected crc mismatch")
	}
	if _, _, ok := decodeRecord([]byte{1}); ok {
		t.Fatalf("expected short record rejection")
	}
}

func TestKeysOrderAndIsolation(t *testing.T) {
	if bytes.Compare(keyEntry("p", "/c", 2), keyEntry("p", "/c", 10)) >= 0 {
		t.Fatalf("entries not ordered by sequence")
	}
	a := keyPartition("a")
	if bytes.HasPrefix(keyPartition("a/b"), a) {
		t.Fatalf("partition prefix leaks into sibling partitions")
	}
	if !bytes.HasPrefix(keyChannelMeta("a", "/c"), a) {
		t.Fatalf("channel meta outside partition prefix")
	}
	end := prefixEnd(a)
	if bytes.Compare(keyEntry("a", "/zzz", ^uint64(0)), end) >= 0 {
		t.Fatalf("prefixEnd below partition keys")
	}
}
