package model

import (
	"encoding/binary"
	"hash/fnv"
)

// TString is a short length-prefixed UTF-8 string, deduplicated by content
// (spec §3 "TString"). Alignment is 1 normally, bumped to 4 when the
// string is used as a local tag key (so the 4-byte pointer to it can sit
// at an aligned offset on either side, per spec §3).
type TString struct {
	Elem
	Text string
}

// stringHash hashes the raw bytes of a string for the TileModel's content
// dedup table, matching the teacher's own content-hash dedup in
// internal/pmtiles/writer.go (tileHash, hash/fnv.New64a).
func stringHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// encodeTString serializes a length-prefixed string: uvarint length + bytes.
func encodeTString(s string) []byte {
	var w varintWriter
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
	return w.buf
}

// DecodeTString reads a length-prefixed string starting at the beginning
// of buf, returning its text and total encoded length. Used by
// internal/tilereader, which locates a TString purely by the absolute
// byte offset a pointer resolves to (a string needs no catalog entry,
// since its own uvarint length prefix makes it self-terminating).
func DecodeTString(buf []byte) (string, int, error) {
	return decodeTString(buf)
}

func decodeTString(buf []byte) (string, int, error) {
	n, nbytes := binary.Uvarint(buf)
	if nbytes <= 0 {
		return "", 0, errShortVarint
	}
	end := nbytes + int(n)
	if end > len(buf) {
		return "", 0, errShortVarint
	}
	return string(buf[nbytes:end]), end, nil
}
