package model

import "encoding/binary"

// dedupFixup is a pending local-pointer placeholder, recorded by a
// deduplicating builder (TagTableBuilder, RelationTableBuilder) before it
// knows whether the content it just encoded is new or a repeat.
type dedupFixup struct {
	Offset int32
	Target Handle
}

// keyWithHandles returns the bytes a deduplicating builder should hash
// and compare, given the placeholder buffer it already wrote (every
// pointer slot still zero) and the fixups it queued for that buffer.
//
// A raw placeholder buffer alone cannot distinguish two tables that have
// the same shape but point at different targets — a single local string
// tag and another local string tag with a different value both encode as
// [keySlot=0][kind=string][valSlot=0] until fixup runs. Substituting each
// slot's target handle before hashing restores that distinction, while
// the actual payload written to the element keeps the zero placeholders
// (fixup rewrites those at write time, same as any other element).
func keyWithHandles(buf []byte, fixups []dedupFixup) []byte {
	if len(fixups) == 0 {
		return buf
	}
	out := append([]byte(nil), buf...)
	for _, fx := range fixups {
		binary.LittleEndian.PutUint32(out[fx.Offset:], uint32(fx.Target))
	}
	return out
}
