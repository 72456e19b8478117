// Package postingtree implements the per-key posting tree: a dedicated
// B-tree of compressed HeapPtr streams used once an entry tree leaf's
// inline item list outgrows its threshold. Internal pages hold fixed
// (child, separator) pairs where separator is the maximum HeapPtr
// reachable through child; leaf pages are micro-indexed data pages
// (internal/page.DataPage) carrying the compressed item codec stream.
//
// The right-link descent here mirrors internal/btree's, specialized to
// heapptr.HeapPtr keys instead of the entry tree's category-tagged
// keys — the two trees' separators are different enough types that
// sharing one generic walker was not worth the indirection the teacher
// codebase does not otherwise use.
package postingtree

import (
	"encoding/binary"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// InternalTuple is one posting-tree internal record.
type InternalTuple struct {
	Child     page.ID
	Separator heapptr.HeapPtr // max item reachable through Child
}

const internalTupleSize = 4 + 6

// MarshalInternal encodes t as a fixed-size internal record.
func MarshalInternal(t InternalTuple) []byte {
	buf := make([]byte, internalTupleSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.Child))
	binary.LittleEndian.PutUint32(buf[4:8], t.Separator.Block)
	binary.LittleEndian.PutUint16(buf[8:10], t.Separator.Offset)
	return buf
}

// UnmarshalInternal decodes a fixed-size internal record.
func UnmarshalInternal(rec []byte) InternalTuple {
	return InternalTuple{
		Child: page.ID(binary.LittleEndian.Uint32(rec[0:4])),
		Separator: heapptr.HeapPtr{
			Block:  binary.LittleEndian.Uint32(rec[4:8]),
			Offset: binary.LittleEndian.Uint16(rec[8:10]),
		},
	}
}
