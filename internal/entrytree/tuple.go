// Package entrytree implements the top-level entry tree: a slotted
// B-tree keyed by category-tagged opclass key, whose leaves hold either
// a small inline posting list or a pointer to a posting tree once the
// list outgrows the inline threshold. Page layout and split mechanics
// follow the teacher pager's btree_page.go slot-directory conventions,
// adapted to variable-length category+datum keys and to the two kinds
// of leaf payload the spec requires.
package entrytree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/codec"
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// LeafTuple is one entry-tree leaf record: a key plus either an inline
// posting list or a posting-tree root pointer.
type LeafTuple struct {
	Key          keys.Key
	HasTree      bool
	TreeRoot     page.ID          // valid when HasTree
	Items        []heapptr.HeapPtr // valid when !HasTree, ascending
	Aux          [][]byte          // parallel to Items; nil element means SQL-NULL aux
}

// InternalTuple is one entry-tree internal record: a separator key plus
// the child page it routes to.
type InternalTuple struct {
	Key   keys.Key
	Child page.ID
}

// MarshalLeaf encodes t as a leaf record.
func MarshalLeaf(t LeafTuple) []byte {
	var buf []byte
	buf = append(buf, byte(t.Key.Category))
	buf = appendVarUint(buf, uint64(len(t.Key.Datum)))
	buf = append(buf, t.Key.Datum...)

	if t.HasTree {
		buf = append(buf, 1)
		var idb [4]byte
		binary.LittleEndian.PutUint32(idb[:], uint32(t.TreeRoot))
		buf = append(buf, idb[:]...)
		return buf
	}
	buf = append(buf, 0)
	buf = appendVarUint(buf, uint64(len(t.Items)))
	prev := heapptr.Min
	for i, item := range t.Items {
		var aux []byte
		isNull := true
		if i < len(t.Aux) && t.Aux[i] != nil {
			aux = t.Aux[i]
			isNull = false
		}
		buf = codec.Encode(buf, prev, item, aux, isNull)
		prev = item
	}
	return buf
}

// UnmarshalLeaf decodes a leaf record previously produced by
// MarshalLeaf.
func UnmarshalLeaf(rec []byte) (LeafTuple, error) {
	var t LeafTuple
	cat, rest, err := readByte(rec)
	if err != nil {
		return t, err
	}
	t.Key.Category = keys.Category(cat)

	datumLen, rest, err := getVarUint(rest)
	if err != nil {
		return t, err
	}
	if uint64(len(rest)) < datumLen {
		return t, errors.New("entrytree: truncated datum")
	}
	t.Key.Datum = rest[:datumLen]
	rest = rest[datumLen:]

	kind, rest, err := readByte(rest)
	if err != nil {
		return t, err
	}
	if kind == 1 {
		if len(rest) < 4 {
			return t, errors.New("entrytree: truncated tree root")
		}
		t.HasTree = true
		t.TreeRoot = page.ID(binary.LittleEndian.Uint32(rest))
		return t, nil
	}

	n, rest, err := getVarUint(rest)
	if err != nil {
		return t, err
	}
	prev := heapptr.Min
	for i := uint64(0); i < n; i++ {
		var item heapptr.HeapPtr
		var aux []byte
		var isNull bool
		item, aux, isNull, rest, err = codec.Decode(rest, prev)
		if err != nil {
			return t, errors.Wrapf(err, "entrytree: item %d", i)
		}
		t.Items = append(t.Items, item)
		if isNull {
			t.Aux = append(t.Aux, nil)
		} else {
			t.Aux = append(t.Aux, aux)
		}
		prev = item
	}
	return t, nil
}

// MarshalInternal encodes t as an internal record.
func MarshalInternal(t InternalTuple) []byte {
	var buf []byte
	buf = append(buf, byte(t.Key.Category))
	buf = appendVarUint(buf, uint64(len(t.Key.Datum)))
	buf = append(buf, t.Key.Datum...)
	var idb [4]byte
	binary.LittleEndian.PutUint32(idb[:], uint32(t.Child))
	return append(buf, idb[:]...)
}

// UnmarshalInternal decodes an internal record previously produced by
// MarshalInternal.
func UnmarshalInternal(rec []byte) (InternalTuple, error) {
	var t InternalTuple
	cat, rest, err := readByte(rec)
	if err != nil {
		return t, err
	}
	t.Key.Category = keys.Category(cat)

	datumLen, rest, err := getVarUint(rest)
	if err != nil {
		return t, err
	}
	if uint64(len(rest)) < datumLen+4 {
		return t, errors.New("entrytree: truncated internal record")
	}
	t.Key.Datum = rest[:datumLen]
	rest = rest[datumLen:]
	t.Child = page.ID(binary.LittleEndian.Uint32(rest))
	return t, nil
}

func appendVarUint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func getVarUint(buf []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, buf[i+1:], nil
		}
		shift += 7
	}
	return 0, nil, errors.New("entrytree: truncated varbyte")
}

func readByte(buf []byte) (byte, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, errors.New("entrytree: truncated record")
	}
	return buf[0], buf[1:], nil
}
