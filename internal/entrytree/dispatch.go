package entrytree

import (
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// dispatch implements btree.Dispatch for entry-tree pages: slotted
// pages of InternalTuple (internal) or LeafTuple (leaf) records.
type dispatch struct {
	cmp keys.CompareFunc
}

func (d dispatch) IsLeaf(buf []byte) bool {
	return page.UnmarshalHeader(buf).Type == page.TypeEntryLeaf
}

func (d dispatch) RightLink(buf []byte) page.ID {
	return page.ReadOpaque(buf).RightLink
}

func (d dispatch) lastKey(buf []byte) (keys.Key, bool) {
	sp := page.Wrap(buf)
	n := sp.SlotCount()
	if n == 0 {
		return keys.Key{}, false
	}
	rec := sp.Record(n - 1)
	if d.IsLeaf(buf) {
		t, err := UnmarshalLeaf(rec)
		if err != nil {
			return keys.Key{}, false
		}
		return t.Key, true
	}
	t, err := UnmarshalInternal(rec)
	if err != nil {
		return keys.Key{}, false
	}
	return t.Key, true
}

func (d dispatch) PastRightBound(buf []byte, target keys.Key) bool {
	if d.RightLink(buf) == page.InvalidID {
		return false
	}
	last, ok := d.lastKey(buf)
	if !ok {
		return false
	}
	return keys.Compare(target, last, d.cmp) > 0
}

func (d dispatch) ChildFor(buf []byte, target keys.Key) page.ID {
	sp := page.Wrap(buf)
	n := sp.SlotCount()
	var last page.ID
	for i := 0; i < n; i++ {
		t, err := UnmarshalInternal(sp.Record(i))
		if err != nil {
			continue
		}
		last = t.Child
		if keys.Compare(target, t.Key, d.cmp) <= 0 {
			return t.Child
		}
	}
	return last
}
