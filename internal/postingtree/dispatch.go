package postingtree

import (
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
)

type dispatch struct{}

func (dispatch) isLeaf(buf []byte) bool {
	return page.UnmarshalHeader(buf).Type == page.TypePostingLeaf
}

func (dispatch) rightLink(buf []byte) page.ID {
	if page.UnmarshalHeader(buf).Type == page.TypePostingLeaf {
		return page.WrapData(buf).Opaque().RightLink
	}
	return page.ReadOpaque(buf).RightLink
}

func (d dispatch) pastRightBound(buf []byte, target heapptr.HeapPtr) bool {
	if d.rightLink(buf) == page.InvalidID {
		return false
	}
	if d.isLeaf(buf) {
		return heapptr.Less(page.WrapData(buf).RightBound(), target)
	}
	sp := page.Wrap(buf)
	n := sp.SlotCount()
	if n == 0 {
		return false
	}
	last := UnmarshalInternal(sp.Record(n - 1))
	return heapptr.Less(last.Separator, target)
}

func (dispatch) childFor(buf []byte, target heapptr.HeapPtr) page.ID {
	sp := page.Wrap(buf)
	n := sp.SlotCount()
	var last page.ID
	for i := 0; i < n; i++ {
		it := UnmarshalInternal(sp.Record(i))
		last = it.Child
		if !heapptr.Less(it.Separator, target) {
			return it.Child
		}
	}
	return last
}
