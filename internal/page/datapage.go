package page

import (
	"encoding/binary"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
)

// ───────────────────────────────────────────────────────────────────────────
// Data page (posting-tree leaf)
// ───────────────────────────────────────────────────────────────────────────
//
// spec.md §4.2: a data page body is
//   [right_bound HeapPtr] [compressed items...] [free space] [micro-index[K]]
// followed by the common Opaque tail. The micro-index is rebuilt after
// every modification; Opaque.MaxOffset holds the item count and
// Opaque.FreeSpace the trailing unused byte count, matching the
// contract stated in the spec.

// MicroIndexSlots is K in spec.md: the number of sparse pointers kept
// into the compressed item stream.
const MicroIndexSlots = 32

// InvalidOffsetNumber marks an unused micro-index slot.
const InvalidOffsetNumber = 0xFFFF

const (
	rightBoundOff = HeaderSize       // 6 bytes: u32 block + u16 offset
	itemsEndOff   = rightBoundOff + 6 // 2 bytes
	dataBodyOff   = itemsEndOff + 2

	microEntrySize = 2 + 2 + 6 // offsetNumber, pageOffset, HeapPtr
	microIndexSize = MicroIndexSlots * microEntrySize
)

func microIndexOff(buf []byte) int { return opaqueOffset(buf) - microIndexSize }

// MicroEntry is one slot of the tail micro-index.
type MicroEntry struct {
	OffsetNumber uint16 // 1-based index of the referenced item, or InvalidOffsetNumber
	PageOffset   uint16 // byte offset of that item within the page
	Item         heapptr.HeapPtr
}

// DataPage wraps a page buffer as a posting-tree leaf (a "data page").
type DataPage struct {
	Buf []byte
}

// WrapData wraps an existing data-page buffer.
func WrapData(buf []byte) *DataPage { return &DataPage{Buf: buf} }

// InitData initializes buf as an empty data page.
func InitData(buf []byte, id ID, rightBound heapptr.HeapPtr) *DataPage {
	h := &Header{Type: TypePostingLeaf, ID: id}
	MarshalHeader(h, buf)
	dp := &DataPage{Buf: buf}
	dp.SetRightBound(rightBound)
	dp.setItemsEnd(dataBodyOff)
	dp.clearMicroIndex()
	WriteOpaque(buf, Opaque{RightLink: InvalidID, MaxOffset: 0, FreeSpace: uint16(microIndexOff(buf) - dataBodyOff), Flags: FlagData | FlagLeaf})
	return dp
}

// RightBound returns the page's right-bound HeapPtr: every key stored on
// this page is <= RightBound, and a right-most page's bound is Max.
func (dp *DataPage) RightBound() heapptr.HeapPtr {
	return heapptr.HeapPtr{
		Block:  binary.LittleEndian.Uint32(dp.Buf[rightBoundOff:]),
		Offset: binary.LittleEndian.Uint16(dp.Buf[rightBoundOff+4:]),
	}
}

// SetRightBound sets the page's right-bound HeapPtr.
func (dp *DataPage) SetRightBound(p heapptr.HeapPtr) {
	binary.LittleEndian.PutUint32(dp.Buf[rightBoundOff:], p.Block)
	binary.LittleEndian.PutUint16(dp.Buf[rightBoundOff+4:], p.Offset)
}

func (dp *DataPage) itemsEnd() int { return u16(dp.Buf, itemsEndOff) }
func (dp *DataPage) setItemsEnd(off int) { putU16(dp.Buf, itemsEndOff, off) }

// Body returns the compressed item stream currently stored on the page.
func (dp *DataPage) Body() []byte {
	return dp.Buf[dataBodyOff:dp.itemsEnd()]
}

// Capacity returns the number of bytes available for compressed item
// bytes before the micro-index begins.
func (dp *DataPage) Capacity() int {
	return microIndexOff(dp.Buf) - dataBodyOff
}

// FreeBytes returns the number of unused bytes between the item stream
// and the micro-index.
func (dp *DataPage) FreeBytes() int {
	return microIndexOff(dp.Buf) - dp.itemsEnd()
}

// SetBody replaces the compressed item stream wholesale. itemCount is the
// number of logical items the new stream encodes.
func (dp *DataPage) SetBody(body []byte, itemCount int) {
	copy(dp.Buf[dataBodyOff:], body)
	dp.setItemsEnd(dataBodyOff + len(body))
	o := dp.Opaque()
	o.MaxOffset = uint16(itemCount)
	o.FreeSpace = uint16(dp.FreeBytes())
	dp.SetOpaque(o)
}

// SetRightLink updates only the RightLink field of the opaque tail,
// leaving MaxOffset/FreeSpace/Flags untouched.
func (dp *DataPage) SetRightLink(id ID) {
	o := dp.Opaque()
	o.RightLink = id
	dp.SetOpaque(o)
}

// Opaque returns the page's opaque tail.
func (dp *DataPage) Opaque() Opaque { return ReadOpaque(dp.Buf) }

// SetOpaque writes the page's opaque tail.
func (dp *DataPage) SetOpaque(o Opaque) { WriteOpaque(dp.Buf, o) }

// ItemCount returns the number of packed items (Opaque.MaxOffset).
func (dp *DataPage) ItemCount() int { return int(dp.Opaque().MaxOffset) }

func (dp *DataPage) clearMicroIndex() {
	off := microIndexOff(dp.Buf)
	for i := 0; i < MicroIndexSlots; i++ {
		putU16(dp.Buf, off+i*microEntrySize, InvalidOffsetNumber)
	}
}

// GetMicroEntry returns the i-th micro-index slot.
func (dp *DataPage) GetMicroEntry(i int) MicroEntry {
	off := microIndexOff(dp.Buf) + i*microEntrySize
	return MicroEntry{
		OffsetNumber: uint16(u16(dp.Buf, off)),
		PageOffset:   uint16(u16(dp.Buf, off+2)),
		Item: heapptr.HeapPtr{
			Block:  binary.LittleEndian.Uint32(dp.Buf[off+4:]),
			Offset: binary.LittleEndian.Uint16(dp.Buf[off+8:]),
		},
	}
}

func (dp *DataPage) setMicroEntry(i int, e MicroEntry) {
	off := microIndexOff(dp.Buf) + i*microEntrySize
	putU16(dp.Buf, off, int(e.OffsetNumber))
	putU16(dp.Buf, off+2, int(e.PageOffset))
	binary.LittleEndian.PutUint32(dp.Buf[off+4:], e.Item.Block)
	binary.LittleEndian.PutUint16(dp.Buf[off+8:], e.Item.Offset)
}

// RebuildMicroIndex rewrites the tail micro-index given the decoded
// (pageOffset, HeapPtr) position of every item currently in Body(),
// in ascending order. Slot i is filled with the item at logical index
// ceil(i*maxoff/(K+1))+1, per spec.md §4.2; unused slots are marked
// InvalidOffsetNumber.
func (dp *DataPage) RebuildMicroIndex(offsets []int, items []heapptr.HeapPtr) {
	dp.clearMicroIndex()
	maxoff := len(items)
	if maxoff == 0 {
		return
	}
	for i := 0; i < MicroIndexSlots; i++ {
		idx := (i*maxoff+MicroIndexSlots)/(MicroIndexSlots+1) + 1
		if idx > maxoff {
			break
		}
		li := idx - 1 // 0-based
		dp.setMicroEntry(i, MicroEntry{
			OffsetNumber: uint16(idx),
			PageOffset:   uint16(offsets[li]),
			Item:         items[li],
		})
	}
}

// SearchMicroIndex returns the byte offset to start a linear scan from
// in order to find the first item >= target: the page offset recorded
// in the last micro-index slot whose item is <= target (or dataBodyOff
// if no such slot exists).
func (dp *DataPage) SearchMicroIndex(target heapptr.HeapPtr) int {
	start := dataBodyOff
	for i := 0; i < MicroIndexSlots; i++ {
		e := dp.GetMicroEntry(i)
		if e.OffsetNumber == InvalidOffsetNumber {
			break
		}
		if heapptr.Compare(e.Item, target) > 0 {
			break
		}
		start = int(e.PageOffset)
	}
	return start
}
