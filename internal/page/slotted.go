package page

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Slotted page
// ───────────────────────────────────────────────────────────────────────────
//
// Used by the entry tree (leaf and internal tuples) and by posting-tree
// internal nodes (fixed (child,separator) pairs): variable-length
// records addressed through a slot directory that grows forward from
// just after the header, with record bytes growing backward from the
// opaque tail. Layout:
//
//   [0:HeaderSize]                  common page header
//   [HeaderSize:+4]                 SlotCount(u16) FreeSpaceEnd(u16)
//   [HeaderSize+4 : +4*SlotCount]   slot directory, 4 bytes/slot
//   ... free space ...
//   [FreeSpaceEnd : len(buf)-OpaqueSize]  record bytes
//   [len(buf)-OpaqueSize:]          Opaque tail

const (
	slottedHeaderOff = HeaderSize
	slotDirOff       = slottedHeaderOff + 4
	slotEntrySize    = 4
)

// Slotted wraps a page buffer as a slotted page of variable-length
// records.
type Slotted struct {
	Buf []byte
}

// SlotEntry is one directory entry: byte offset and length of a record.
type SlotEntry struct {
	Offset uint16
	Length uint16
}

// Wrap wraps an existing slotted-page buffer.
func Wrap(buf []byte) *Slotted { return &Slotted{Buf: buf} }

// Init initializes buf as an empty slotted page of type t.
func Init(buf []byte, t Type, id ID) *Slotted {
	h := &Header{Type: t, ID: id}
	MarshalHeader(h, buf)
	sp := &Slotted{Buf: buf}
	sp.setSlotCount(0)
	sp.setFreeSpaceEnd(opaqueOffset(buf))
	WriteOpaque(buf, Opaque{RightLink: InvalidID})
	return sp
}

func u16(b []byte, off int) int { return int(b[off]) | int(b[off+1])<<8 }
func putU16(b []byte, off, v int) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

// SlotCount returns the number of slots, including tombstones.
func (sp *Slotted) SlotCount() int { return u16(sp.Buf, slottedHeaderOff) }
func (sp *Slotted) setSlotCount(n int) { putU16(sp.Buf, slottedHeaderOff, n) }

// FreeSpaceEnd is the byte offset where the next record is written.
func (sp *Slotted) FreeSpaceEnd() int { return u16(sp.Buf, slottedHeaderOff+2) }
func (sp *Slotted) setFreeSpaceEnd(off int) { putU16(sp.Buf, slottedHeaderOff+2, off) }

func (sp *Slotted) slotDirEnd() int { return slotDirOff + sp.SlotCount()*slotEntrySize }

// FreeSpace returns the number of bytes available for a new record plus
// its slot entry.
func (sp *Slotted) FreeSpace() int {
	return sp.FreeSpaceEnd() - sp.slotDirEnd() - slotEntrySize
}

// GetSlot returns the i-th slot directory entry.
func (sp *Slotted) GetSlot(i int) SlotEntry {
	off := slotDirOff + i*slotEntrySize
	return SlotEntry{Offset: uint16(u16(sp.Buf, off)), Length: uint16(u16(sp.Buf, off+2))}
}

func (sp *Slotted) setSlot(i int, e SlotEntry) {
	off := slotDirOff + i*slotEntrySize
	putU16(sp.Buf, off, int(e.Offset))
	putU16(sp.Buf, off+2, int(e.Length))
}

// Record returns the raw bytes of the i-th record.
func (sp *Slotted) Record(i int) []byte {
	e := sp.GetSlot(i)
	if e.Offset == 0 && e.Length == 0 {
		return nil
	}
	return sp.Buf[e.Offset : int(e.Offset)+int(e.Length)]
}

// Append adds a record at the end of the slot directory and returns its
// index.
func (sp *Slotted) Append(rec []byte) (int, error) {
	if sp.FreeSpace() < len(rec) {
		return -1, fmt.Errorf("page: full: need %d, have %d", len(rec), sp.FreeSpace())
	}
	newEnd := sp.FreeSpaceEnd() - len(rec)
	copy(sp.Buf[newEnd:], rec)
	sp.setFreeSpaceEnd(newEnd)
	idx := sp.SlotCount()
	sp.setSlot(idx, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(rec))})
	sp.setSlotCount(idx + 1)
	return idx, nil
}

// InsertAt inserts a record at directory position pos, shifting later
// slots right by one.
func (sp *Slotted) InsertAt(pos int, rec []byte) error {
	if sp.FreeSpace() < len(rec) {
		return fmt.Errorf("page: full: need %d, have %d", len(rec), sp.FreeSpace())
	}
	newEnd := sp.FreeSpaceEnd() - len(rec)
	copy(sp.Buf[newEnd:], rec)
	sp.setFreeSpaceEnd(newEnd)

	sc := sp.SlotCount()
	sp.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		sp.setSlot(i, sp.GetSlot(i-1))
	}
	sp.setSlot(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(rec))})
	return nil
}

// DeleteAt removes the record at directory position pos.
func (sp *Slotted) DeleteAt(pos int) error {
	sc := sp.SlotCount()
	if pos < 0 || pos >= sc {
		return fmt.Errorf("page: slot %d out of range [0,%d)", pos, sc)
	}
	for i := pos; i < sc-1; i++ {
		sp.setSlot(i, sp.GetSlot(i+1))
	}
	sp.setSlot(sc-1, SlotEntry{})
	sp.setSlotCount(sc - 1)
	return nil
}

// Opaque returns the page's opaque tail.
func (sp *Slotted) Opaque() Opaque { return ReadOpaque(sp.Buf) }

// SetOpaque writes the page's opaque tail.
func (sp *Slotted) SetOpaque(o Opaque) { WriteOpaque(sp.Buf, o) }

// Reset reinitializes the page in place, keeping its ID and type.
func (sp *Slotted) Reset() {
	sp.setSlotCount(0)
	sp.setFreeSpaceEnd(opaqueOffset(sp.Buf))
}
