// Package page implements the fixed-size on-disk page format shared by
// every tree in the index: the common header, CRC checksum, and the
// page-type/flag taxonomy used to discriminate entry-tree pages,
// posting-tree pages, pending-list pages, and the meta page from one
// another by their opaque tail alone.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultSize is the default page size in bytes (8 KiB), matching the
	// BLKSZ the spec assumes.
	DefaultSize = 8192

	// MinSize and MaxSize bound a configurable page size.
	MinSize = 4096
	MaxSize = 65536

	// HeaderSize is the size of the common page header in bytes.
	//   [0]     Type       (1 byte)
	//   [1]     Flags      (1 byte)
	//   [2:4]   Reserved   (2 bytes)
	//   [4:8]   ID         (4 bytes, uint32 LE)
	//   [8:16]  LSN        (8 bytes, uint64 LE)
	//   [16:20] CRC32      (4 bytes, uint32 LE)
	//   [20:32] Reserved   (12 bytes)
	HeaderSize = 32

	// InvalidID is the null page pointer.
	InvalidID ID = 0

	// MetaPageID is the fixed block holding the index meta page.
	MetaPageID ID = 0
	// EntryRootID is the fixed block of the entry tree's root for the
	// life of the index (spec.md §3, "Lifecycle").
	EntryRootID ID = 1
)

// ID is a page identifier. Page 0 is always the meta page.
type ID uint32

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// Type discriminates what a page's contents mean.
type Type uint8

const (
	TypeMeta            Type = 0x01
	TypeEntryInternal   Type = 0x02
	TypeEntryLeaf       Type = 0x03
	TypePostingInternal Type = 0x04
	TypePostingLeaf     Type = 0x05
	TypePendingList     Type = 0x06
	TypeFreeList        Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypeMeta:
		return "Meta"
	case TypeEntryInternal:
		return "Entry-Internal"
	case TypeEntryLeaf:
		return "Entry-Leaf"
	case TypePostingInternal:
		return "Posting-Internal"
	case TypePostingLeaf:
		return "Posting-Leaf"
	case TypePendingList:
		return "PendingList"
	case TypeFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Opaque flag bits, per spec.md §6 ("Page opaque tail").
const (
	FlagData         uint16 = 1 << 0
	FlagLeaf         uint16 = 1 << 1
	FlagDeleted      uint16 = 1 << 2
	FlagMeta         uint16 = 1 << 3
	FlagList         uint16 = 1 << 4
	FlagListFullRow  uint16 = 1 << 5
)

// Header is the 32-byte header present at the start of every page.
type Header struct {
	Type     Type
	Flags    uint8
	Reserved uint16
	ID       ID
	LSN      LSN
	CRC      uint32
	Pad      [12]byte
}

// MarshalHeader writes h into the first HeaderSize bytes of buf.
func MarshalHeader(h *Header, buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer too small for header")
	}
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LSN))
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
	copy(buf[20:32], h.Pad[:])
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) Header {
	var h Header
	h.Type = Type(buf[0])
	h.Flags = buf[1]
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = ID(binary.LittleEndian.Uint32(buf[4:8]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[8:16]))
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	copy(h.Pad[:], buf[20:32])
	return h
}

// crcTable is the CRC32-C (Castagnoli) table used throughout.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC computes the CRC32-C of a full page, treating the stored CRC
// field (bytes 16:20) as zero during computation.
func ComputeCRC(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:16])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[20:])
	return h.Sum32()
}

// SetCRC computes and writes the CRC into the page header.
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[16:20], ComputeCRC(buf))
}

// VerifyCRC checks the CRC32 checksum of a page.
func VerifyCRC(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[16:20])
	computed := ComputeCRC(buf)
	if stored != computed {
		id := ID(binary.LittleEndian.Uint32(buf[4:8]))
		return fmt.Errorf("page: CRC mismatch on page %d: stored=%08x computed=%08x", id, stored, computed)
	}
	return nil
}

// ErrDeleted is returned by a descent or scan step that would land on
// a page carrying FlagDeleted. Per spec, reaching a DELETED page
// during a left- or right-step is a fatal logical error: the
// scan-epoch-gated free list (see pager.FreeManager) is supposed to
// keep a page off the reusable pool until no live cursor could still
// be about to step onto it, so seeing this error means that invariant
// was violated rather than something callers should route around.
var ErrDeleted = errors.New("page: reached a deleted page")

// IsDeleted reports whether a page's header carries the flag
// pager.Pager.FreePage sets before staging a page for reuse.
func IsDeleted(buf []byte) bool {
	return uint16(UnmarshalHeader(buf).Flags)&FlagDeleted != 0
}

// New allocates a zeroed page buffer and writes its header.
func New(size int, t Type, id ID) []byte {
	buf := make([]byte, size)
	h := &Header{Type: t, ID: id}
	MarshalHeader(h, buf)
	return buf
}
