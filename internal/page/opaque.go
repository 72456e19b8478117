package page

import "encoding/binary"

// OpaqueSize is the size in bytes of the trailing "opaque" struct every
// page carries, per spec.md §3:
//   right_link: u32, max_offset: u16, free_space: u16, flags: u16
const OpaqueSize = 10

// Opaque is the per-page metadata that lives in the last OpaqueSize
// bytes of every page, after the micro-index (for data pages) or the
// record bytes (for slotted pages, whose slot directory sits at the
// front, just after the header).
type Opaque struct {
	RightLink ID
	MaxOffset uint16
	FreeSpace uint16
	Flags     uint16
}

func opaqueOffset(buf []byte) int { return len(buf) - OpaqueSize }

// ReadOpaque reads the opaque tail of a page buffer.
func ReadOpaque(buf []byte) Opaque {
	off := opaqueOffset(buf)
	return Opaque{
		RightLink: ID(binary.LittleEndian.Uint32(buf[off:])),
		MaxOffset: binary.LittleEndian.Uint16(buf[off+4:]),
		FreeSpace: binary.LittleEndian.Uint16(buf[off+6:]),
		Flags:     binary.LittleEndian.Uint16(buf[off+8:]),
	}
}

// WriteOpaque writes o into the opaque tail of a page buffer.
func WriteOpaque(buf []byte, o Opaque) {
	off := opaqueOffset(buf)
	binary.LittleEndian.PutUint32(buf[off:], uint32(o.RightLink))
	binary.LittleEndian.PutUint16(buf[off+4:], o.MaxOffset)
	binary.LittleEndian.PutUint16(buf[off+6:], o.FreeSpace)
	binary.LittleEndian.PutUint16(buf[off+8:], o.Flags)
}

// HasFlag reports whether all bits in mask are set in o.Flags.
func (o Opaque) HasFlag(mask uint16) bool { return o.Flags&mask == mask }
