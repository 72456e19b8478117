package pager

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/invidx/internal/page"
)

// MetaVersion is the on-disk format version written into every meta
// page this package produces.
const MetaVersion = 1

// Meta is the index meta page (page.MetaPageID), tracking the
// structural bookkeeping fields spec.md §3 assigns to it.
type Meta struct {
	Version        uint32
	Instance       uuid.UUID // per-index WAL/build fingerprint
	Head           page.ID   // pending-list head
	Tail           page.ID   // pending-list tail
	TailFreeSize   uint32    // free bytes on the pending-list tail page
	NPendingPages  uint64
	NPendingTuples uint64
	NTotal         uint64 // total indexed heap tuples
	NEntries       uint64 // distinct entry-tree keys
	NEntryPages    uint64
	NDataPages     uint64 // posting-tree leaf + internal pages
}

const metaBodySize = 4 + 16 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8

// MarshalMeta writes m into the body of a meta page (just after the
// common header).
func MarshalMeta(m *Meta, buf []byte) {
	b := buf[page.HeaderSize:]
	binary.LittleEndian.PutUint32(b[0:4], m.Version)
	copy(b[4:20], m.Instance[:])
	binary.LittleEndian.PutUint32(b[20:24], uint32(m.Head))
	binary.LittleEndian.PutUint32(b[24:28], uint32(m.Tail))
	binary.LittleEndian.PutUint32(b[28:32], m.TailFreeSize)
	binary.LittleEndian.PutUint64(b[32:40], m.NPendingPages)
	binary.LittleEndian.PutUint64(b[40:48], m.NPendingTuples)
	binary.LittleEndian.PutUint64(b[48:56], m.NTotal)
	binary.LittleEndian.PutUint64(b[56:64], m.NEntries)
	binary.LittleEndian.PutUint64(b[64:72], m.NEntryPages)
	binary.LittleEndian.PutUint64(b[72:80], m.NDataPages)
}

// UnmarshalMeta reads a Meta from the body of a meta page.
func UnmarshalMeta(buf []byte) Meta {
	b := buf[page.HeaderSize:]
	var m Meta
	m.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(m.Instance[:], b[4:20])
	m.Head = page.ID(binary.LittleEndian.Uint32(b[20:24]))
	m.Tail = page.ID(binary.LittleEndian.Uint32(b[24:28]))
	m.TailFreeSize = binary.LittleEndian.Uint32(b[28:32])
	m.NPendingPages = binary.LittleEndian.Uint64(b[32:40])
	m.NPendingTuples = binary.LittleEndian.Uint64(b[40:48])
	m.NTotal = binary.LittleEndian.Uint64(b[48:56])
	m.NEntries = binary.LittleEndian.Uint64(b[56:64])
	m.NEntryPages = binary.LittleEndian.Uint64(b[64:72])
	m.NDataPages = binary.LittleEndian.Uint64(b[72:80])
	return m
}

var _ = metaBodySize
