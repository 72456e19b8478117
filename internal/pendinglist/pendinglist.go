// Package pendinglist implements the storage mechanics of the
// fast-update insertion buffer: an unsorted chain of list pages holding
// (key, item, aux) tuples appended at insert time and later flushed
// into the entry tree in bulk. Flush policy (when to trigger a flush)
// is out of scope per spec.md's Non-goals; only the page format, the
// append/flush primitives, and the WAL opcodes they use are
// implemented here (spec.md §6, SUPPLEMENTED FEATURES).
package pendinglist

import (
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// Pager is the page-access surface the pending list needs.
type Pager interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
	AllocPage(t page.Type) (page.ID, []byte, error)
}

// Tuple is one buffered (not-yet-flushed) insertion.
type Tuple struct {
	Key  keys.Key
	Item heapptr.HeapPtr
	Aux  []byte
	Null bool
}

// Marshal encodes t as a slotted-page record.
func Marshal(t Tuple) []byte {
	var buf []byte
	buf = append(buf, byte(t.Key.Category))
	buf = appendVarUint(buf, uint64(len(t.Key.Datum)))
	buf = append(buf, t.Key.Datum...)
	var ib [6]byte
	putU32(ib[0:4], t.Item.Block)
	putU16(ib[4:6], t.Item.Offset)
	buf = append(buf, ib[:]...)
	if t.Null {
		buf = append(buf, 1)
		return buf
	}
	buf = append(buf, 0)
	buf = appendVarUint(buf, uint64(len(t.Aux)))
	return append(buf, t.Aux...)
}

// Unmarshal decodes a record previously produced by Marshal.
func Unmarshal(rec []byte) (Tuple, error) {
	var t Tuple
	if len(rec) < 1 {
		return t, errors.New("pendinglist: empty record")
	}
	t.Key.Category = keys.Category(rec[0])
	rest := rec[1:]
	dlen, rest, err := getVarUint(rest)
	if err != nil {
		return t, err
	}
	if uint64(len(rest)) < dlen+6+1 {
		return t, errors.New("pendinglist: truncated record")
	}
	t.Key.Datum = rest[:dlen]
	rest = rest[dlen:]
	t.Item.Block = getU32(rest[0:4])
	t.Item.Offset = getU16(rest[4:6])
	rest = rest[6:]
	if rest[0] == 1 {
		t.Null = true
		return t, nil
	}
	rest = rest[1:]
	alen, rest, err := getVarUint(rest)
	if err != nil {
		return t, err
	}
	if uint64(len(rest)) < alen {
		return t, errors.New("pendinglist: truncated aux")
	}
	t.Aux = rest[:alen]
	return t, nil
}

// Append adds tuple t to the pending-list chain, allocating a new tail
// page when the current one is full, and returns the (possibly new)
// head/tail ids for the caller to persist in the meta page.
func Append(pgr Pager, head, tail page.ID, t Tuple) (newHead, newTail page.ID, err error) {
	rec := Marshal(t)

	if tail != page.InvalidID {
		buf, err := pgr.ReadPage(tail)
		if err != nil {
			return head, tail, err
		}
		sp := page.Wrap(buf)
		if _, err := sp.Append(rec); err == nil {
			return head, tail, pgr.WritePage(tail, buf)
		}
	}

	id, buf, err := pgr.AllocPage(page.TypePendingList)
	if err != nil {
		return head, tail, err
	}
	page.Init(buf, page.TypePendingList, id)
	sp := page.Wrap(buf)
	if _, err := sp.Append(rec); err != nil {
		return head, tail, errors.Wrap(err, "pendinglist: tuple too large for an empty page")
	}
	if err := pgr.WritePage(id, buf); err != nil {
		return head, tail, err
	}

	if tail != page.InvalidID {
		tbuf, err := pgr.ReadPage(tail)
		if err != nil {
			return head, tail, err
		}
		page.Wrap(tbuf).SetOpaque(page.Opaque{RightLink: id})
		if err := pgr.WritePage(tail, tbuf); err != nil {
			return head, tail, err
		}
	}
	if head == page.InvalidID {
		head = id
	}
	return head, id, nil
}

// Drain reads every tuple reachable from head, in append order, calling
// fn for each; it stops and returns fn's error, if any.
func Drain(pgr Pager, head page.ID, fn func(Tuple) error) error {
	cur := head
	for cur != page.InvalidID {
		buf, err := pgr.ReadPage(cur)
		if err != nil {
			return err
		}
		sp := page.Wrap(buf)
		for i := 0; i < sp.SlotCount(); i++ {
			t, err := Unmarshal(sp.Record(i))
			if err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
		}
		cur = sp.Opaque().RightLink
	}
	return nil
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
	return 0, nil, errors.New("pendinglist: truncated varbyte")
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putU16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func getU16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }
