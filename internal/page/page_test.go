package page

import (
	"testing"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
)

func TestCRCDetectsCorruption(t *testing.T) {
	buf := New(DefaultSize, TypeMeta, 0)
	SetCRC(buf)
	if err := VerifyCRC(buf); err != nil {
		t.Fatalf("fresh page should verify: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyCRC(buf); err == nil {
		t.Fatalf("expected CRC mismatch after corruption")
	}
}

func TestSlottedAppendAndRecord(t *testing.T) {
	buf := make([]byte, DefaultSize)
	sp := Init(buf, TypeEntryLeaf, 1)

	recs := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, r := range recs {
		if _, err := sp.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if sp.SlotCount() != len(recs) {
		t.Fatalf("slot count = %d, want %d", sp.SlotCount(), len(recs))
	}
	for i, r := range recs {
		got := sp.Record(i)
		if string(got) != string(r) {
			t.Fatalf("record %d = %q, want %q", i, got, r)
		}
	}
}

func TestSlottedDeleteAt(t *testing.T) {
	buf := make([]byte, DefaultSize)
	sp := Init(buf, TypeEntryLeaf, 1)
	for _, r := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if _, err := sp.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sp.DeleteAt(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if sp.SlotCount() != 2 {
		t.Fatalf("slot count after delete = %d, want 2", sp.SlotCount())
	}
	if string(sp.Record(0)) != "a" || string(sp.Record(1)) != "c" {
		t.Fatalf("unexpected records after delete: %q, %q", sp.Record(0), sp.Record(1))
	}
}

func TestDataPageMicroIndexSearch(t *testing.T) {
	buf := make([]byte, DefaultSize)
	dp := InitData(buf, 5, heapptr.Max)

	n := 200
	items := make([]heapptr.HeapPtr, n)
	offsets := make([]int, n)
	off := dataBodyOff
	for i := 0; i < n; i++ {
		items[i] = heapptr.HeapPtr{Block: uint32(i), Offset: 1}
		offsets[i] = off
		off += 8 // arbitrary fixed stride for this synthetic test
	}
	dp.setItemsEnd(off)
	dp.RebuildMicroIndex(offsets, items)

	target := items[150]
	start := dp.SearchMicroIndex(target)
	if start > offsets[150] {
		t.Fatalf("SearchMicroIndex returned %d, past target offset %d", start, offsets[150])
	}
	if start < dataBodyOff {
		t.Fatalf("SearchMicroIndex returned %d, before body start %d", start, dataBodyOff)
	}
}
