package postingtree

import (
	"errors"
	"sync"
	"testing"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// memPager is a minimal in-memory Pager, the same shape used by the
// entry-tree and scan-driver tests.
type memPager struct {
	mu     sync.Mutex
	pages  map[page.ID][]byte
	latch  map[page.ID]*page.Latch
	nextID page.ID
}

func newMemPager() *memPager {
	return &memPager{pages: make(map[page.ID][]byte), latch: make(map[page.ID]*page.Latch), nextID: 1}
}

func (m *memPager) ReadPage(id page.ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[id], nil
}

func (m *memPager) WritePage(id page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.pages[id] = cp
	return nil
}

func (m *memPager) AllocPage(t page.Type) (page.ID, []byte, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()
	buf := page.New(page.DefaultSize, t, id)
	page.Init(buf, t, id)
	if err := m.WritePage(id, buf); err != nil {
		return 0, nil, err
	}
	return id, buf, nil
}

func (m *memPager) Latch(id page.ID) *page.Latch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.latch[id]; ok {
		return l
	}
	l := page.NewLatch()
	m.latch[id] = l
	return l
}

func newSingleLeafTree(t *testing.T, pgr *memPager) *Tree {
	t.Helper()
	root, err := Create(pgr, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return New(pgr, root)
}

func TestInsertAndScanOrdering(t *testing.T) {
	pgr := newMemPager()
	tr := newSingleLeafTree(t, pgr)

	for _, b := range []uint32{5, 1, 9, 3, 7} {
		if err := tr.Insert(heapptr.HeapPtr{Block: b, Offset: 1}, nil, true); err != nil {
			t.Fatalf("Insert(%d): %v", b, err)
		}
	}

	leafID, err := tr.LeftmostLeaf()
	if err != nil {
		t.Fatalf("LeftmostLeaf: %v", err)
	}
	items, _, next, err := tr.ScanPage(leafID, heapptr.Min)
	if err != nil {
		t.Fatalf("ScanPage: %v", err)
	}
	if next != page.InvalidID {
		t.Fatalf("expected a single leaf, got a right-link to %d", next)
	}
	want := []uint32{1, 3, 5, 7, 9}
	if len(items) != len(want) {
		t.Fatalf("got %v, want blocks %v", items, want)
	}
	for i, b := range want {
		if items[i].Block != b {
			t.Fatalf("got %v, want blocks %v", items, want)
		}
	}
}

// TestInsertTriggersLeafSplit pads every item with a large aux payload
// so a single posting leaf fills up well before a few hundred inserts,
// exercising splitLeaf/insertSeparator/createNewRoot.
func TestInsertTriggersLeafSplit(t *testing.T) {
	pgr := newMemPager()
	tr := newSingleLeafTree(t, pgr)
	pad := make([]byte, 50)

	const n = 250
	for i := uint32(0); i < n; i++ {
		if err := tr.Insert(heapptr.HeapPtr{Block: i, Offset: 1}, pad, false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	leafID, err := tr.LeftmostLeaf()
	if err != nil {
		t.Fatalf("LeftmostLeaf: %v", err)
	}
	seen := uint32(0)
	leafCount := 0
	for leafID != page.InvalidID {
		leafCount++
		items, _, next, err := tr.ScanPage(leafID, heapptr.Min)
		if err != nil {
			t.Fatalf("ScanPage: %v", err)
		}
		for _, it := range items {
			if it.Block != seen {
				t.Fatalf("got block %d, want %d (cross-leaf ordering broken)", it.Block, seen)
			}
			seen++
		}
		leafID = next
	}
	if leafCount < 2 {
		t.Fatalf("expected the insert sequence to split into at least 2 leaves, got %d", leafCount)
	}
	if seen != n {
		t.Fatalf("got %d items across all leaves, want %d", seen, n)
	}
}

func TestRemoveDownlinkDeletesInternalTuple(t *testing.T) {
	pgr := newMemPager()
	tr := newSingleLeafTree(t, pgr)
	pad := make([]byte, 50)
	for i := uint32(0); i < 250; i++ {
		if err := tr.Insert(heapptr.HeapPtr{Block: i, Offset: 1}, pad, false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	rootBuf, err := pgr.ReadPage(tr.Root())
	if err != nil {
		t.Fatalf("ReadPage(root): %v", err)
	}
	if page.UnmarshalHeader(rootBuf).Type != page.TypePostingInternal {
		t.Fatalf("expected the split sequence to produce an internal root")
	}
	sp := page.Wrap(rootBuf)
	if sp.SlotCount() < 2 {
		t.Fatalf("expected at least 2 children under the root, got %d", sp.SlotCount())
	}
	victim := UnmarshalInternal(sp.Record(0)).Child

	if err := tr.RemoveDownlink(victim); err != nil {
		t.Fatalf("RemoveDownlink: %v", err)
	}

	rootBuf2, err := pgr.ReadPage(tr.Root())
	if err != nil {
		t.Fatalf("ReadPage(root) after removal: %v", err)
	}
	sp2 := page.Wrap(rootBuf2)
	for i := 0; i < sp2.SlotCount(); i++ {
		if UnmarshalInternal(sp2.Record(i)).Child == victim {
			t.Fatalf("expected downlink to child %d to be gone after RemoveDownlink", victim)
		}
	}
}

func TestFindLeafReturnsErrDeleted(t *testing.T) {
	pgr := newMemPager()
	tr := newSingleLeafTree(t, pgr)

	buf, err := pgr.ReadPage(tr.Root())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	h := page.UnmarshalHeader(buf)
	h.Flags |= uint8(page.FlagDeleted)
	page.MarshalHeader(&h, buf)
	if err := pgr.WritePage(tr.Root(), buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	if err := tr.Insert(heapptr.HeapPtr{Block: 1, Offset: 1}, nil, true); err == nil {
		t.Fatalf("expected an error descending onto a deleted root leaf")
	} else if !errors.Is(err, page.ErrDeleted) {
		t.Fatalf("got %v, want page.ErrDeleted", err)
	}

	if _, err := tr.FindLeafForScan(heapptr.Min); err == nil {
		t.Fatalf("expected FindLeafForScan to report the same deleted page")
	} else if !errors.Is(err, page.ErrDeleted) {
		t.Fatalf("got %v, want page.ErrDeleted", err)
	}
}
