package entrytree

import (
	"bytes"
	"sync"
	"testing"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// memPager is a minimal in-memory Pager for exercising entry-tree
// logic without a real file-backed pager.
type memPager struct {
	mu     sync.Mutex
	pages  map[page.ID][]byte
	latch  map[page.ID]*page.Latch
	nextID page.ID
}

func newMemPager() *memPager {
	return &memPager{pages: make(map[page.ID][]byte), latch: make(map[page.ID]*page.Latch), nextID: page.EntryRootID + 1}
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

func TestInsertAndLookupInline(t *testing.T) {
	pgr := newMemPager()
	buf := page.New(page.DefaultSize, page.TypeEntryLeaf, page.EntryRootID)
	page.Init(buf, page.TypeEntryLeaf, page.EntryRootID)
	if err := pgr.WritePage(page.EntryRootID, buf); err != nil {
		t.Fatal(err)
	}

	tr := New(pgr, page.EntryRootID, keys.BytesCompare, 64)
	key := keys.Key{Category: keys.Norm, Datum: []byte("hello")}

	if _, err := tr.InsertItem(key, heapptr.HeapPtr{Block: 1, Offset: 1}, nil, true); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tr.InsertItem(key, heapptr.HeapPtr{Block: 1, Offset: 2}, []byte("rank"), false); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	lt, found, err := tr.Lookup(key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found {
		t.Fatalf("expected key to be found")
	}
	if len(lt.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(lt.Items))
	}
	if !bytes.Equal(lt.Aux[1], []byte("rank")) {
		t.Fatalf("expected second item's aux to round-trip")
	}
}

func TestInsertTriggersSplit(t *testing.T) {
	pgr := newMemPager()
	buf := page.New(page.DefaultSize, page.TypeEntryLeaf, page.EntryRootID)
	page.Init(buf, page.TypeEntryLeaf, page.EntryRootID)
	if err := pgr.WritePage(page.EntryRootID, buf); err != nil {
		t.Fatal(err)
	}

	tr := New(pgr, page.EntryRootID, keys.BytesCompare, 64)
	// A 32-byte datum keeps 500 keys well over one page's capacity.
	datum := func(i int) []byte { return append([]byte{byte(i >> 8), byte(i)}, make([]byte, 30)...) }
	for i := 0; i < 500; i++ {
		k := keys.Key{Category: keys.Norm, Datum: datum(i)}
		if _, err := tr.InsertItem(k, heapptr.HeapPtr{Block: uint32(i), Offset: 1}, nil, true); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	rootBuf, _ := pgr.ReadPage(page.EntryRootID)
	if page.UnmarshalHeader(rootBuf).Type != page.TypeEntryInternal {
		t.Fatalf("expected the root at block %d to be internal after splits", page.EntryRootID)
	}

	for i := 0; i < 500; i++ {
		k := keys.Key{Category: keys.Norm, Datum: datum(i)}
		_, found, err := tr.Lookup(k)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !found {
			t.Fatalf("expected key %d to be found after splits", i)
		}
	}
}
