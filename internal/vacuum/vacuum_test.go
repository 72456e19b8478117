package vacuum

import (
	"sync"
	"testing"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/postingtree"
)

// memPager is a minimal in-memory Pager satisfying both vacuum.Pager
// and postingtree.Pager, the same shape used by the entry-tree and
// scan-driver tests.
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

// FreePage mirrors pager.Pager.FreePage: stamp FlagDeleted and write
// back, with no scan-epoch gating (vacuum tests don't exercise reuse
// timing, just that the flag lands and the downlink is gone first).
func (m *memPager) FreePage(id page.ID) error {
	buf, err := m.ReadPage(id)
	if err != nil {
		return err
	}
	h := page.UnmarshalHeader(buf)
	h.Flags |= uint8(page.FlagDeleted)
	page.MarshalHeader(&h, buf)
	return m.WritePage(id, buf)
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

// buildMultiLeafTree packs n items, each carrying a padding aux payload
// large enough that a single posting leaf cannot hold them all, so the
// resulting tree has several leaves linked by right-links under one
// internal root (mirrors postingtree.BuildBulk's own fan-out, used
// wherever an entry-tree tuple's inline list first overflows).
func buildMultiLeafTree(t *testing.T, pgr *memPager, n int) *postingtree.Tree {
	t.Helper()
	items := make([]heapptr.HeapPtr, n)
	auxes := make([][]byte, n)
	pad := make([]byte, 100)
	for i := 0; i < n; i++ {
		items[i] = heapptr.HeapPtr{Block: uint32(i), Offset: 1}
		auxes[i] = pad
	}
	root, err := postingtree.BuildBulk(pgr, items, auxes)
	if err != nil {
		t.Fatalf("BuildBulk: %v", err)
	}
	return postingtree.New(pgr, root)
}

func countLeaves(t *testing.T, pgr *memPager, tr *postingtree.Tree) int {
	t.Helper()
	id, err := tr.LeftmostLeaf()
	if err != nil {
		t.Fatalf("LeftmostLeaf: %v", err)
	}
	n := 0
	for id != page.InvalidID {
		n++
		_, _, next, err := tr.ScanPage(id, heapptr.Min)
		if err != nil {
			t.Fatalf("ScanPage: %v", err)
		}
		id = next
	}
	return n
}

func TestCleanLeavesRemovesDeadItems(t *testing.T) {
	pgr := newMemPager()
	tr := buildMultiLeafTree(t, pgr, 300)
	if countLeaves(t, pgr, tr) < 3 {
		t.Fatalf("expected the test fixture to span at least 3 leaves")
	}

	isDead := func(p heapptr.HeapPtr) bool { return p.Block%10 == 0 }
	stats, empty, err := CleanLeaves(pgr, tr, isDead)
	if err != nil {
		t.Fatalf("CleanLeaves: %v", err)
	}
	if stats.ItemsRemoved != 30 {
		t.Fatalf("got ItemsRemoved=%d, want 30", stats.ItemsRemoved)
	}
	if len(empty) != 0 {
		t.Fatalf("removing every 10th item should not empty any leaf, got %v", empty)
	}

	id, err := tr.LeftmostLeaf()
	if err != nil {
		t.Fatalf("LeftmostLeaf: %v", err)
	}
	for id != page.InvalidID {
		items, _, next, err := tr.ScanPage(id, heapptr.Min)
		if err != nil {
			t.Fatalf("ScanPage: %v", err)
		}
		for _, it := range items {
			if isDead(it) {
				t.Fatalf("found dead item %v still present on leaf %d after CleanLeaves", it, id)
			}
		}
		id = next
	}
}

// TestDeleteEmptyBranchesRemovesDownlink kills every item on one
// non-leftmost leaf, runs both vacuum phases, and checks all three
// steps of page deletion: the left sibling's right-link is rewired
// past it, the parent's downlink to it is gone (RemoveDownlink), and
// the page itself is marked DELETED.
func TestDeleteEmptyBranchesRemovesDownlink(t *testing.T) {
	pgr := newMemPager()
	tr := buildMultiLeafTree(t, pgr, 300)
	before := countLeaves(t, pgr, tr)
	if before < 3 {
		t.Fatalf("expected the test fixture to span at least 3 leaves, got %d", before)
	}

	// Identify the second leaf in the chain: it has both a left sibling
	// and, being non-leftmost, is eligible for deletion.
	first, err := tr.LeftmostLeaf()
	if err != nil {
		t.Fatalf("LeftmostLeaf: %v", err)
	}
	_, _, second, err := tr.ScanPage(first, heapptr.Min)
	if err != nil {
		t.Fatalf("ScanPage(first): %v", err)
	}
	if second == page.InvalidID {
		t.Fatalf("expected a second leaf")
	}
	secondItems, _, _, err := tr.ScanPage(second, heapptr.Min)
	if err != nil {
		t.Fatalf("ScanPage(second): %v", err)
	}
	dead := make(map[heapptr.HeapPtr]bool, len(secondItems))
	for _, it := range secondItems {
		dead[it] = true
	}

	_, empty, err := CleanLeaves(pgr, tr, func(p heapptr.HeapPtr) bool { return dead[p] })
	if err != nil {
		t.Fatalf("CleanLeaves: %v", err)
	}
	if len(empty) != 1 || empty[0] != second {
		t.Fatalf("got empty=%v, want [%d]", empty, second)
	}

	stats, err := DeleteEmptyBranches(pgr, tr, empty)
	if err != nil {
		t.Fatalf("DeleteEmptyBranches: %v", err)
	}
	if stats.LeavesDeleted != 1 {
		t.Fatalf("got LeavesDeleted=%d, want 1", stats.LeavesDeleted)
	}

	buf, err := pgr.ReadPage(second)
	if err != nil {
		t.Fatalf("ReadPage(second): %v", err)
	}
	if !page.IsDeleted(buf) {
		t.Fatalf("expected leaf %d to carry FlagDeleted after DeleteEmptyBranches", second)
	}

	firstBuf, err := pgr.ReadPage(first)
	if err != nil {
		t.Fatalf("ReadPage(first): %v", err)
	}
	if rl := page.WrapData(firstBuf).Opaque().RightLink; rl == second {
		t.Fatalf("expected the left sibling's right-link to skip the deleted leaf, still points at %d", second)
	}

	if err := tr.RemoveDownlink(second); err != nil {
		t.Fatalf("RemoveDownlink should be a no-op once already removed: %v", err)
	}

	if countLeaves(t, pgr, tr) != before-1 {
		t.Fatalf("got %d leaves after deletion, want %d", countLeaves(t, pgr, tr), before-1)
	}
}

func TestDeleteEmptyBranchesIsNoOpOnEmptyInput(t *testing.T) {
	pgr := newMemPager()
	tr := buildMultiLeafTree(t, pgr, 10)
	stats, err := DeleteEmptyBranches(pgr, tr, nil)
	if err != nil {
		t.Fatalf("DeleteEmptyBranches: %v", err)
	}
	if stats.LeavesDeleted != 0 {
		t.Fatalf("expected no-op stats, got %+v", stats)
	}
}
