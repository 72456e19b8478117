package scan

import (
	"bytes"
	"sync"
	"testing"

	"github.com/SimonWaldherr/invidx/internal/entrytree"
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/opclass"
	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/postingtree"
)

// memPager is a minimal in-memory Pager, the same shape entrytree's own
// test uses, satisfying entrytree.Pager and postingtree.Pager alike.
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

func newEntryTree(t *testing.T, pgr *memPager) *entrytree.Tree {
	t.Helper()
	buf := page.New(page.DefaultSize, page.TypeEntryLeaf, page.EntryRootID)
	page.Init(buf, page.TypeEntryLeaf, page.EntryRootID)
	if err := pgr.WritePage(page.EntryRootID, buf); err != nil {
		t.Fatal(err)
	}
	return entrytree.New(pgr, page.EntryRootID, keys.BytesCompare, 64)
}

// andOpClass is a minimal opclass exercising a strict AND strategy: a
// query decomposes one byte per key (or, if empty, matches everything),
// Consistent/PreConsistent both require every extracted key to be
// present (PreConsistent degenerates to the same check for a pure AND
// strategy), and Ordering ranks by a row's block number.
type andOpClass struct{}

func (andOpClass) Capabilities() uint32 {
	return opclass.CanPreConsistent | opclass.CanOrdering
}
func (andOpClass) ExtractValue(value []byte) ([][]byte, bool) {
	out := make([][]byte, len(value))
	for i, b := range value {
		out[i] = []byte{b}
	}
	return out, false
}
func (andOpClass) ExtractQuery(query []byte, _ uint16) ([][]byte, bool) {
	if len(query) == 0 {
		return nil, true
	}
	out := make([][]byte, len(query))
	for i, b := range query {
		out[i] = []byte{b}
	}
	return out, false
}
func (andOpClass) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (andOpClass) ComparePartial(partialKey, datum []byte) int {
	return bytes.Compare(partialKey, datum)
}
func (andOpClass) Consistent(matched []bool, _ uint16, _ [][]byte, _ []byte) (bool, bool) {
	for _, m := range matched {
		if !m {
			return false, false
		}
	}
	return true, false
}
func (andOpClass) PreConsistent(matched []bool, strategy uint16, queryKeys [][]byte) bool {
	ok, _ := andOpClass{}.Consistent(matched, strategy, queryKeys, nil)
	return ok
}
// Ordering returns -block rather than block: RankedMerge's lazy k-way
// heap merge only emits a globally rank-sorted stream when each
// entry's own posting list is non-increasing in rank as the cursor
// advances, and posting lists here are stored block-ascending, so the
// rank has to be block-descending to match.
func (andOpClass) Ordering(item heapptr.HeapPtr, _ []byte, _ [][]byte) float64 {
	return -float64(item.Block)
}
func (andOpClass) Config() opclass.Config { return opclass.Config{} }

func insertKey(t *testing.T, tr *entrytree.Tree, datum byte, blocks ...uint32) {
	t.Helper()
	for _, b := range blocks {
		if _, err := tr.InsertItem(keys.Key{Category: keys.Norm, Datum: []byte{datum}}, heapptr.HeapPtr{Block: b, Offset: 1}, nil, true); err != nil {
			t.Fatalf("insert key %q block %d: %v", datum, b, err)
		}
	}
}

func heapPtrs(blocks ...uint32) []heapptr.HeapPtr {
	out := make([]heapptr.HeapPtr, len(blocks))
	for i, b := range blocks {
		out[i] = heapptr.HeapPtr{Block: b, Offset: 1}
	}
	return out
}

func TestRegularScanIntersection(t *testing.T) {
	pgr := newMemPager()
	tr := newEntryTree(t, pgr)
	insertKey(t, tr, 'a', 1, 3, 5)
	insertKey(t, tr, 'b', 3, 5, 7)

	op := andOpClass{}
	sk, err := BuildScanKey(tr, pgr, op, 0, []byte("ab"))
	if err != nil {
		t.Fatalf("BuildScanKey: %v", err)
	}
	if sk.Everything {
		t.Fatalf("expected a non-empty query")
	}

	got, err := RegularScan(sk, op)
	if err != nil {
		t.Fatalf("RegularScan: %v", err)
	}
	want := heapPtrs(3, 5)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFastScanMatchesRegularScan(t *testing.T) {
	pgr := newMemPager()
	tr := newEntryTree(t, pgr)
	insertKey(t, tr, 'a', 1, 3, 5, 9, 20)
	insertKey(t, tr, 'b', 3, 5, 7, 20)

	op := andOpClass{}
	sk, err := BuildScanKey(tr, pgr, op, 0, []byte("ab"))
	if err != nil {
		t.Fatalf("BuildScanKey: %v", err)
	}

	got, err := FastScan(sk, op)
	if err != nil {
		t.Fatalf("FastScan: %v", err)
	}
	want := heapPtrs(3, 5, 20)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestFastScanSkipsPostingTreeLeaves forces one key onto a posting tree
// (via BuildBulk, the same path the real index promotes through) so
// FastScan's seek-on-pre-consistent-failure exercises
// cursor.SeekTo's postingtree.Tree.FindLeafForScan path, not just the
// inline-list binary search.
func TestFastScanSkipsPostingTreeLeaves(t *testing.T) {
	pgr := newMemPager()
	tr := newEntryTree(t, pgr)

	var bItems []heapptr.HeapPtr
	var bAux [][]byte
	for i := uint32(0); i < 200; i++ {
		bItems = append(bItems, heapptr.HeapPtr{Block: i, Offset: 1})
		bAux = append(bAux, nil)
	}
	root, err := postingtree.BuildBulk(pgr, bItems, bAux)
	if err != nil {
		t.Fatalf("BuildBulk: %v", err)
	}
	if _, err := tr.InsertItem(keys.Key{Category: keys.Norm, Datum: []byte{'b'}}, bItems[0], nil, true); err != nil {
		t.Fatalf("seed tuple: %v", err)
	}
	if err := tr.PromoteToTree(keys.Key{Category: keys.Norm, Datum: []byte{'b'}}, root); err != nil {
		t.Fatalf("PromoteToTree: %v", err)
	}
	insertKey(t, tr, 'a', 0, 150, 199)

	op := andOpClass{}
	sk, err := BuildScanKey(tr, pgr, op, 0, []byte("ab"))
	if err != nil {
		t.Fatalf("BuildScanKey: %v", err)
	}

	got, err := FastScan(sk, op)
	if err != nil {
		t.Fatalf("FastScan: %v", err)
	}
	want := heapPtrs(0, 150, 199)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFullScanByAuxOrdering(t *testing.T) {
	pgr := newMemPager()
	tr := newEntryTree(t, pgr)
	insertKey(t, tr, 'a', 5, 1)
	insertKey(t, tr, 'b', 9, 3)

	op := andOpClass{}
	sk, err := BuildScanKey(tr, pgr, op, 0, nil)
	if err != nil {
		t.Fatalf("BuildScanKey: %v", err)
	}
	if !sk.Everything {
		t.Fatalf("expected an empty query to match everything")
	}
	if len(sk.FullItems) != 4 {
		t.Fatalf("expected 4 items total, got %d", len(sk.FullItems))
	}

	ranked := RankByAux(sk.FullItems, sk.FullAux, sk.QueryKeys, op)
	if len(ranked) != 4 {
		t.Fatalf("expected 4 ranked items, got %d", len(ranked))
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Block > ranked[i-1].Block {
			t.Fatalf("expected descending block order (ascending -block rank), got %v", ranked)
		}
	}
}

func TestRankedMergeOrdersByRank(t *testing.T) {
	pgr := newMemPager()
	tr := newEntryTree(t, pgr)
	insertKey(t, tr, 'a', 1, 10)
	insertKey(t, tr, 'b', 5, 20)

	op := andOpClass{}
	entries, err := ResolveEntries(tr, pgr, []keys.Key{
		{Category: keys.Norm, Datum: []byte{'a'}},
		{Category: keys.Norm, Datum: []byte{'b'}},
	})
	if err != nil {
		t.Fatalf("ResolveEntries: %v", err)
	}
	sk := &ScanKey{QueryKeys: [][]byte{{'a'}, {'b'}}, Entries: entries}

	got, err := RankedMerge(sk, op, 0)
	if err != nil {
		t.Fatalf("RankedMerge: %v", err)
	}
	want := heapPtrs(1, 5, 10, 20)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
