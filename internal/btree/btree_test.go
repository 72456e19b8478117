package btree

import (
	"errors"
	"testing"

	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// memPager is a minimal in-memory Pager: just enough for FindLeaf's
// ReadPage/Latch surface.
type memPager struct {
	pages map[page.ID][]byte
	latch map[page.ID]*page.Latch
}

func newMemPager() *memPager {
	return &memPager{pages: make(map[page.ID][]byte), latch: make(map[page.ID]*page.Latch)}
}

func (m *memPager) ReadPage(id page.ID) ([]byte, error) { return m.pages[id], nil }

func (m *memPager) Latch(id page.ID) *page.Latch {
	if l, ok := m.latch[id]; ok {
		return l
	}
	l := page.NewLatch()
	m.latch[id] = l
	return l
}

func (m *memPager) putPage(id page.ID, t page.Type, deleted bool) {
	buf := page.New(page.DefaultSize, t, id)
	if deleted {
		h := page.UnmarshalHeader(buf)
		h.Flags |= uint8(page.FlagDeleted)
		page.MarshalHeader(&h, buf)
	}
	m.pages[id] = buf
}

// fakeDispatch is a hand-wired Dispatch over a tiny fixed tree shape,
// keyed purely by page id (the test target key is never inspected),
// enough to drive FindLeaf's right-link-chase and child-descent logic
// without a real page layout.
type fakeDispatch struct {
	leaf      map[page.ID]bool
	rightLink map[page.ID]page.ID
	child     map[page.ID]page.ID
	pastRight map[page.ID]bool
}

func (d fakeDispatch) IsLeaf(buf []byte) bool { return d.leaf[page.UnmarshalHeader(buf).ID] }
func (d fakeDispatch) RightLink(buf []byte) page.ID {
	return d.rightLink[page.UnmarshalHeader(buf).ID]
}
func (d fakeDispatch) PastRightBound(buf []byte, _ keys.Key) bool {
	return d.pastRight[page.UnmarshalHeader(buf).ID]
}
func (d fakeDispatch) ChildFor(buf []byte, _ keys.Key) page.ID {
	return d.child[page.UnmarshalHeader(buf).ID]
}

var anyKey = keys.Key{Category: keys.Norm, Datum: []byte("x")}

func TestFindLeafDescendsToChild(t *testing.T) {
	pgr := newMemPager()
	pgr.putPage(1, page.TypeEntryInternal, false)
	pgr.putPage(2, page.TypeEntryLeaf, false)

	d := fakeDispatch{
		leaf:  map[page.ID]bool{2: true},
		child: map[page.ID]page.ID{1: 2},
	}

	leaf, path, err := FindLeaf(pgr, d, 1, anyKey)
	if err != nil {
		t.Fatalf("FindLeaf: %v", err)
	}
	if leaf != 2 {
		t.Fatalf("got leaf %d, want 2", leaf)
	}
	if len(path) != 1 || path[0] != 1 {
		t.Fatalf("got path %v, want [1]", path)
	}
}

// TestFindLeafChasesRightLink simulates a descent landing on a page that
// has since split: its PastRightBound is true, so FindLeaf must follow
// RightLink rather than trust the stale child pointer.
func TestFindLeafChasesRightLink(t *testing.T) {
	pgr := newMemPager()
	pgr.putPage(1, page.TypeEntryInternal, false)
	pgr.putPage(2, page.TypeEntryInternal, false)
	pgr.putPage(3, page.TypeEntryLeaf, false)

	d := fakeDispatch{
		leaf:      map[page.ID]bool{3: true},
		rightLink: map[page.ID]page.ID{2: 3},
		child:     map[page.ID]page.ID{1: 2},
		pastRight: map[page.ID]bool{2: true},
	}

	leaf, path, err := FindLeaf(pgr, d, 1, anyKey)
	if err != nil {
		t.Fatalf("FindLeaf: %v", err)
	}
	if leaf != 3 {
		t.Fatalf("got leaf %d, want 3 (expected right-link chase past page 2)", leaf)
	}
	if len(path) != 1 || path[0] != 1 {
		t.Fatalf("got path %v, want [1]", path)
	}
}

func TestFindLeafReturnsErrDeleted(t *testing.T) {
	pgr := newMemPager()
	pgr.putPage(1, page.TypeEntryInternal, false)
	pgr.putPage(2, page.TypeEntryLeaf, true)

	d := fakeDispatch{
		leaf:  map[page.ID]bool{2: true},
		child: map[page.ID]page.ID{1: 2},
	}

	_, _, err := FindLeaf(pgr, d, 1, anyKey)
	if err == nil {
		t.Fatalf("expected an error descending onto a deleted page")
	}
	if !errors.Is(err, page.ErrDeleted) {
		t.Fatalf("got %v, want page.ErrDeleted", err)
	}
}

func TestFindParentsMatchesFindLeafPath(t *testing.T) {
	pgr := newMemPager()
	pgr.putPage(1, page.TypeEntryInternal, false)
	pgr.putPage(2, page.TypeEntryLeaf, false)

	d := fakeDispatch{
		leaf:  map[page.ID]bool{2: true},
		child: map[page.ID]page.ID{1: 2},
	}

	path, err := FindParents(pgr, d, 1, anyKey)
	if err != nil {
		t.Fatalf("FindParents: %v", err)
	}
	if len(path) != 1 || path[0] != 1 {
		t.Fatalf("got path %v, want [1]", path)
	}
}
