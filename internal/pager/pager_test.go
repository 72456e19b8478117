package pager

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/invidx/internal/page"
)

func newTestPager(t *testing.T) (*Pager, string, string) {
	t.Helper()
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "index.dat")
	walPath := filepath.Join(dir, "index.wal")
	p, err := Create(dataPath, walPath, page.DefaultSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p, dataPath, walPath
}

func TestCreateWritesMetaAndEntryRoot(t *testing.T) {
	p, _, _ := newTestPager(t)
	defer p.Close()

	m, err := p.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if m.Version != MetaVersion {
		t.Fatalf("got version %d, want %d", m.Version, MetaVersion)
	}
	if m.Head != page.InvalidID || m.Tail != page.InvalidID {
		t.Fatalf("expected a fresh index to have no pending-list pages, got head=%d tail=%d", m.Head, m.Tail)
	}

	buf, err := p.ReadPage(page.EntryRootID)
	if err != nil {
		t.Fatalf("ReadPage(EntryRootID): %v", err)
	}
	h := page.UnmarshalHeader(buf)
	if h.Type != page.TypeEntryLeaf {
		t.Fatalf("got entry root type %v, want %v", h.Type, page.TypeEntryLeaf)
	}
}

func TestWriteMetaRoundTrips(t *testing.T) {
	p, _, _ := newTestPager(t)
	defer p.Close()

	m, err := p.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	m.NTotal = 42
	m.NEntries = 7
	if err := p.WriteMeta(m); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	got, err := p.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta after write: %v", err)
	}
	if got.NTotal != 42 || got.NEntries != 7 {
		t.Fatalf("got %+v, want NTotal=42 NEntries=7", got)
	}
}

func TestAllocPageGrowsFile(t *testing.T) {
	p, _, _ := newTestPager(t)
	defer p.Close()

	id1, buf1, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if id1 == page.InvalidID || id1 == page.EntryRootID {
		t.Fatalf("unexpected fresh page id %d", id1)
	}
	if page.UnmarshalHeader(buf1).Type != page.TypePostingLeaf {
		t.Fatalf("allocated page has wrong type")
	}

	id2, _, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage 2: %v", err)
	}
	if id2 == id1 {
		t.Fatalf("expected two distinct fresh page ids, got %d twice", id1)
	}
}

// TestFreePageSetsDeletedFlag confirms FreePage stamps page.FlagDeleted
// before staging the page, so page.IsDeleted can enforce the
// reached-a-deleted-page invariant that scan.go and btree.FindLeaf rely
// on.
func TestFreePageSetsDeletedFlag(t *testing.T) {
	p, _, _ := newTestPager(t)
	defer p.Close()

	id, _, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := p.FreePage(id); err != nil {
		t.Fatalf("FreePage: %v", err)
	}

	buf, err := p.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !page.IsDeleted(buf) {
		t.Fatalf("expected page %d to carry FlagDeleted after FreePage", id)
	}
}

// TestScanEpochGatesPageReuse checks that a page freed while a scan is
// still active is not handed back out by AllocPage until that scan
// ends.
func TestScanEpochGatesPageReuse(t *testing.T) {
	p, _, _ := newTestPager(t)
	defer p.Close()

	id, _, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	epoch := p.BeginScan()
	if err := p.FreePage(id); err != nil {
		t.Fatalf("FreePage: %v", err)
	}

	next, _, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage while scan active: %v", err)
	}
	if next == id {
		t.Fatalf("expected freed page %d to stay off the free list while a scan is active", id)
	}

	p.EndScan(epoch)
	recycled, _, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage after EndScan: %v", err)
	}
	if recycled != id {
		t.Fatalf("expected freed page %d to be recycled once the scan ended, got %d", id, recycled)
	}
}

// TestOpenRecoversFromWAL closes a pager (without an explicit extra
// flush beyond what WritePage/WriteMeta already sync) and reopens the
// same files, checking that every durable write survives.
func TestOpenRecoversFromWAL(t *testing.T) {
	p, dataPath, walPath := newTestPager(t)

	id, buf, err := p.AllocPage(page.TypePostingLeaf)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := p.WritePage(id, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	m, err := p.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	m.NTotal = 99
	if err := p.WriteMeta(m); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(dataPath, walPath, page.DefaultSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta after reopen: %v", err)
	}
	if got.NTotal != 99 {
		t.Fatalf("got NTotal=%d after reopen, want 99", got.NTotal)
	}

	reread, err := p2.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	if page.UnmarshalHeader(reread).Type != page.TypePostingLeaf {
		t.Fatalf("expected page %d to keep its type across reopen", id)
	}
}
