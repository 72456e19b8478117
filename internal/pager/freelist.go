package pager

import "github.com/SimonWaldherr/invidx/internal/page"

// freeEntry is one page staged for reuse, stamped with the scan epoch
// active at the moment it was freed.
type freeEntry struct {
	id    page.ID
	epoch uint64
}

// FreeManager tracks pages freed by vacuum that are not yet safe to
// reuse, plus pages that are. It is purely an in-memory index over
// pages already marked page.FlagDeleted on disk; nothing here is
// itself durable. Open starts with an empty manager and Recover does
// not rebuild it, so pages freed before a reopen are not reused.
type FreeManager struct {
	epoch   *ScanEpoch
	pending []freeEntry
	ready   []page.ID
}

// NewFreeManager returns an empty manager bound to epoch.
func NewFreeManager(epoch *ScanEpoch) *FreeManager {
	return &FreeManager{epoch: epoch}
}

// Stage records id as freed, to be promoted to Ready once epoch says
// no scan can still reach it.
func (f *FreeManager) Stage(id page.ID) {
	f.pending = append(f.pending, freeEntry{id: id, epoch: f.epoch.Stamp()})
}

// Promote moves every pending entry whose epoch is now safe into the
// ready list, and returns how many were promoted.
func (f *FreeManager) Promote() int {
	var still []freeEntry
	n := 0
	for _, e := range f.pending {
		if f.epoch.SafeToReuse(e.epoch) {
			f.ready = append(f.ready, e.id)
			n++
		} else {
			still = append(still, e)
		}
	}
	f.pending = still
	return n
}

// Take pops a ready page id, or returns (0, false) if none are
// available (the caller should extend the file instead).
func (f *FreeManager) Take() (page.ID, bool) {
	if len(f.ready) == 0 {
		f.Promote()
	}
	if len(f.ready) == 0 {
		return 0, false
	}
	id := f.ready[len(f.ready)-1]
	f.ready = f.ready[:len(f.ready)-1]
	return id, true
}

// PendingCount and ReadyCount report queue depth, for the meta page's
// bookkeeping counters and for tests.
func (f *FreeManager) PendingCount() int { return len(f.pending) }
func (f *FreeManager) ReadyCount() int   { return len(f.ready) }
