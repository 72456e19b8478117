package pager

import "sync"

// ScanEpoch gates reuse of pages freed by vacuum until no active scan
// could still be holding a reference to them.
//
// Postgres (and the RUM extension this index is modeled on) relies on
// the host's MVCC snapshot machinery to know when a deleted page is
// safe to recycle. A standalone library has no such facility, so this
// index tracks it directly: every scan registers an epoch number when
// it starts and unregisters when it ends; a page vacuum frees is
// stamped with the epoch current at the time of deletion, and is only
// handed back out by AllocPage once every registered epoch is newer
// than the page's free-stamp (supplemented feature, spec.md's vacuum
// section leaves the exact reuse-safety mechanism to the host).
type ScanEpoch struct {
	mu      sync.Mutex
	current uint64
	active  map[uint64]int // epoch -> count of scans still at that epoch
}

// NewScanEpoch returns a tracker starting at epoch 1.
func NewScanEpoch() *ScanEpoch {
	return &ScanEpoch{current: 1, active: make(map[uint64]int)}
}

// Begin registers a new scan and returns the epoch it should be
// associated with.
func (s *ScanEpoch) Begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
	e := s.current
	s.active[e]++
	return e
}

// End unregisters a scan previously started with Begin.
func (s *ScanEpoch) End(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[epoch]--
	if s.active[epoch] <= 0 {
		delete(s.active, epoch)
	}
}

// Stamp returns the epoch to record on a page being freed right now.
func (s *ScanEpoch) Stamp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SafeToReuse reports whether a page freed at freeEpoch can be handed
// back out: true once no active scan's epoch is <= freeEpoch.
func (s *ScanEpoch) SafeToReuse(freeEpoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.active {
		if e <= freeEpoch {
			return false
		}
	}
	return true
}
