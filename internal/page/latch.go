package page

import "sync"

// Mode is a page latch mode. Latches are the index's sole concurrency
// primitive (spec.md §5): short-held, always released by scope exit, and
// never held across a call into user callback code.
type Mode int

const (
	// Share allows any number of concurrent readers.
	Share Mode = iota
	// Exclusive allows exactly one writer and excludes readers.
	Exclusive
	// Cleanup is exclusive access granted on the same condition as
	// Exclusive (no writer and no SHARE holder) — used by vacuum's
	// leaf pass on each posting-tree leaf.
	Cleanup
)

// Latch is a reader/writer/cleanup latch for one page frame. It is a
// thin generalization of a plain pin count: SHARE holders only need to
// know "don't evict me", while EXCLUSIVE and CLEANUP holders each
// exclude one another and every SHARE holder.
type Latch struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool
}

// NewLatch returns a ready-to-use Latch.
func NewLatch() *Latch {
	l := &Latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until the latch is held in mode m.
func (l *Latch) Acquire(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m {
	case Share:
		for l.writer {
			l.cond.Wait()
		}
		l.readers++
	case Exclusive:
		for l.writer || l.readers > 0 {
			l.cond.Wait()
		}
		l.writer = true
	case Cleanup:
		for l.writer || l.readers > 0 {
			l.cond.Wait()
		}
		l.writer = true
	}
}

// TryAcquire attempts a non-blocking acquire; returns false if it would
// have to wait.
func (l *Latch) TryAcquire(m Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m {
	case Share:
		if l.writer {
			return false
		}
		l.readers++
		return true
	default:
		if l.writer || l.readers > 0 {
			return false
		}
		l.writer = true
		return true
	}
}

// Release releases a latch previously acquired in mode m.
func (l *Latch) Release(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m {
	case Share:
		l.readers--
	default:
		l.writer = false
	}
	l.cond.Broadcast()
}
