// Package vacuum implements the two-phase posting-tree cleanup spec.md
// describes: a leaf pass that drops dead items from every leaf's
// compressed stream, followed by a branch pass that unlinks and frees
// leaves left empty by the first pass; internal pages left without
// children stay in place. Page deletion takes its locks in the order
// {left sibling, target} and removes the parent's downlink after
// releasing them.
package vacuum

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/postingtree"
)

// DeadItemChecker reports whether a HeapPtr no longer corresponds to a
// live heap row and should be dropped from the index.
type DeadItemChecker func(heapptr.HeapPtr) bool

// Pager is the page-access surface vacuum needs beyond what
// postingtree.Tree already wraps, for locating siblings and freeing
// pages.
type Pager interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
	FreePage(id page.ID) error
	Latch(id page.ID) *page.Latch
}

// Stats summarizes one vacuum pass over a posting tree.
type Stats struct {
	LeavesVisited  int
	ItemsRemoved   int
	LeavesEmptied  int
	LeavesDeleted  int
	BranchesPruned int
}

// CleanLeaves walks every leaf of tree left to right, removing items
// isDead reports as dead, and rewriting each leaf in place. Leaves left
// empty are recorded for the branch pass but not yet unlinked: deleting
// a page requires its left sibling and parent, which this left-to-right
// single pass does not hold simultaneously for every page.
func CleanLeaves(pgr Pager, tree *postingtree.Tree, isDead DeadItemChecker) (Stats, []page.ID, error) {
	var stats Stats
	var empty []page.ID

	leafID, err := tree.LeftmostLeaf()
	if err != nil {
		return stats, nil, err
	}

	for leafID != page.InvalidID {
		pgr.Latch(leafID).Acquire(page.Cleanup)
		items, auxes, next, err := tree.ScanPage(leafID, heapptr.Min)
		if err != nil {
			pgr.Latch(leafID).Release(page.Cleanup)
			return stats, nil, err
		}
		stats.LeavesVisited++

		before := len(items)
		keepIdx := lo.FilterMap(items, func(it heapptr.HeapPtr, i int) (int, bool) {
			return i, !isDead(it)
		})
		if len(keepIdx) != before {
			newItems := make([]heapptr.HeapPtr, len(keepIdx))
			newAux := make([][]byte, len(keepIdx))
			for k, idx := range keepIdx {
				newItems[k] = items[idx]
				newAux[k] = auxes[idx]
			}
			stats.ItemsRemoved += before - len(keepIdx)
			if len(newItems) == 0 {
				empty = append(empty, leafID)
			} else if err := tree.OverwriteLeaf(leafID, newItems, newAux); err != nil {
				pgr.Latch(leafID).Release(page.Cleanup)
				return stats, nil, err
			}
		}
		pgr.Latch(leafID).Release(page.Cleanup)
		leafID = next
	}
	stats.LeavesEmptied = len(empty)
	return stats, empty, nil
}

// DeleteEmptyBranches unlinks every leaf in empty from its left
// sibling's right-link chain, removes the parent's downlink to it
// (postingtree.Tree.RemoveDownlink), and frees the page. It does not
// yet prune an internal page that becomes childless as a result; see
// the BranchesPruned note in DESIGN.md.
//
// Locking: for each target page this acquires {left sibling, target}
// in that order, exclusively, matching the order a concurrent insert's
// right-link chase would also observe, which is what avoids deadlock
// against it.
func DeleteEmptyBranches(pgr Pager, tree *postingtree.Tree, empty []page.ID) (Stats, error) {
	var stats Stats
	if len(empty) == 0 {
		return stats, nil
	}
	deadSet := make(map[page.ID]bool, len(empty))
	for _, id := range empty {
		deadSet[id] = true
	}

	leftID, err := tree.LeftmostLeaf()
	if err != nil {
		return stats, err
	}
	if deadSet[leftID] {
		// Never unlink the tree's leftmost leaf out from under scans
		// that start at heapptr.Min; leave it present but empty.
		delete(deadSet, leftID)
	}

	for len(deadSet) > 0 {
		progressed := false
		cur := leftID
		for cur != page.InvalidID {
			buf, err := pgr.ReadPage(cur)
			if err != nil {
				return stats, err
			}
			next := page.WrapData(buf).Opaque().RightLink
			if deadSet[next] {
				pgr.Latch(cur).Acquire(page.Exclusive)
				pgr.Latch(next).Acquire(page.Exclusive)

				nbuf, err := pgr.ReadPage(next)
				if err != nil {
					pgr.Latch(next).Release(page.Exclusive)
					pgr.Latch(cur).Release(page.Exclusive)
					return stats, err
				}
				afterNext := page.WrapData(nbuf).Opaque().RightLink
				page.WrapData(buf).SetRightLink(afterNext)
				werr := pgr.WritePage(cur, buf)
				pgr.Latch(next).Release(page.Exclusive)
				pgr.Latch(cur).Release(page.Exclusive)
				if werr != nil {
					return stats, werr
				}
				// Remove the parent's downlink before marking next
				// DELETED: a descent reaching next after FreePage sets
				// the flag is a fatal logical error (page.ErrDeleted),
				// so the downlink has to be gone first.
				if err := tree.RemoveDownlink(next); err != nil {
					return stats, errors.Wrap(err, "vacuum: remove parent downlink")
				}
				if err := pgr.FreePage(next); err != nil {
					return stats, errors.Wrap(err, "vacuum: free deleted leaf")
				}
				stats.LeavesDeleted++
				delete(deadSet, next)
				progressed = true
				continue
			}
			cur = next
		}
		if !progressed {
			break // remaining entries (if any) are unreachable from the left edge; leave for next vacuum
		}
	}
	return stats, nil
}
