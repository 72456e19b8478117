// Package btree implements the entry tree's descent: find-leaf with
// right-link recovery after a split, and parent-stack rediscovery for
// propagating a split upward. Page layout and mutation are owned by the
// caller (entrytree) through the Dispatch interface; this package only
// walks, and it reads pages without taking their latches.
//
// The descent algorithm follows the teacher pager's BTree.findLeaf /
// pathToLeaf shape, generalized with the right-link chase the spec's
// page-opaque format requires: a page read after a split may no longer
// contain the target key even though it used to be the correct page,
// in which case the reader follows RightLink for as long as the target
// lies past the page's right bound. It never re-descends from the root.
package btree

import (
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// Pager is the minimal page-access surface the descent needs.
type Pager interface {
	ReadPage(id page.ID) ([]byte, error)
	Latch(id page.ID) *page.Latch
}

// Dispatch exposes the page-layout-specific predicates a generic descent
// needs; entrytree implements it against its page format. postingtree
// has its own unexported descent and does not use this package.
type Dispatch interface {
	// IsLeaf reports whether buf is a leaf page.
	IsLeaf(buf []byte) bool
	// RightLink returns the page's right sibling, or page.InvalidID.
	RightLink(buf []byte) page.ID
	// PastRightBound reports whether target sorts strictly to the right
	// of everything buf could contain, meaning the reader must follow
	// RightLink rather than trust buf's child pointers.
	PastRightBound(buf []byte, target keys.Key) bool
	// ChildFor returns the child page to descend into for target.
	ChildFor(buf []byte, target keys.Key) page.ID
}

// FindLeaf descends from root to the leaf page that does, or should,
// contain target, recovering from concurrent splits by following
// right-links. It returns the leaf page id and the stack of internal
// page ids visited on the way (root first), for split propagation.
func FindLeaf(pgr Pager, d Dispatch, root page.ID, target keys.Key) (leaf page.ID, path []page.ID, err error) {
	cur := root
	for {
		buf, err := pgr.ReadPage(cur)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "btree: read page %d", cur)
		}
		if page.IsDeleted(buf) {
			return 0, nil, errors.Wrapf(page.ErrDeleted, "btree: page %d", cur)
		}

		// Chase right-links first: a concurrent split may have moved
		// keys we're looking for to a right sibling created after our
		// parent's child pointer was read.
		for d.PastRightBound(buf, target) {
			rl := d.RightLink(buf)
			if rl == page.InvalidID {
				break
			}
			cur = rl
			buf, err = pgr.ReadPage(cur)
			if err != nil {
				return 0, nil, errors.Wrapf(err, "btree: read page %d", cur)
			}
			if page.IsDeleted(buf) {
				return 0, nil, errors.Wrapf(page.ErrDeleted, "btree: page %d", cur)
			}
		}

		if d.IsLeaf(buf) {
			return cur, path, nil
		}
		path = append(path, cur)
		cur = d.ChildFor(buf, target)
	}
}

// FindParents re-descends from root to rediscover the internal-page
// path leading to target, used after a leaf split to find the parent
// to insert the new separator into. It is a plain re-run of FindLeaf's
// internal-node walk: since the tree may have changed shape since the
// original descent (another session may have split an ancestor), the
// only correct way to find "the parent to insert into now" is to
// descend again.
func FindParents(pgr Pager, d Dispatch, root page.ID, target keys.Key) (path []page.ID, err error) {
	_, path, err = FindLeaf(pgr, d, root, target)
	return path, err
}
