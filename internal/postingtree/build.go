package postingtree

import (
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// BuildBulk packs already-sorted items (plus parallel aux values) into
// a chain of full leaf pages without per-item descent, used when an
// entry-tree tuple's inline list first overflows into a posting tree
// (spec.md §2) and during CREATE INDEX bulk build. It returns the new
// tree's root page id.
func BuildBulk(pgr Pager, items []heapptr.HeapPtr, auxes [][]byte) (page.ID, error) {
	if len(items) == 0 {
		return Create(pgr, nil, nil)
	}

	var leafIDs []page.ID
	var bounds []heapptr.HeapPtr
	i := 0
	for i < len(items) {
		id, buf, err := pgr.AllocPage(page.TypePostingLeaf)
		if err != nil {
			return 0, err
		}
		dp := page.InitData(buf, id, heapptr.Max)

		start := i
		end := start
		for end < len(items) && encodeLeaf(dp, items[start:end+1], auxes[start:end+1]) == nil {
			end++
		}
		if end == start {
			return 0, errors.New("postingtree: bulk build: item too large for an empty leaf")
		}
		i = end
		dp.SetRightBound(items[i-1])
		leafIDs = append(leafIDs, id)
		bounds = append(bounds, items[i-1])
		if err := pgr.WritePage(id, buf); err != nil {
			return 0, err
		}
	}

	for k := 0; k < len(leafIDs)-1; k++ {
		buf, err := pgr.ReadPage(leafIDs[k])
		if err != nil {
			return 0, err
		}
		page.WrapData(buf).SetRightLink(leafIDs[k+1])
		if err := pgr.WritePage(leafIDs[k], buf); err != nil {
			return 0, err
		}
	}
	lastBuf, err := pgr.ReadPage(leafIDs[len(leafIDs)-1])
	if err != nil {
		return 0, err
	}
	page.WrapData(lastBuf).SetRightBound(heapptr.Max)
	if err := pgr.WritePage(leafIDs[len(leafIDs)-1], lastBuf); err != nil {
		return 0, err
	}

	if len(leafIDs) == 1 {
		return leafIDs[0], nil
	}

	rootID, rootBuf, err := pgr.AllocPage(page.TypePostingInternal)
	if err != nil {
		return 0, err
	}
	page.Init(rootBuf, page.TypePostingInternal, rootID)
	sp := page.Wrap(rootBuf)
	for k, id := range leafIDs {
		sep := bounds[k]
		if k == len(leafIDs)-1 {
			sep = heapptr.Max
		}
		if _, err := sp.Append(MarshalInternal(InternalTuple{Child: id, Separator: sep})); err != nil {
			return 0, errors.Wrap(err, "postingtree: bulk build: too many leaves for single root")
		}
	}
	if err := pgr.WritePage(rootID, rootBuf); err != nil {
		return 0, err
	}
	return rootID, nil
}
