package entrytree

import (
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/page"
)

// BuildFromSorted bulk-loads a fresh entry tree from tuples already in
// ascending key order (the output of the build-time accumulator's final
// sort), writing full leaf pages back to back instead of inserting one
// key at a time. It returns the new tree's root page id.
//
// Single-level only: when the leaves do not all fit under one internal
// page it returns an error and builds nothing further.
func BuildFromSorted(pgr Pager, tuples []LeafTuple) (page.ID, error) {
	if len(tuples) == 0 {
		id, buf, err := pgr.AllocPage(page.TypeEntryLeaf)
		if err != nil {
			return 0, err
		}
		page.Init(buf, page.TypeEntryLeaf, id)
		return id, pgr.WritePage(id, buf)
	}

	var leafIDs []page.ID
	var firstKeys []LeafTuple
	i := 0
	for i < len(tuples) {
		id, buf, err := pgr.AllocPage(page.TypeEntryLeaf)
		if err != nil {
			return 0, err
		}
		page.Init(buf, page.TypeEntryLeaf, id)
		sp := page.Wrap(buf)
		start := i
		for i < len(tuples) {
			rec := MarshalLeaf(tuples[i])
			if _, err := sp.Append(rec); err != nil {
				break
			}
			i++
		}
		if i == start {
			return 0, errors.New("entrytree: bulk build: tuple too large for an empty page")
		}
		leafIDs = append(leafIDs, id)
		firstKeys = append(firstKeys, tuples[start])
		if err := pgr.WritePage(id, buf); err != nil {
			return 0, err
		}
	}

	for k := 0; k < len(leafIDs)-1; k++ {
		buf, err := pgr.ReadPage(leafIDs[k])
		if err != nil {
			return 0, err
		}
		page.Wrap(buf).SetOpaque(page.Opaque{RightLink: leafIDs[k+1]})
		if err := pgr.WritePage(leafIDs[k], buf); err != nil {
			return 0, err
		}
	}

	if len(leafIDs) == 1 {
		return leafIDs[0], nil
	}

	rootID, rootBuf, err := pgr.AllocPage(page.TypeEntryInternal)
	if err != nil {
		return 0, err
	}
	page.Init(rootBuf, page.TypeEntryInternal, rootID)
	rootSP := page.Wrap(rootBuf)
	for k := 1; k < len(leafIDs); k++ {
		rec := MarshalInternal(InternalTuple{Key: firstKeys[k].Key, Child: leafIDs[k-1]})
		if _, err := rootSP.Append(rec); err != nil {
			return 0, errors.Wrap(err, "entrytree: bulk build: too many leaves for single root")
		}
	}
	lastRec := MarshalInternal(InternalTuple{Key: firstKeys[len(firstKeys)-1].Key, Child: leafIDs[len(leafIDs)-1]})
	if _, err := rootSP.Append(lastRec); err != nil {
		return 0, err
	}
	if err := pgr.WritePage(rootID, rootBuf); err != nil {
		return 0, err
	}
	return rootID, nil
}
