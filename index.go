// Package invidx implements a generic, disk-backed inverted index: a
// two-level B-tree (an entry tree of keys over either inline posting
// lists or per-key posting trees) with write-ahead logging, concurrent
// insert/search/vacuum, and a ranked scan driver, parameterized by an
// opclass.OpClass that defines how to extract and compare keys for the
// indexed type.
package invidx

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/accumulator"
	"github.com/SimonWaldherr/invidx/internal/entrytree"
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/opclass"
	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/pager"
	"github.com/SimonWaldherr/invidx/internal/pendinglist"
	"github.com/SimonWaldherr/invidx/internal/postingtree"
	"github.com/SimonWaldherr/invidx/internal/scan"
	"github.com/SimonWaldherr/invidx/internal/vacuum"
)

// Index is a handle to one open inverted index.
type Index struct {
	pgr  *pager.Pager
	op   opclass.OpClass
	opts IndexOptions
	tree *entrytree.Tree
}

// Create initializes a new index file (plus its WAL, alongside it) at
// dir, bound to opclass op.
func Create(dir string, op opclass.OpClass, opts IndexOptions) (*Index, error) {
	if opts.PageSize == 0 {
		opts = DefaultIndexOptions()
	}
	dataPath := filepath.Join(dir, "index.dat")
	walPath := filepath.Join(dir, "index.wal")

	pgr, err := pager.Create(dataPath, walPath, opts.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "invidx: create")
	}
	tree := entrytree.New(pgr, page.EntryRootID, op.Compare, opts.InlineItemThreshold)
	return &Index{pgr: pgr, op: op, opts: opts, tree: tree}, nil
}

// Open opens an existing index, replaying its WAL.
func Open(dir string, op opclass.OpClass, opts IndexOptions) (*Index, error) {
	if opts.PageSize == 0 {
		opts = DefaultIndexOptions()
	}
	dataPath := filepath.Join(dir, "index.dat")
	walPath := filepath.Join(dir, "index.wal")

	pgr, err := pager.Open(dataPath, walPath, opts.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "invidx: open")
	}
	tree := entrytree.New(pgr, page.EntryRootID, op.Compare, opts.InlineItemThreshold)
	return &Index{pgr: pgr, op: op, opts: opts, tree: tree}, nil
}

// Close flushes and closes the index.
func (ix *Index) Close() error { return ix.pgr.Close() }

// Insert indexes one heap row: value is extracted into zero or more
// keys via the opclass, each of which gets item appended to its
// posting list (inline, promoting to a posting tree past
// InlineItemThreshold, or routed through the pending list when
// UseFastUpdate is set).
func (ix *Index) Insert(item heapptr.HeapPtr, value []byte) error {
	extracted, isNull := ix.op.ExtractValue(value)
	keyList := make([]keys.Key, 0, len(extracted))
	if isNull {
		keyList = append(keyList, keys.Key{Category: keys.NullItem})
	} else if len(extracted) == 0 {
		keyList = append(keyList, keys.Key{Category: keys.EmptyItem})
	} else {
		for _, d := range extracted {
			keyList = append(keyList, keys.Key{Category: keys.Norm, Datum: d})
		}
	}

	for _, k := range keyList {
		if ix.opts.UseFastUpdate {
			m, err := ix.pgr.ReadMeta()
			if err != nil {
				return err
			}
			head, tail, err := pendinglist.Append(ix.pgr, m.Head, m.Tail,
				pendinglist.Tuple{Key: k, Item: item, Null: true})
			if err != nil {
				return err
			}
			m.Head, m.Tail = head, tail
			m.NPendingTuples++
			if err := ix.pgr.WriteMeta(m); err != nil {
				return err
			}
			continue
		}
		if err := ix.insertDirect(k, item, nil, true); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) insertDirect(k keys.Key, item heapptr.HeapPtr, aux []byte, auxIsNull bool) error {
	res, err := ix.tree.InsertItem(k, item, aux, auxIsNull)
	if err != nil {
		return err
	}
	if !res.NeedsPostingTree {
		return nil
	}

	existing := res.Existing
	if existing.HasTree {
		pt := postingtree.New(ix.pgr, existing.TreeRoot)
		if err := pt.Insert(item, aux, auxIsNull); err != nil {
			return err
		}
		if pt.Root() == existing.TreeRoot {
			return nil
		}
		return ix.tree.PromoteToTree(k, pt.Root())
	}
	items := append(append([]heapptr.HeapPtr{}, existing.Items...), item)
	auxes := append(append([][]byte{}, existing.Aux...), aux)
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && heapptr.Less(items[idx[j]], items[idx[j-1]]); j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	sortedItems := make([]heapptr.HeapPtr, len(idx))
	sortedAux := make([][]byte, len(idx))
	for i, p := range idx {
		sortedItems[i] = items[p]
		sortedAux[i] = auxes[p]
	}

	root, err := postingtree.BuildBulk(ix.pgr, sortedItems, sortedAux)
	if err != nil {
		return err
	}
	return ix.tree.PromoteToTree(k, root)
}

// FlushPending drains the pending list into the entry tree, in the
// order tuples were appended (spec.md §6.2's storage-only flush path;
// flush-trigger policy stays a caller decision).
func (ix *Index) FlushPending() error {
	m, err := ix.pgr.ReadMeta()
	if err != nil {
		return err
	}
	if m.Head == page.InvalidID {
		return nil
	}
	err = pendinglist.Drain(ix.pgr, m.Head, func(t pendinglist.Tuple) error {
		return ix.insertDirect(t.Key, t.Item, t.Aux, t.Null)
	})
	if err != nil {
		return err
	}
	m.Head, m.Tail = page.InvalidID, page.InvalidID
	m.NPendingTuples = 0
	return ix.pgr.WriteMeta(m)
}

// Search runs query through the opclass's ExtractQuery and evaluates
// the result with whichever strategy applies: an EMPTY_QUERY result
// (matchesEverything) streams the whole index via scan.FullScan,
// otherwise the opclass's CanPreConsistent capability picks between
// scan.FastScan's pre-consistent-skipping strategy and the regular
// scan.RegularScan AND-with-Consistent strategy.
func (ix *Index) Search(query []byte) ([]heapptr.HeapPtr, error) {
	epoch := ix.pgr.BeginScan()
	defer ix.pgr.EndScan(epoch)

	sk, err := scan.BuildScanKey(ix.tree, ix.pgr, ix.op, 0, query)
	if err != nil {
		return nil, err
	}
	if sk.Everything {
		return sk.FullItems, nil
	}
	if ix.op.Capabilities()&opclass.CanPreConsistent != 0 {
		return scan.FastScan(sk, ix.op)
	}
	return scan.RegularScan(sk, ix.op)
}

// RankedSearch decomposes query the same way Search does, but ranks
// rather than filters: an EMPTY_QUERY result is sorted by
// scan.RankByAux (spec.md §4.7's "full scan by auxiliary ordering"),
// otherwise every matched key's posting list is k-way merged by
// opclass.Ordering via scan.RankedMerge. limit <= 0 means unbounded.
func (ix *Index) RankedSearch(query []byte, limit int) ([]heapptr.HeapPtr, error) {
	epoch := ix.pgr.BeginScan()
	defer ix.pgr.EndScan(epoch)

	sk, err := scan.BuildScanKey(ix.tree, ix.pgr, ix.op, 0, query)
	if err != nil {
		return nil, err
	}
	if sk.Everything {
		ranked := scan.RankByAux(sk.FullItems, sk.FullAux, sk.QueryKeys, ix.op)
		if limit > 0 && len(ranked) > limit {
			ranked = ranked[:limit]
		}
		return ranked, nil
	}
	return scan.RankedMerge(sk, ix.op, limit)
}

// BuildFromRows bulk-builds a fresh index from rows already produced in
// heap order, using the accumulator to group keys by generation. Each
// generation is written key by key: small posting lists through the
// ordinary insert path, larger ones for a new key as a posting tree
// built with postingtree.BuildBulk.
func BuildFromRows(dir string, op opclass.OpClass, opts IndexOptions, rows func(yield func(heapptr.HeapPtr, []byte) bool)) (*Index, error) {
	ix, err := Create(dir, op, opts)
	if err != nil {
		return nil, err
	}
	acc := accumulator.New(op.Compare, int(opts.BuildFlushBytes))

	var rangeErr error
	rows(func(item heapptr.HeapPtr, value []byte) bool {
		extracted, isNull := op.ExtractValue(value)
		if isNull {
			acc.Add(keys.Key{Category: keys.NullItem}, item, nil, true)
		} else if len(extracted) == 0 {
			acc.Add(keys.Key{Category: keys.EmptyItem}, item, nil, true)
		} else {
			for _, d := range extracted {
				acc.Add(keys.Key{Category: keys.Norm, Datum: d}, item, nil, true)
			}
		}
		if acc.ShouldFlush() {
			if rangeErr = ix.flushGeneration(acc.Flush()); rangeErr != nil {
				return false
			}
		}
		return true
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	if acc.Len() > 0 {
		if err := ix.flushGeneration(acc.Flush()); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

func (ix *Index) flushGeneration(gen accumulator.Generation) error {
	for i, k := range gen.Keys {
		items, aux := gen.Items[i], gen.Aux[i]
		if len(items) <= ix.opts.InlineItemThreshold {
			for j, item := range items {
				if err := ix.insertDirect(k, item, aux[j], aux[j] == nil); err != nil {
					return err
				}
			}
			continue
		}
		if _, found, err := ix.tree.Lookup(k); err != nil {
			return err
		} else if found {
			// An earlier generation already indexed k: add to its
			// posting list instead of replacing it.
			for j, item := range items {
				if err := ix.insertDirect(k, item, aux[j], aux[j] == nil); err != nil {
					return err
				}
			}
			continue
		}
		// Seed a placeholder inline tuple so PromoteToTree has a
		// leaf record to replace, mirroring the per-row path.
		if _, err := ix.tree.InsertItem(k, items[0], aux[0], aux[0] == nil); err != nil {
			return err
		}
		root, err := postingtree.BuildBulk(ix.pgr, items, aux)
		if err != nil {
			return err
		}
		if err := ix.tree.PromoteToTree(k, root); err != nil {
			return err
		}
	}
	return nil
}

// VacuumStats summarizes one vacuum pass over every posting tree the
// entry tree currently points at.
type VacuumStats struct {
	Trees vacuum.Stats
}

// Vacuum walks every entry-tree leaf tuple backed by a posting tree and
// removes items isDead reports as dead, two-phase per
// vacuum.CleanLeaves/DeleteEmptyBranches.
func (ix *Index) Vacuum(isDead vacuum.DeadItemChecker) (VacuumStats, error) {
	var total VacuumStats
	err := ix.walkEntryLeaves(func(lt entrytree.LeafTuple) error {
		if !lt.HasTree {
			return nil
		}
		t := postingtree.New(ix.pgr, lt.TreeRoot)
		stats, empty, err := vacuum.CleanLeaves(ix.pgr, t, isDead)
		if err != nil {
			return err
		}
		delStats, err := vacuum.DeleteEmptyBranches(ix.pgr, t, empty)
		if err != nil {
			return err
		}
		stats.LeavesDeleted += delStats.LeavesDeleted
		total.Trees.LeavesVisited += stats.LeavesVisited
		total.Trees.ItemsRemoved += stats.ItemsRemoved
		total.Trees.LeavesEmptied += stats.LeavesEmptied
		total.Trees.LeavesDeleted += stats.LeavesDeleted
		return nil
	})
	return total, err
}

func (ix *Index) walkEntryLeaves(fn func(entrytree.LeafTuple) error) error {
	id := ix.leftmostEntryLeaf()
	for id != page.InvalidID {
		buf, err := ix.pgr.ReadPage(id)
		if err != nil {
			return err
		}
		sp := page.Wrap(buf)
		for i := 0; i < sp.SlotCount(); i++ {
			lt, err := entrytree.UnmarshalLeaf(sp.Record(i))
			if err != nil {
				continue
			}
			if err := fn(lt); err != nil {
				return err
			}
		}
		id = sp.Opaque().RightLink
	}
	return nil
}

func (ix *Index) leftmostEntryLeaf() page.ID {
	id := ix.tree.Root()
	for {
		buf, err := ix.pgr.ReadPage(id)
		if err != nil {
			return page.InvalidID
		}
		if page.UnmarshalHeader(buf).Type == page.TypeEntryLeaf {
			return id
		}
		sp := page.Wrap(buf)
		if sp.SlotCount() == 0 {
			return page.InvalidID
		}
		it, err := entrytree.UnmarshalInternal(sp.Record(0))
		if err != nil {
			return page.InvalidID
		}
		id = it.Child
	}
}
