// Package scan implements the query-time scan driver spec.md §4.7
// describes: a query value is decomposed by the opclass's ExtractQuery
// into a ScanKey of per-key ScanEntries, each entry is an independent
// cursor over its key's posting list (inline or posting-tree backed,
// or, for an EMPTY_QUERY key, a full-index walk), and one of three
// strategies drives them to a result: the regular AND-with-Consistent
// scan, the pre-consistent-skipping fast scan, or a full scan ranked
// by auxiliary data.
package scan

import (
	"container/heap"
	"sort"

	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/entrytree"
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/opclass"
	"github.com/SimonWaldherr/invidx/internal/page"
	"github.com/SimonWaldherr/invidx/internal/postingtree"
)

// ScanKey is one compiled query predicate: the strategy number and
// query keys an opclass's ExtractQuery decomposed a query value into,
// plus the resolved ScanEntry for each key (spec.md §4.7's "a scan
// compiles into K ScanKeys, each with E_k ScanEntries").
type ScanKey struct {
	Strategy  uint16
	QueryKeys [][]byte

	// Everything is true when ExtractQuery reported matchesEverything
	// (an EMPTY_QUERY key): FullItems/FullAux then hold the whole
	// index's (item, aux) stream (scan.FullScan) instead of Entries
	// being populated.
	Everything bool

	Entries   []ScanEntry
	FullItems []heapptr.HeapPtr
	FullAux   [][]byte
}

// ScanEntry is one resolved query key: the matched entry-tree tuple,
// if any, as a cursor over its items (inline or posting-tree backed).
type ScanEntry struct {
	Key   keys.Key
	Found bool
	cur   *cursor
}

// cursor abstracts "the next item >= some HeapPtr" over either an
// inline item list or a posting tree, so the merge logic doesn't care
// which one backs a given entry.
type cursor struct {
	inline    []heapptr.HeapPtr
	inlineAux [][]byte
	pos       int

	tree     *postingtree.Tree
	pageID   page.ID
	pageItem []heapptr.HeapPtr
	pageAux  [][]byte
	pagePos  int
}

func newCursor(pgr postingtree.Pager, t entrytree.LeafTuple) (*cursor, error) {
	if !t.HasTree {
		return &cursor{inline: t.Items, inlineAux: t.Aux}, nil
	}
	tree := postingtree.New(pgr, t.TreeRoot)
	leafID, err := tree.LeftmostLeaf()
	if err != nil {
		return nil, err
	}
	items, aux, _, err := tree.ScanPage(leafID, heapptr.Min)
	if err != nil {
		return nil, err
	}
	return &cursor{tree: tree, pageID: leafID, pageItem: items, pageAux: aux}, nil
}

// Peek returns the cursor's current item without advancing, and false
// once exhausted.
func (c *cursor) Peek() (heapptr.HeapPtr, []byte, bool, error) {
	if c.tree == nil {
		if c.pos >= len(c.inline) {
			return heapptr.HeapPtr{}, nil, false, nil
		}
		return c.inline[c.pos], c.inlineAux[c.pos], true, nil
	}
	for c.pagePos >= len(c.pageItem) {
		if c.pageID == page.InvalidID {
			return heapptr.HeapPtr{}, nil, false, nil
		}
		_, _, rightLink, err := c.tree.ScanPage(c.pageID, heapptr.Min)
		if err != nil {
			return heapptr.HeapPtr{}, nil, false, err
		}
		c.pageID = rightLink
		if c.pageID == page.InvalidID {
			return heapptr.HeapPtr{}, nil, false, nil
		}
		items, aux, _, err := c.tree.ScanPage(c.pageID, heapptr.Min)
		if err != nil {
			return heapptr.HeapPtr{}, nil, false, err
		}
		c.pageItem, c.pageAux, c.pagePos = items, aux, 0
	}
	return c.pageItem[c.pagePos], c.pageAux[c.pagePos], true, nil
}

// Advance moves the cursor past its current item.
func (c *cursor) Advance() {
	if c.tree == nil {
		c.pos++
		return
	}
	c.pagePos++
}

// SeekTo advances the cursor to the first item >= target, skipping
// past everything in between. For a posting-tree-backed cursor this
// re-descends via postingtree.Tree.FindLeafForScan instead of
// stepping item by item, the O(log n) jump fast scan exists for.
func (c *cursor) SeekTo(target heapptr.HeapPtr) error {
	if c.tree == nil {
		for c.pos < len(c.inline) && heapptr.Less(c.inline[c.pos], target) {
			c.pos++
		}
		return nil
	}
	for c.pagePos < len(c.pageItem) && heapptr.Less(c.pageItem[c.pagePos], target) {
		c.pagePos++
	}
	if c.pagePos < len(c.pageItem) {
		return nil
	}
	leafID, err := c.tree.FindLeafForScan(target)
	if err != nil {
		return err
	}
	if leafID == page.InvalidID {
		c.pageID, c.pageItem, c.pageAux, c.pagePos = page.InvalidID, nil, nil, 0
		return nil
	}
	items, aux, _, err := c.tree.ScanPage(leafID, target)
	if err != nil {
		return err
	}
	c.pageID, c.pageItem, c.pageAux, c.pagePos = leafID, items, aux, 0
	return nil
}

// ResolveEntries looks up every key a query was decomposed into,
// returning a ScanEntry (with a positioned cursor) per matched key;
// unmatched keys get Found=false and contribute no items.
func ResolveEntries(tree *entrytree.Tree, pgr postingtree.Pager, keyList []keys.Key) ([]ScanEntry, error) {
	out := make([]ScanEntry, len(keyList))
	for i, k := range keyList {
		lt, found, err := tree.Lookup(k)
		if err != nil {
			return nil, errors.Wrapf(err, "scan: lookup key %d", i)
		}
		out[i] = ScanEntry{Key: k, Found: found}
		if found {
			c, err := newCursor(pgr, lt)
			if err != nil {
				return nil, err
			}
			out[i].cur = c
		}
	}
	return out, nil
}

// BuildScanKey runs an opclass's ExtractQuery over a query value and
// resolves the resulting keys to ScanEntries, compiling the ScanKey
// the rest of the driver evaluates. An EMPTY_QUERY result (matches
// everything) gets a single full-index entry instead.
func BuildScanKey(tree *entrytree.Tree, pgr postingtree.Pager, op opclass.OpClass, strategy uint16, query []byte) (*ScanKey, error) {
	extracted, everything := op.ExtractQuery(query, strategy)
	sk := &ScanKey{Strategy: strategy, QueryKeys: extracted, Everything: everything}
	if everything {
		items, auxes, err := FullScan(tree, pgr)
		if err != nil {
			return nil, err
		}
		sk.FullItems, sk.FullAux = items, auxes
		return sk, nil
	}

	keyList := make([]keys.Key, len(extracted))
	for i, d := range extracted {
		keyList[i] = keys.Key{Category: keys.Norm, Datum: d}
	}
	entries, err := ResolveEntries(tree, pgr, keyList)
	if err != nil {
		return nil, err
	}
	sk.Entries = entries
	return sk, nil
}

// RegularScan implements spec.md §4.7's regular strategy ("AND across
// keys" via key_get_item): each round, every entry is peeked and the
// frontier is the minimum current item across them (the furthest
// behind, a standard k-way merge-intersection candidate); matched[i]
// records which entries are exactly at the frontier, op.Consistent
// decides whether the frontier HeapPtr satisfies the query, and only
// the entries at the frontier are advanced one step ("advance the
// lagging streams, never revisiting") — entries already ahead of it
// are left alone until the others catch up.
func RegularScan(sk *ScanKey, op opclass.OpClass) ([]heapptr.HeapPtr, error) {
	entries := sk.Entries
	for _, e := range entries {
		if !e.Found {
			return nil, nil
		}
	}

	var out []heapptr.HeapPtr
	for {
		items := make([]heapptr.HeapPtr, len(entries))
		auxes := make([][]byte, len(entries))
		var frontier heapptr.HeapPtr
		first := true
		for i, e := range entries {
			it, aux, ok, err := e.cur.Peek()
			if err != nil {
				return nil, err
			}
			if !ok {
				return out, nil
			}
			items[i], auxes[i] = it, aux
			if first || heapptr.Less(it, frontier) {
				frontier = it
				first = false
			}
		}

		matched := make([]bool, len(entries))
		var frontierAux []byte
		for i, it := range items {
			if it == frontier || (it.IsLossy() && heapptr.SamePage(it, frontier)) {
				matched[i] = true
				if frontierAux == nil {
					frontierAux = auxes[i]
				}
			}
		}

		ok, _ := op.Consistent(matched, sk.Strategy, sk.QueryKeys, frontierAux)
		if ok {
			out = append(out, frontier)
		}
		for i := range entries {
			if matched[i] {
				entries[i].cur.Advance()
			}
		}
	}
}

// FastScan implements spec.md §4.7's pre-consistent-skipping strategy.
// Unlike RegularScan, the frontier here is the maximum current item
// across entries (the furthest ahead, what a sorted-descending entry
// list treats as its head): matched[i] marks entries already at the
// frontier, and the cheaper, monotone op.PreConsistent is tried first.
// If it fails, the entry furthest behind the frontier is seeked
// forward to it directly (cursor.SeekTo) instead of being advanced one
// item at a time, which is what lets this strategy skip long runs in a
// lagging posting list. Only valid when the opclass advertises
// opclass.CanPreConsistent.
func FastScan(sk *ScanKey, op opclass.OpClass) ([]heapptr.HeapPtr, error) {
	entries := sk.Entries
	for _, e := range entries {
		if !e.Found {
			return nil, nil
		}
	}

	var out []heapptr.HeapPtr
	for {
		items := make([]heapptr.HeapPtr, len(entries))
		auxes := make([][]byte, len(entries))
		var frontier heapptr.HeapPtr
		first := true
		for i, e := range entries {
			it, aux, ok, err := e.cur.Peek()
			if err != nil {
				return nil, err
			}
			if !ok {
				return out, nil
			}
			items[i], auxes[i] = it, aux
			if first || heapptr.Less(frontier, it) {
				frontier = it
				first = false
			}
		}

		matched := make([]bool, len(entries))
		var frontierAux []byte
		for i, it := range items {
			if it == frontier || (it.IsLossy() && heapptr.SamePage(it, frontier)) {
				matched[i] = true
				if frontierAux == nil {
					frontierAux = auxes[i]
				}
			}
		}

		if !op.PreConsistent(matched, sk.Strategy, sk.QueryKeys) {
			worst := -1
			for i, it := range items {
				if matched[i] {
					continue
				}
				if worst == -1 || heapptr.Less(it, items[worst]) {
					worst = i
				}
			}
			if worst == -1 {
				worst = 0
			}
			if err := entries[worst].cur.SeekTo(frontier); err != nil {
				return nil, err
			}
			continue
		}

		allMatched := true
		for _, m := range matched {
			if !m {
				allMatched = false
				break
			}
		}
		if !allMatched {
			// PreConsistent passed on a partial match: advance just the
			// entries already at the frontier and keep lagging ones in
			// place, same as RegularScan's "never revisiting" rule.
			for i := range entries {
				if matched[i] {
					entries[i].cur.Advance()
				}
			}
			continue
		}

		ok, _ := op.Consistent(matched, sk.Strategy, sk.QueryKeys, frontierAux)
		if ok {
			out = append(out, frontier)
		}
		for i := range entries {
			entries[i].cur.Advance()
		}
	}
}

// FullScan implements spec.md §4.7's full-scan/everything entry: it
// starts at the entry tree's leftmost leaf and walks rightward,
// flattening every key's posting list (inline or posting-tree backed)
// into one (item, aux) stream. Used for an EMPTY_QUERY key, whose
// result is then ranked by RankByAux rather than filtered.
func FullScan(tree *entrytree.Tree, pgr postingtree.Pager) ([]heapptr.HeapPtr, [][]byte, error) {
	var items []heapptr.HeapPtr
	var auxes [][]byte

	id, err := leftmostEntryLeaf(pgr, tree.Root())
	if err != nil {
		return nil, nil, err
	}
	for id != page.InvalidID {
		buf, err := pgr.ReadPage(id)
		if err != nil {
			return nil, nil, err
		}
		if page.IsDeleted(buf) {
			return nil, nil, errors.Wrapf(page.ErrDeleted, "scan: entry page %d", id)
		}
		sp := page.Wrap(buf)
		for i := 0; i < sp.SlotCount(); i++ {
			lt, err := entrytree.UnmarshalLeaf(sp.Record(i))
			if err != nil {
				continue
			}
			c, err := newCursor(pgr, lt)
			if err != nil {
				return nil, nil, err
			}
			for {
				it, aux, ok, err := c.Peek()
				if err != nil {
					return nil, nil, err
				}
				if !ok {
					break
				}
				items = append(items, it)
				auxes = append(auxes, aux)
				c.Advance()
			}
		}
		id = sp.Opaque().RightLink
	}
	return items, auxes, nil
}

func leftmostEntryLeaf(pgr postingtree.Pager, root page.ID) (page.ID, error) {
	id := root
	for {
		buf, err := pgr.ReadPage(id)
		if err != nil {
			return 0, err
		}
		if page.UnmarshalHeader(buf).Type == page.TypeEntryLeaf {
			return id, nil
		}
		sp := page.Wrap(buf)
		if sp.SlotCount() == 0 {
			return page.InvalidID, nil
		}
		it, err := entrytree.UnmarshalInternal(sp.Record(0))
		if err != nil {
			return 0, err
		}
		id = it.Child
	}
}

// RankByAux orders a full-scan's (item, aux) stream by op.Ordering,
// ascending, implementing spec.md §8 scenario 6 ("full-scan entry
// streams items in ascending aux order; ordering callback returns the
// aux value; driver yields HeapPtrs sorted by aux ascending").
func RankByAux(items []heapptr.HeapPtr, auxes [][]byte, queryKeys [][]byte, op opclass.OpClass) []heapptr.HeapPtr {
	type ranked struct {
		item heapptr.HeapPtr
		rank float64
	}
	ranks := make([]ranked, len(items))
	for i, it := range items {
		ranks[i] = ranked{it, op.Ordering(it, auxes[i], queryKeys)}
	}
	sort.Slice(ranks, func(a, b int) bool { return ranks[a].rank < ranks[b].rank })

	out := make([]heapptr.HeapPtr, len(ranks))
	for i, r := range ranks {
		out[i] = r.item
	}
	return out
}

// rankedCandidate is one candidate in RankedMerge's ordering heap.
type rankedCandidate struct {
	item heapptr.HeapPtr
	aux  []byte
	rank float64
	from int // source entry index, for pushNext after pop
}

type rankedHeap []rankedCandidate

func (h rankedHeap) Len() int            { return len(h) }
func (h rankedHeap) Less(i, j int) bool  { return h[i].rank > h[j].rank } // max-heap: highest rank first
func (h rankedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rankedHeap) Push(x interface{}) { *h = append(*h, x.(rankedCandidate)) }
func (h *rankedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RankedMerge performs a k-way merge across a ScanKey's entries
// ordered by op.Ordering, descending, stopping once limit results have
// been produced (limit <= 0 means unbounded). This backs spec.md's
// "Ranked output" over a non-EMPTY_QUERY ScanKey, grounded on the
// well-known google-codesearch index-reader posting-list merge shape,
// generalized from "union in posting order" to "merge by externally
// supplied rank" via container/heap.
func RankedMerge(sk *ScanKey, op opclass.OpClass, limit int) ([]heapptr.HeapPtr, error) {
	h := &rankedHeap{}
	heap.Init(h)
	for i, e := range sk.Entries {
		if !e.Found {
			continue
		}
		if err := pushNext(h, e, i, sk.QueryKeys, op); err != nil {
			return nil, err
		}
	}

	var out []heapptr.HeapPtr
	seen := make(map[heapptr.HeapPtr]bool)
	for h.Len() > 0 && (limit <= 0 || len(out) < limit) {
		top := heap.Pop(h).(rankedCandidate)
		if !seen[top.item] {
			seen[top.item] = true
			out = append(out, top.item)
		}
		if err := pushNext(h, sk.Entries[top.from], top.from, sk.QueryKeys, op); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func pushNext(h *rankedHeap, e ScanEntry, idx int, queryKeys [][]byte, op opclass.OpClass) error {
	it, aux, ok, err := e.cur.Peek()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.cur.Advance()
	heap.Push(h, rankedCandidate{item: it, aux: aux, rank: op.Ordering(it, aux, queryKeys), from: idx})
	return nil
}
