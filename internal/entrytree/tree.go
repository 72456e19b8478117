package entrytree

import (
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/btree"
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/keys"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// Pager is the page-access surface the entry tree needs from the index
// pager: read, write, allocate, and per-page latching.
type Pager interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
	AllocPage(t page.Type) (page.ID, []byte, error)
	Latch(id page.ID) *page.Latch
}

// Tree is a handle to an entry tree rooted at a fixed page (normally
// page.EntryRootID).
type Tree struct {
	pgr             Pager
	root            page.ID
	cmp             keys.CompareFunc
	inlineThreshold int // max inline items before promoting to a posting tree
}

// New returns a handle to an existing entry tree.
func New(pgr Pager, root page.ID, cmp keys.CompareFunc, inlineThreshold int) *Tree {
	return &Tree{pgr: pgr, root: root, cmp: cmp, inlineThreshold: inlineThreshold}
}

// Create allocates a fresh, empty entry tree at page.EntryRootID.
func Create(pgr Pager, cmp keys.CompareFunc, inlineThreshold int) (*Tree, error) {
	id, buf, err := pgr.AllocPage(page.TypeEntryLeaf)
	if err != nil {
		return nil, errors.Wrap(err, "entrytree: create root")
	}
	page.Init(buf, page.TypeEntryLeaf, id)
	if err := pgr.WritePage(id, buf); err != nil {
		return nil, err
	}
	return &Tree{pgr: pgr, root: id, cmp: cmp, inlineThreshold: inlineThreshold}, nil
}

// Root returns the tree's root page id.
func (t *Tree) Root() page.ID { return t.root }

func (t *Tree) disp() dispatch { return dispatch{cmp: t.cmp} }

// Lookup finds the leaf tuple for key, if any.
func (t *Tree) Lookup(key keys.Key) (LeafTuple, bool, error) {
	leafID, _, err := btree.FindLeaf(t.pgr, t.disp(), t.root, key)
	if err != nil {
		return LeafTuple{}, false, err
	}
	t.pgr.Latch(leafID).Acquire(page.Share)
	defer t.pgr.Latch(leafID).Release(page.Share)

	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return LeafTuple{}, false, err
	}
	sp := page.Wrap(buf)
	for i := 0; i < sp.SlotCount(); i++ {
		lt, err := UnmarshalLeaf(sp.Record(i))
		if err != nil {
			continue
		}
		if keys.Compare(lt.Key, key, t.cmp) == 0 {
			return lt, true, nil
		}
	}
	return LeafTuple{}, false, nil
}

// InsertItem adds item (with optional aux) under key, creating a new
// leaf tuple if key is new, appending to its inline item list if small
// enough, or reporting NeedsPostingTree when the caller must promote
// the tuple to a posting tree (spec.md §2, inline-vs-tree threshold).
type InsertResult struct {
	NeedsPostingTree bool
	Existing         LeafTuple // populated when NeedsPostingTree
}

func (t *Tree) InsertItem(key keys.Key, item heapptr.HeapPtr, aux []byte, auxIsNull bool) (InsertResult, error) {
	leafID, path, err := btree.FindLeaf(t.pgr, t.disp(), t.root, key)
	if err != nil {
		return InsertResult{}, err
	}
	t.pgr.Latch(leafID).Acquire(page.Exclusive)
	defer t.pgr.Latch(leafID).Release(page.Exclusive)

	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return InsertResult{}, err
	}
	sp := page.Wrap(buf)

	pos, existing, found := t.findLeafTuple(sp, key)
	if found {
		if existing.HasTree {
			return InsertResult{NeedsPostingTree: true, Existing: existing}, nil
		}
		if len(existing.Items)+1 > t.inlineThreshold {
			return InsertResult{NeedsPostingTree: true, Existing: existing}, nil
		}
		existing.Items = insertSortedItem(existing.Items, item)
		existing.Aux = insertSortedAux(existing.Items, existing.Aux, item, aux, auxIsNull)
		rec := MarshalLeaf(existing)
		if err := sp.DeleteAt(pos); err != nil {
			return InsertResult{}, err
		}
		if err := sp.InsertAt(pos, rec); err == nil {
			return t.writeLeaf(leafID, buf)
		}
		return t.splitLeafAndInsert(leafID, path, key, rec)
	}

	lt := LeafTuple{Key: key, Items: []heapptr.HeapPtr{item}}
	if auxIsNull {
		lt.Aux = [][]byte{nil}
	} else {
		lt.Aux = [][]byte{aux}
	}
	rec := MarshalLeaf(lt)
	insertPos := t.findInsertPos(sp, key)
	if err := sp.InsertAt(insertPos, rec); err == nil {
		return t.writeLeaf(leafID, buf)
	}
	return t.splitLeafAndInsert(leafID, path, key, rec)
}

// PromoteToTree replaces an existing inline leaf tuple with one pointing
// at a freshly built posting tree.
func (t *Tree) PromoteToTree(key keys.Key, treeRoot page.ID) error {
	leafID, _, err := btree.FindLeaf(t.pgr, t.disp(), t.root, key)
	if err != nil {
		return err
	}
	t.pgr.Latch(leafID).Acquire(page.Exclusive)
	defer t.pgr.Latch(leafID).Release(page.Exclusive)

	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return err
	}
	sp := page.Wrap(buf)
	pos, _, found := t.findLeafTuple(sp, key)
	if !found {
		return errors.New("entrytree: promote: key not found")
	}
	rec := MarshalLeaf(LeafTuple{Key: key, HasTree: true, TreeRoot: treeRoot})
	if err := sp.DeleteAt(pos); err != nil {
		return err
	}
	if err := sp.InsertAt(pos, rec); err != nil {
		return errors.Wrap(err, "entrytree: promoted tuple no longer fits")
	}
	return t.pgr.WritePage(leafID, buf)
}

func (t *Tree) findLeafTuple(sp *page.Slotted, key keys.Key) (int, LeafTuple, bool) {
	for i := 0; i < sp.SlotCount(); i++ {
		lt, err := UnmarshalLeaf(sp.Record(i))
		if err != nil {
			continue
		}
		if keys.Compare(lt.Key, key, t.cmp) == 0 {
			return i, lt, true
		}
	}
	return -1, LeafTuple{}, false
}

func (t *Tree) findInsertPos(sp *page.Slotted, key keys.Key) int {
	n := sp.SlotCount()
	for i := 0; i < n; i++ {
		lt, err := UnmarshalLeaf(sp.Record(i))
		if err != nil {
			continue
		}
		if keys.Compare(key, lt.Key, t.cmp) < 0 {
			return i
		}
	}
	return n
}

func (t *Tree) writeLeaf(id page.ID, buf []byte) (InsertResult, error) {
	return InsertResult{}, t.pgr.WritePage(id, buf)
}

func insertSortedItem(items []heapptr.HeapPtr, item heapptr.HeapPtr) []heapptr.HeapPtr {
	i := 0
	for i < len(items) && heapptr.Less(items[i], item) {
		i++
	}
	out := make([]heapptr.HeapPtr, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, item)
	out = append(out, items[i:]...)
	return out
}

func insertSortedAux(items []heapptr.HeapPtr, aux [][]byte, item heapptr.HeapPtr, a []byte, isNull bool) [][]byte {
	i := 0
	for i < len(items) && heapptr.Less(items[i], item) {
		i++
	}
	var v []byte
	if !isNull {
		v = a
	}
	out := make([][]byte, 0, len(aux)+1)
	out = append(out, aux[:i]...)
	out = append(out, v)
	if i < len(aux) {
		out = append(out, aux[i:]...)
	}
	return out
}

// splitLeafAndInsert splits a full leaf page in two, inserts rec into
// whichever half it belongs in, and propagates the new separator
// upward via FindParents, matching the teacher's insertWithSplit shape.
func (t *Tree) splitLeafAndInsert(leafID page.ID, _ []page.ID, key keys.Key, rec []byte) (InsertResult, error) {
	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return InsertResult{}, err
	}
	sp := page.Wrap(buf)

	var recs [][]byte
	inserted := false
	for i := 0; i < sp.SlotCount(); i++ {
		old := sp.Record(i)
		lt, _ := UnmarshalLeaf(old)
		if !inserted && t.cmp != nil && keys.Compare(key, lt.Key, t.cmp) < 0 {
			recs = append(recs, rec)
			inserted = true
		}
		recs = append(recs, old)
	}
	if !inserted {
		recs = append(recs, rec)
	}

	mid := len(recs) / 2
	leftRecs, rightRecs := recs[:mid], recs[mid:]

	rightID, rightBuf, err := t.pgr.AllocPage(page.TypeEntryLeaf)
	if err != nil {
		return InsertResult{}, err
	}
	page.Init(rightBuf, page.TypeEntryLeaf, rightID)
	rightSP := page.Wrap(rightBuf)
	oldOpaque := sp.Opaque()
	for _, r := range rightRecs {
		if _, err := rightSP.Append(r); err != nil {
			return InsertResult{}, errors.Wrap(err, "entrytree: split right insert")
		}
	}
	rightSP.SetOpaque(page.Opaque{RightLink: oldOpaque.RightLink})

	leftBuf := page.New(len(buf), page.TypeEntryLeaf, leafID)
	page.Init(leftBuf, page.TypeEntryLeaf, leafID)
	leftSP := page.Wrap(leftBuf)
	for _, r := range leftRecs {
		if _, err := leftSP.Append(r); err != nil {
			return InsertResult{}, errors.Wrap(err, "entrytree: split left insert")
		}
	}
	leftSP.SetOpaque(page.Opaque{RightLink: rightID})

	if err := t.pgr.WritePage(leafID, leftBuf); err != nil {
		return InsertResult{}, err
	}
	if err := t.pgr.WritePage(rightID, rightBuf); err != nil {
		return InsertResult{}, err
	}

	leftLast, _ := UnmarshalLeaf(leftRecs[len(leftRecs)-1])
	return InsertResult{}, t.insertSeparator(leafID, leftLast.Key, rightID)
}

// insertSeparator rediscovers the parent path for key and inserts a new
// (leftChild-covers-up-to-key, rightChild) separator, splitting internal
// pages and growing a new root as needed.
func (t *Tree) insertSeparator(leftChild page.ID, sepKey keys.Key, rightChild page.ID) error {
	path, err := btree.FindParents(t.pgr, t.disp(), t.root, sepKey)
	if err != nil {
		return err
	}
	// After an internal split the descent passes through the split page
	// itself; only the pages above it are candidate parents.
	for i, id := range path {
		if id == leftChild || id == rightChild {
			path = path[:i]
			break
		}
	}
	if len(path) == 0 {
		return t.createNewRoot(leftChild, sepKey, rightChild)
	}

	parentID := path[len(path)-1]
	t.pgr.Latch(parentID).Acquire(page.Exclusive)
	defer t.pgr.Latch(parentID).Release(page.Exclusive)

	buf, err := t.pgr.ReadPage(parentID)
	if err != nil {
		return err
	}
	sp := page.Wrap(buf)
	rec := MarshalInternal(InternalTuple{Key: sepKey, Child: leftChild})
	pos := 0
	for ; pos < sp.SlotCount(); pos++ {
		it, _ := UnmarshalInternal(sp.Record(pos))
		if it.Child == leftChild && keys.Compare(sepKey, it.Key, t.cmp) <= 0 {
			// leftChild's old downlink now leads to rightChild; the new
			// separator goes in front of it.
			it.Child = rightChild
			copy(sp.Record(pos), MarshalInternal(it))
			break
		}
		if keys.Compare(sepKey, it.Key, t.cmp) < 0 {
			break
		}
	}
	if err := sp.InsertAt(pos, rec); err == nil {
		return t.pgr.WritePage(parentID, buf)
	}
	if err := t.pgr.WritePage(parentID, buf); err != nil {
		return err
	}
	return t.splitInternalAndInsert(parentID, path[:len(path)-1], sepKey, leftChild)
}

func (t *Tree) splitInternalAndInsert(parentID page.ID, _ []page.ID, sepKey keys.Key, leftChild page.ID) error {
	buf, err := t.pgr.ReadPage(parentID)
	if err != nil {
		return err
	}
	sp := page.Wrap(buf)

	var tuples []InternalTuple
	inserted := false
	for i := 0; i < sp.SlotCount(); i++ {
		it, _ := UnmarshalInternal(sp.Record(i))
		if !inserted && keys.Compare(sepKey, it.Key, t.cmp) <= 0 {
			tuples = append(tuples, InternalTuple{Key: sepKey, Child: leftChild})
			inserted = true
		}
		tuples = append(tuples, it)
	}
	if !inserted {
		tuples = append(tuples, InternalTuple{Key: sepKey, Child: leftChild})
	}

	mid := len(tuples) / 2
	pushUp := tuples[mid-1].Key
	leftTuples, rightTuples := tuples[:mid], tuples[mid:]

	rightID, rightBuf, err := t.pgr.AllocPage(page.TypeEntryInternal)
	if err != nil {
		return err
	}
	page.Init(rightBuf, page.TypeEntryInternal, rightID)
	rightSP := page.Wrap(rightBuf)
	for _, it := range rightTuples {
		if _, err := rightSP.Append(MarshalInternal(it)); err != nil {
			return errors.Wrap(err, "entrytree: split internal right")
		}
	}
	oldOpaque := sp.Opaque()
	rightSP.SetOpaque(page.Opaque{RightLink: oldOpaque.RightLink})

	leftBuf := page.New(len(buf), page.TypeEntryInternal, parentID)
	page.Init(leftBuf, page.TypeEntryInternal, parentID)
	leftSP := page.Wrap(leftBuf)
	for _, it := range leftTuples {
		if _, err := leftSP.Append(MarshalInternal(it)); err != nil {
			return errors.Wrap(err, "entrytree: split internal left")
		}
	}
	leftSP.SetOpaque(page.Opaque{RightLink: rightID})

	if err := t.pgr.WritePage(parentID, leftBuf); err != nil {
		return err
	}
	if err := t.pgr.WritePage(rightID, rightBuf); err != nil {
		return err
	}
	return t.insertSeparator(parentID, pushUp, rightID)
}

// createNewRoot grows the tree by one level without moving the root:
// the root's current image (leftChild) is copied to a new page, and the
// root page is reinitialized as an internal node over that copy and
// rightChild.
func (t *Tree) createNewRoot(leftChild page.ID, sepKey keys.Key, rightChild page.ID) error {
	oldBuf, err := t.pgr.ReadPage(leftChild)
	if err != nil {
		return err
	}
	l2, l2Buf, err := t.pgr.AllocPage(page.UnmarshalHeader(oldBuf).Type)
	if err != nil {
		return err
	}
	copy(l2Buf[page.HeaderSize:], oldBuf[page.HeaderSize:])
	if err := t.pgr.WritePage(l2, l2Buf); err != nil {
		return err
	}
	buf := page.New(len(oldBuf), page.TypeEntryInternal, leftChild)
	page.Init(buf, page.TypeEntryInternal, leftChild)
	sp := page.Wrap(buf)
	if _, err := sp.Append(MarshalInternal(InternalTuple{Key: sepKey, Child: l2})); err != nil {
		return err
	}
	if _, err := sp.Append(MarshalInternal(InternalTuple{Key: keys.Key{Category: 0xFF}, Child: rightChild})); err != nil {
		return err
	}
	return t.pgr.WritePage(leftChild, buf)
}
