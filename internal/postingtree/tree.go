package postingtree

import (
	"github.com/pkg/errors"

	"github.com/SimonWaldherr/invidx/internal/codec"
	"github.com/SimonWaldherr/invidx/internal/heapptr"
	"github.com/SimonWaldherr/invidx/internal/page"
)

// Pager is the page-access surface the posting tree needs.
type Pager interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
	AllocPage(t page.Type) (page.ID, []byte, error)
	Latch(id page.ID) *page.Latch
}

// Tree is a handle to one key's posting tree.
type Tree struct {
	pgr  Pager
	root page.ID
}

// New returns a handle to an existing posting tree.
func New(pgr Pager, root page.ID) *Tree { return &Tree{pgr: pgr, root: root} }

// Create allocates a fresh single-leaf posting tree seeded with items
// (already ascending), and returns its root page id.
func Create(pgr Pager, items []heapptr.HeapPtr, aux [][]byte) (page.ID, error) {
	id, buf, err := pgr.AllocPage(page.TypePostingLeaf)
	if err != nil {
		return 0, err
	}
	page.InitData(buf, id, heapptr.Max)
	dp := page.WrapData(buf)
	if err := encodeLeaf(dp, items, aux); err != nil {
		return 0, err
	}
	return id, pgr.WritePage(id, buf)
}

func (t *Tree) Root() page.ID { return t.root }

func (t *Tree) disp() dispatch { return dispatch{} }

// findLeaf descends to the leaf that does or should contain target,
// returning its id and the internal-page path visited (root first).
func (t *Tree) findLeaf(target heapptr.HeapPtr) (page.ID, []page.ID, error) {
	cur := t.root
	var path []page.ID
	for {
		buf, err := t.pgr.ReadPage(cur)
		if err != nil {
			return 0, nil, err
		}
		if page.IsDeleted(buf) {
			return 0, nil, errors.Wrapf(page.ErrDeleted, "postingtree: page %d", cur)
		}
		d := t.disp()
		for d.pastRightBound(buf, target) {
			rl := d.rightLink(buf)
			if rl == page.InvalidID {
				break
			}
			cur = rl
			buf, err = t.pgr.ReadPage(cur)
			if err != nil {
				return 0, nil, err
			}
			if page.IsDeleted(buf) {
				return 0, nil, errors.Wrapf(page.ErrDeleted, "postingtree: page %d", cur)
			}
		}
		if d.isLeaf(buf) {
			return cur, path, nil
		}
		path = append(path, cur)
		cur = d.childFor(buf, target)
	}
}

// Insert adds item (with optional aux) to the tree, splitting leaves
// and internal nodes as needed.
func (t *Tree) Insert(item heapptr.HeapPtr, aux []byte, auxIsNull bool) error {
	leafID, path, err := t.findLeaf(item)
	if err != nil {
		return err
	}
	t.pgr.Latch(leafID).Acquire(page.Exclusive)
	defer t.pgr.Latch(leafID).Release(page.Exclusive)

	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return err
	}
	dp := page.WrapData(buf)
	items, auxes, err := decodeLeaf(dp)
	if err != nil {
		return err
	}

	i := 0
	for i < len(items) && heapptr.Less(items[i], item) {
		i++
	}
	if i < len(items) && items[i] == item {
		return nil // already present
	}
	var av []byte
	if !auxIsNull {
		av = aux
	}
	items = append(items, heapptr.HeapPtr{})
	copy(items[i+1:], items[i:])
	items[i] = item
	auxes = append(auxes, nil)
	copy(auxes[i+1:], auxes[i:])
	auxes[i] = av

	if encodeLeaf(dp, items, auxes) == nil {
		return t.pgr.WritePage(leafID, buf)
	}
	return t.splitLeaf(leafID, path, items, auxes)
}

func (t *Tree) splitLeaf(leafID page.ID, path []page.ID, items []heapptr.HeapPtr, auxes [][]byte) error {
	mid := len(items) / 2
	leftItems, rightItems := items[:mid], items[mid:]
	leftAux, rightAux := auxes[:mid], auxes[mid:]

	oldBuf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return err
	}
	oldOpaque := page.WrapData(oldBuf).Opaque()
	rightBound := page.WrapData(oldBuf).RightBound()

	rightID, rightBuf, err := t.pgr.AllocPage(page.TypePostingLeaf)
	if err != nil {
		return err
	}
	page.InitData(rightBuf, rightID, rightBound)
	rightDP := page.WrapData(rightBuf)
	if err := encodeLeaf(rightDP, rightItems, rightAux); err != nil {
		return errors.Wrap(err, "postingtree: split right still too big")
	}
	rightDP.SetRightLink(oldOpaque.RightLink)

	leftBuf := page.New(len(oldBuf), page.TypePostingLeaf, leafID)
	leftBound := leftItems[len(leftItems)-1]
	leftDP := page.InitData(leftBuf, leafID, leftBound)
	if err := encodeLeaf(leftDP, leftItems, leftAux); err != nil {
		return errors.Wrap(err, "postingtree: split left still too big")
	}
	leftDP.SetRightLink(rightID)

	if err := t.pgr.WritePage(leafID, leftBuf); err != nil {
		return err
	}
	if err := t.pgr.WritePage(rightID, rightBuf); err != nil {
		return err
	}

	return t.insertSeparator(path, leftBound, leafID, rightID)
}

func (t *Tree) insertSeparator(path []page.ID, leftSep heapptr.HeapPtr, leftChild, rightChild page.ID) error {
	if len(path) == 0 {
		return t.createNewRoot(leftSep, leftChild, rightChild)
	}
	parentID := path[len(path)-1]
	t.pgr.Latch(parentID).Acquire(page.Exclusive)
	defer t.pgr.Latch(parentID).Release(page.Exclusive)

	buf, err := t.pgr.ReadPage(parentID)
	if err != nil {
		return err
	}
	sp := page.Wrap(buf)

	pos := 0
	for ; pos < sp.SlotCount(); pos++ {
		it := UnmarshalInternal(sp.Record(pos))
		if heapptr.Less(leftSep, it.Separator) {
			break
		}
	}
	rec := MarshalInternal(InternalTuple{Child: leftChild, Separator: leftSep})
	if err := sp.InsertAt(pos, rec); err == nil {
		return t.pgr.WritePage(parentID, buf)
	}
	return t.splitInternal(parentID, path[:len(path)-1], leftSep, leftChild)
}

func (t *Tree) splitInternal(parentID page.ID, path []page.ID, leftSep heapptr.HeapPtr, leftChild page.ID) error {
	buf, err := t.pgr.ReadPage(parentID)
	if err != nil {
		return err
	}
	sp := page.Wrap(buf)

	var tuples []InternalTuple
	inserted := false
	for i := 0; i < sp.SlotCount(); i++ {
		it := UnmarshalInternal(sp.Record(i))
		if !inserted && heapptr.Less(leftSep, it.Separator) {
			tuples = append(tuples, InternalTuple{Child: leftChild, Separator: leftSep})
			inserted = true
		}
		tuples = append(tuples, it)
	}
	if !inserted {
		tuples = append(tuples, InternalTuple{Child: leftChild, Separator: leftSep})
	}

	mid := len(tuples) / 2
	pushSep := tuples[mid].Separator
	leftTuples, rightTuples := tuples[:mid], tuples[mid:]

	rightID, rightBuf, err := t.pgr.AllocPage(page.TypePostingInternal)
	if err != nil {
		return err
	}
	page.Init(rightBuf, page.TypePostingInternal, rightID)
	rightSP := page.Wrap(rightBuf)
	for _, it := range rightTuples {
		if _, err := rightSP.Append(MarshalInternal(it)); err != nil {
			return errors.Wrap(err, "postingtree: split internal right")
		}
	}
	oldOpaque := sp.Opaque()
	rightSP.SetOpaque(page.Opaque{RightLink: oldOpaque.RightLink})

	leftBuf := page.New(len(buf), page.TypePostingInternal, parentID)
	page.Init(leftBuf, page.TypePostingInternal, parentID)
	leftSP := page.Wrap(leftBuf)
	for _, it := range leftTuples {
		if _, err := leftSP.Append(MarshalInternal(it)); err != nil {
			return errors.Wrap(err, "postingtree: split internal left")
		}
	}
	leftSP.SetOpaque(page.Opaque{RightLink: rightID})

	if err := t.pgr.WritePage(parentID, leftBuf); err != nil {
		return err
	}
	if err := t.pgr.WritePage(rightID, rightBuf); err != nil {
		return err
	}
	return t.insertSeparator(path, pushSep, parentID, rightID)
}

func (t *Tree) createNewRoot(leftSep heapptr.HeapPtr, leftChild, rightChild page.ID) error {
	id, buf, err := t.pgr.AllocPage(page.TypePostingInternal)
	if err != nil {
		return err
	}
	page.Init(buf, page.TypePostingInternal, id)
	sp := page.Wrap(buf)
	if _, err := sp.Append(MarshalInternal(InternalTuple{Child: leftChild, Separator: leftSep})); err != nil {
		return err
	}
	if _, err := sp.Append(MarshalInternal(InternalTuple{Child: rightChild, Separator: heapptr.Max})); err != nil {
		return err
	}
	if err := t.pgr.WritePage(id, buf); err != nil {
		return err
	}
	t.root = id
	return nil
}

// ScanPage reads every item (and aux) stored in the leaf page beginning
// the scan at or after start, returning them plus the leaf's right
// link (page.InvalidID at the end of the tree).
func (t *Tree) ScanPage(leafID page.ID, start heapptr.HeapPtr) (items []heapptr.HeapPtr, auxes [][]byte, next page.ID, err error) {
	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return nil, nil, 0, err
	}
	if page.IsDeleted(buf) {
		return nil, nil, 0, errors.Wrapf(page.ErrDeleted, "postingtree: page %d", leafID)
	}
	dp := page.WrapData(buf)
	items, auxes, err = decodeLeaf(dp)
	if err != nil {
		return nil, nil, 0, err
	}
	i := 0
	for i < len(items) && heapptr.Less(items[i], start) {
		i++
	}
	return items[i:], auxes[i:], dp.Opaque().RightLink, nil
}

// FindLeafForScan descends to the leaf that would contain the first
// item >= start, for a scan's initial position.
func (t *Tree) FindLeafForScan(start heapptr.HeapPtr) (page.ID, error) {
	id, _, err := t.findLeaf(start)
	return id, err
}

// LeftmostLeaf descends to the first (lowest-bound) leaf page.
func (t *Tree) LeftmostLeaf() (page.ID, error) {
	id, _, err := t.findLeaf(heapptr.Min)
	return id, err
}

// RemoveDownlink deletes the internal-page tuple pointing at child,
// the third step of spec.md's posting-tree page deletion ("remove the
// parent's downlink") that must run between unlinking a freed page
// from its left sibling's right-link and marking it DELETED, so no
// later descent can route into a page a concurrent scan may still be
// stepping past via right-link.
//
// child's former separator key isn't available to the caller (it was
// derived from the deleted leaf's own contents), so this walks the
// internal-page tree by child id rather than by key, matching the
// single-level-fanout shape splitInternal/BuildBulk produce today; a
// deeper tree would need this to carry a key hint to route directly
// instead of visiting every internal page.
func (t *Tree) RemoveDownlink(child page.ID) error {
	return t.removeDownlinkFrom(t.root, child)
}

func (t *Tree) removeDownlinkFrom(nodeID page.ID, child page.ID) error {
	buf, err := t.pgr.ReadPage(nodeID)
	if err != nil {
		return err
	}
	if page.UnmarshalHeader(buf).Type != page.TypePostingInternal {
		return nil
	}

	sp := page.Wrap(buf)
	for i := 0; i < sp.SlotCount(); i++ {
		if UnmarshalInternal(sp.Record(i)).Child == child {
			t.pgr.Latch(nodeID).Acquire(page.Exclusive)
			defer t.pgr.Latch(nodeID).Release(page.Exclusive)

			buf, err := t.pgr.ReadPage(nodeID)
			if err != nil {
				return err
			}
			sp := page.Wrap(buf)
			if err := sp.DeleteAt(i); err != nil {
				return errors.Wrap(err, "postingtree: remove downlink")
			}
			return t.pgr.WritePage(nodeID, buf)
		}
	}

	for i := 0; i < sp.SlotCount(); i++ {
		childID := UnmarshalInternal(sp.Record(i)).Child
		childBuf, err := t.pgr.ReadPage(childID)
		if err != nil {
			return err
		}
		if page.UnmarshalHeader(childBuf).Type == page.TypePostingInternal {
			if err := t.removeDownlinkFrom(childID, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// OverwriteLeaf replaces a leaf page's item stream in place (no split),
// for callers (vacuum) that only ever shrink a leaf's contents.
func (t *Tree) OverwriteLeaf(leafID page.ID, items []heapptr.HeapPtr, auxes [][]byte) error {
	buf, err := t.pgr.ReadPage(leafID)
	if err != nil {
		return err
	}
	dp := page.WrapData(buf)
	if err := encodeLeaf(dp, items, auxes); err != nil {
		return errors.Wrap(err, "postingtree: overwrite leaf: does not fit")
	}
	return t.pgr.WritePage(leafID, buf)
}

func encodeLeaf(dp *page.DataPage, items []heapptr.HeapPtr, auxes [][]byte) error {
	var body []byte
	offsets := make([]int, len(items))
	prev := heapptr.Min
	for i, item := range items {
		offsets[i] = dataBodyStart + len(body)
		isNull := auxes[i] == nil
		body = codec.Encode(body, prev, item, auxes[i], isNull)
		prev = item
	}
	if len(body) > dp.Capacity() {
		return errors.New("postingtree: leaf body exceeds page capacity")
	}
	dp.SetBody(body, len(items))
	dp.RebuildMicroIndex(offsets, items)
	return nil
}

func decodeLeaf(dp *page.DataPage) ([]heapptr.HeapPtr, [][]byte, error) {
	body := dp.Body()
	items := make([]heapptr.HeapPtr, 0, dp.ItemCount())
	auxes := make([][]byte, 0, dp.ItemCount())
	prev := heapptr.Min
	for len(body) > 0 {
		item, aux, isNull, rest, err := codec.Decode(body, prev)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, item)
		if isNull {
			auxes = append(auxes, nil)
		} else {
			auxes = append(auxes, aux)
		}
		prev = item
		body = rest
	}
	return items, auxes, nil
}

const dataBodyStart = page.HeaderSize + 6 + 2 // right_bound + itemsEnd
