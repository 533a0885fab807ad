package btree

import (
	"bytes"

	"storagecore/dberr"
	"storagecore/pager"
)

// Comparator orders two keys the same way the tree orders them on disk. The
// zero value (nil) falls back to bytes.Compare; callers storing structured
// keys (e.g. the record codec's sortable tuple encoding) inject their own.
type Comparator func(a, b []byte) int

func defaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

// Tree is an ordered key/payload store backed by a pager: one interior/leaf
// page layout (page.go), overflow chains for oversized payloads
// (overflow.go), and a free list for page reuse (freelist.go).
//
// A Tree is not safe for concurrent use from multiple goroutines; callers
// serialize access the same way they serialize pager transactions.
type Tree struct {
	pager *pager.Pager
	root  uint32
	cmp   Comparator
}

// Create allocates a fresh empty leaf page and returns a Tree rooted there.
// Must be called within an open write transaction.
func Create(p *pager.Pager, cmp Comparator) (*Tree, error) {
	t := &Tree{pager: p, cmp: cmp}
	if t.cmp == nil {
		t.cmp = defaultComparator
	}
	page, err := t.newFilePage()
	if err != nil {
		return nil, err
	}
	root := newLeafPage(page.Data)
	root.encode()
	t.root = page.Number
	t.pager.Unref(page)
	return t, nil
}

// Open wraps an existing tree whose root page is already on disk.
func Open(p *pager.Pager, root uint32, cmp Comparator) *Tree {
	t := &Tree{pager: p, root: root, cmp: cmp}
	if t.cmp == nil {
		t.cmp = defaultComparator
	}
	return t
}

// Root returns the current root page number, which callers persist
// wherever they track per-tree roots (e.g. a schema catalog).
func (t *Tree) Root() uint32 { return t.root }

func (t *Tree) pageSize() int { return t.pager.PageSize() }

// minFillBytes is the design threshold (spec.md §4.3 "minimum fill") below
// which a page is a candidate for merging with a sibling rather than being
// left underfull.
func minFillBytes(pageSize int) int {
	return (pageSize - pageHeaderSize) / 3
}

func (t *Tree) loadPage(pageNumber uint32) (*pager.Page, *page, error) {
	pp, err := t.pager.Get(pageNumber)
	if err != nil {
		return nil, nil, err
	}
	p, err := readPage(pp.Data)
	if err != nil {
		t.pager.Unref(pp)
		return nil, nil, err
	}
	return pp, p, nil
}

// descend walks from the root to the leaf that would contain key, returning
// the full path of page numbers (root first, leaf last).
func (t *Tree) descend(key []byte) ([]uint32, error) {
	path := []uint32{t.root}
	current := t.root
	for {
		pp, p, err := t.loadPage(current)
		if err != nil {
			return nil, err
		}
		k := p.kind
		t.pager.Unref(pp)
		if k == kindLeaf {
			return path, nil
		}
		current = childFor(p, key, t.cmp)
		path = append(path, current)
	}
}

// childFor returns which child subtree key belongs in, given the interior
// page's separators: cells[i].key is the largest key reachable through
// cells[i].childPage, and rightChild catches everything greater.
func childFor(p *page, key []byte, cmp Comparator) uint32 {
	for _, c := range p.cells {
		if cmp(key, c.key) <= 0 {
			return c.childPage
		}
	}
	return p.rightChild
}

// Get looks up key and returns its payload (reassembled from an overflow
// chain if necessary). ok is false if the key is absent.
func (t *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	path, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	leafNumber := path[len(path)-1]
	pp, p, err := t.loadPage(leafNumber)
	if err != nil {
		return nil, false, err
	}
	defer t.pager.Unref(pp)

	for _, c := range p.cells {
		if t.cmp(c.key, key) == 0 {
			if c.overflowPage == 0 {
				out := append([]byte(nil), c.payload...)
				return out, true, nil
			}
			out, err := t.readOverflowChain(c.payload, c.overflowPage, c.totalLen)
			if err != nil {
				return nil, false, err
			}
			return out, true, nil
		}
	}
	return nil, false, nil
}

// Insert adds or replaces the payload stored under key.
func (t *Tree) Insert(key, value []byte) error {
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leafNumber := path[len(path)-1]
	pp, p, err := t.loadPage(leafNumber)
	if err != nil {
		return err
	}

	newCell, err := t.buildLeafCell(key, value)
	if err != nil {
		t.pager.Unref(pp)
		return err
	}

	replaced := -1
	for i, c := range p.cells {
		if t.cmp(c.key, key) == 0 {
			replaced = i
			break
		}
	}

	if err := t.pager.Write(pp); err != nil {
		t.pager.Unref(pp)
		return err
	}

	if replaced >= 0 {
		if old := p.cells[replaced]; old.overflowPage != 0 {
			if err := t.freeOverflowChain(old.overflowPage); err != nil {
				t.pager.Unref(pp)
				return err
			}
		}
		if p.fitsAfterReplace(replaced, newCell) {
			p.cells[replaced] = newCell
			p.encode()
			t.pager.Unref(pp)
			return nil
		}
		// The replacement cell no longer fits: fall through to the
		// overflow/split path by treating this as a fresh insert of the
		// remaining cells plus the new one.
		p.cells = append(p.cells[:replaced], p.cells[replaced+1:]...)
	}

	if p.fits(newCell) {
		p.cells = append(p.cells, newCell)
		p.encode()
		t.pager.Unref(pp)
		return nil
	}

	t.pager.Unref(pp)
	return t.splitLeafAndInsert(path, p, newCell)
}

// fitsAfterReplace checks whether substituting newCell for the cell at idx
// still leaves the page within budget.
func (p *page) fitsAfterReplace(idx int, newCell cell) bool {
	old := p.cells[idx]
	delta := encodedCellSize(newCell, p.kind) - encodedCellSize(old, p.kind)
	if delta <= 0 {
		return true
	}
	return p.freeSpace() >= delta
}

// buildLeafCell spills value to an overflow chain if it exceeds the local
// payload budget for this tree's page size.
func (t *Tree) buildLeafCell(key, value []byte) (cell, error) {
	limit := maxLocalPayload(t.pager.PageSize())
	if len(value) <= limit {
		return cell{key: append([]byte(nil), key...), payload: append([]byte(nil), value...), totalLen: len(value)}, nil
	}
	local := append([]byte(nil), value[:limit]...)
	overflowPage, err := t.writeOverflowChain(value[limit:])
	if err != nil {
		return cell{}, err
	}
	return cell{key: append([]byte(nil), key...), payload: local, totalLen: len(value), overflowPage: overflowPage}, nil
}

// splitLeafAndInsert splits a full leaf in two, inserting newCell into
// whichever half it belongs in, and propagates the new separator upward.
func (t *Tree) splitLeafAndInsert(path []uint32, full *page, newCell cell) error {
	all := append(append([]cell(nil), full.cells...), newCell)
	sortCellsByKey(all)
	mid := len(all) / 2
	leftCells, rightCells := all[:mid], all[mid:]

	leafNumber := path[len(path)-1]
	leftPP, err := t.pager.Get(leafNumber)
	if err != nil {
		return err
	}
	if err := t.pager.Write(leftPP); err != nil {
		t.pager.Unref(leftPP)
		return err
	}
	left := &page{raw: leftPP.Data, kind: kindLeaf, cells: leftCells}
	left.encode()
	t.pager.Unref(leftPP)

	rightPP, err := t.allocPage()
	if err != nil {
		return err
	}
	right := &page{raw: rightPP.Data, kind: kindLeaf, cells: rightCells}
	right.encode()
	rightNumber := rightPP.Number
	t.pager.Unref(rightPP)

	leftMaxKey := leftCells[len(leftCells)-1].key
	return t.propagateSplit(path, len(path)-1, leafNumber, leftMaxKey, rightNumber)
}

// childRef uniformly represents an interior page's children: a nil key
// marks the final, implicit "greater than every separator" child
// (ordinarily reached via rightChild).
type childRef struct {
	key  []byte
	page uint32
}

func childrenOf(p *page) []childRef {
	refs := make([]childRef, 0, len(p.cells)+1)
	for _, c := range p.cells {
		refs = append(refs, childRef{key: c.key, page: c.childPage})
	}
	refs = append(refs, childRef{key: nil, page: p.rightChild})
	return refs
}

// propagateSplit rewires path[childIndex]'s parent after the page at
// path[childIndex] split into (oldPageNumber kept as the left half,
// rightPageNumber as the new right half), growing a new root if
// path[childIndex] was the root.
func (t *Tree) propagateSplit(path []uint32, childIndex int, oldPageNumber uint32, leftMaxKey []byte, rightPageNumber uint32) error {
	if childIndex == 0 {
		newRootPP, err := t.allocPage()
		if err != nil {
			return err
		}
		root := &page{
			raw:        newRootPP.Data,
			kind:       kindInterior,
			cells:      []cell{{key: append([]byte(nil), leftMaxKey...), childPage: oldPageNumber}},
			rightChild: rightPageNumber,
		}
		root.encode()
		t.root = newRootPP.Number
		t.pager.Unref(newRootPP)
		return nil
	}

	parentNumber := path[childIndex-1]
	parentPP, parent, err := t.loadPage(parentNumber)
	if err != nil {
		return err
	}
	if err := t.pager.Write(parentPP); err != nil {
		t.pager.Unref(parentPP)
		return err
	}

	origRefs := childrenOf(parent)
	rewired := false
	if parent.rightChild == oldPageNumber {
		parent.rightChild = rightPageNumber
		rewired = true
	} else {
		for i := range parent.cells {
			if parent.cells[i].childPage == oldPageNumber {
				parent.cells[i].childPage = rightPageNumber
				rewired = true
				break
			}
		}
	}
	if !rewired {
		t.pager.Unref(parentPP)
		return dberr.New(dberr.Corrupt, "btree: split parent missing child pointer")
	}
	newCell := cell{key: append([]byte(nil), leftMaxKey...), childPage: oldPageNumber}

	if parent.fits(newCell) {
		parent.cells = append(parent.cells, newCell)
		parent.encode()
		t.pager.Unref(parentPP)
		return nil
	}

	// Parent itself must split. Gather all N+1 children (N separators plus
	// the implicit rightChild), insert the new one, then divide in half;
	// only the left half ever promotes a key upward, same as a leaf split.
	refs := insertChildRef(origRefs, newCell.key, oldPageNumber, rightPageNumber)
	t.pager.Unref(parentPP)

	mid := len(refs) / 2
	leftRefs, rightRefs := refs[:mid], refs[mid:]
	promoted := leftRefs[len(leftRefs)-1].key

	leftPP, err := t.pager.Get(parentNumber)
	if err != nil {
		return err
	}
	if err := t.pager.Write(leftPP); err != nil {
		t.pager.Unref(leftPP)
		return err
	}
	leftPage := refsToInteriorPage(leftPP.Data, leftRefs)
	leftPage.encode()
	t.pager.Unref(leftPP)

	rightPP, err := t.allocPage()
	if err != nil {
		return err
	}
	rightPage := refsToInteriorPage(rightPP.Data, rightRefs)
	rightPage.encode()
	rightNumber := rightPP.Number
	t.pager.Unref(rightPP)

	return t.propagateSplit(path, childIndex-1, parentNumber, promoted, rightNumber)
}

// insertChildRef rewires the ref pointing at oldPageNumber to rightNumber
// (the split's new right page, taking over the upper half) and inserts a
// fresh ref for oldPageNumber itself at the separator implied by newKey
// (the split's new left page, which keeps oldPageNumber's identity).
func insertChildRef(refs []childRef, newKey []byte, oldPageNumber, rightNumber uint32) []childRef {
	out := make([]childRef, 0, len(refs)+1)
	for _, r := range refs {
		if r.page == oldPageNumber {
			out = append(out, childRef{key: append([]byte(nil), newKey...), page: oldPageNumber})
			out = append(out, childRef{key: r.key, page: rightNumber})
			continue
		}
		out = append(out, r)
	}
	return out
}

func refsToInteriorPage(raw []byte, refs []childRef) *page {
	p := &page{raw: raw, kind: kindInterior}
	p.cells = make([]cell, 0, len(refs)-1)
	for _, r := range refs[:len(refs)-1] {
		p.cells = append(p.cells, cell{key: r.key, childPage: r.page})
	}
	p.rightChild = refs[len(refs)-1].page
	return p
}

// Delete removes key if present. found is false if the key was absent.
func (t *Tree) Delete(key []byte) (found bool, err error) {
	path, err := t.descend(key)
	if err != nil {
		return false, err
	}
	leafNumber := path[len(path)-1]
	pp, p, err := t.loadPage(leafNumber)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, c := range p.cells {
		if t.cmp(c.key, key) == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.pager.Unref(pp)
		return false, nil
	}

	if err := t.pager.Write(pp); err != nil {
		t.pager.Unref(pp)
		return false, err
	}
	if removed := p.cells[idx]; removed.overflowPage != 0 {
		if err := t.freeOverflowChain(removed.overflowPage); err != nil {
			t.pager.Unref(pp)
			return false, err
		}
	}
	p.cells = append(p.cells[:idx], p.cells[idx+1:]...)
	p.encode()
	underfull := usedBytes(p) < minFillBytes(t.pager.PageSize())
	t.pager.Unref(pp)

	if underfull && len(path) > 1 {
		if err := t.rebalance(path, len(path)-1); err != nil {
			return false, err
		}
	}
	return true, nil
}

func usedBytes(p *page) int {
	total := pageHeaderSize + len(p.cells)*2
	for _, c := range p.cells {
		total += encodedCellSize(c, p.kind)
	}
	return total
}

// rebalance repairs an underfull page at path[idx] by borrowing a cell from
// an adjacent sibling, or merging with one (preferring the left sibling,
// spec.md §4.3's tie-break) when borrowing isn't possible, propagating the
// shrink upward when a merge empties an entry out of the parent.
func (t *Tree) rebalance(path []uint32, idx int) error {
	if idx == 0 {
		return t.shrinkRootIfEmpty()
	}
	parentNumber := path[idx-1]
	parentPP, parent, err := t.loadPage(parentNumber)
	if err != nil {
		return err
	}
	refs := childrenOf(parent)
	t.pager.Unref(parentPP)

	pos := -1
	for i, r := range refs {
		if r.page == path[idx] {
			pos = i
			break
		}
	}
	if pos < 0 {
		return dberr.New(dberr.Corrupt, "btree: rebalance target missing from parent")
	}

	var leftSib, rightSib = -1, -1
	if pos > 0 {
		leftSib = pos - 1
	}
	if pos < len(refs)-1 {
		rightSib = pos + 1
	}

	if leftSib >= 0 {
		ok, err := t.tryBorrow(parentNumber, refs, leftSib, pos)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	if rightSib >= 0 {
		ok, err := t.tryBorrow(parentNumber, refs, pos, rightSib)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if leftSib >= 0 {
		return t.mergeChildren(path, idx, parentNumber, refs, leftSib, pos)
	}
	return t.mergeChildren(path, idx, parentNumber, refs, pos, rightSib)
}

// tryBorrow moves one entry across the separator between refs[leftIdx] and
// refs[rightIdx] if the donor has spare capacity above the minimum fill,
// returning ok=false (no error) if neither side has anything to spare.
func (t *Tree) tryBorrow(parentNumber uint32, refs []childRef, leftIdx, rightIdx int) (bool, error) {
	leftPP, left, err := t.loadPage(refs[leftIdx].page)
	if err != nil {
		return false, err
	}
	rightPP, right, err := t.loadPage(refs[rightIdx].page)
	if err != nil {
		t.pager.Unref(leftPP)
		return false, err
	}
	defer t.pager.Unref(leftPP)
	defer t.pager.Unref(rightPP)

	threshold := minFillBytes(t.pager.PageSize())
	if left.kind == kindLeaf {
		if usedBytes(left) <= threshold && usedBytes(right) <= threshold {
			return false, nil
		}
		var donor, receiver *page
		var donorPP, receiverPP *pager.Page
		fromLeft := usedBytes(left) > usedBytes(right)
		if fromLeft {
			donor, donorPP, receiver, receiverPP = left, leftPP, right, rightPP
		} else {
			donor, donorPP, receiver, receiverPP = right, rightPP, left, leftPP
		}
		if len(donor.cells) < 2 {
			return false, nil
		}
		if err := t.pager.Write(donorPP); err != nil {
			return false, err
		}
		if err := t.pager.Write(receiverPP); err != nil {
			return false, err
		}
		var moved cell
		if fromLeft {
			moved = donor.cells[len(donor.cells)-1]
			donor.cells = donor.cells[:len(donor.cells)-1]
		} else {
			moved = donor.cells[0]
			donor.cells = donor.cells[1:]
		}
		receiver.cells = append(receiver.cells, moved)
		donor.encode()
		receiver.encode()
		newSeparator := left.cells[len(left.cells)-1].key
		if len(left.cells) == 0 {
			newSeparator = leastKey(right)
		}
		return true, t.updateSeparator(parentNumber, refs[leftIdx].page, newSeparator)
	}

	// Interior borrow: rotate a child through the parent separator.
	if len(left.cells) < 2 && len(right.cells) < 2 {
		return false, nil
	}
	fromLeft := len(left.cells) >= len(right.cells)
	parentPP, parent, err := t.loadPage(parentNumber)
	if err != nil {
		return false, err
	}
	defer t.pager.Unref(parentPP)
	sepKey := separatorBetween(parent, refs[leftIdx].page)

	if err := t.pager.Write(leftPP); err != nil {
		return false, err
	}
	if err := t.pager.Write(rightPP); err != nil {
		return false, err
	}
	if err := t.pager.Write(parentPP); err != nil {
		return false, err
	}

	if fromLeft {
		moved := left.cells[len(left.cells)-1]
		left.cells = left.cells[:len(left.cells)-1]
		right.cells = append([]cell{{key: sepKey, childPage: left.rightChild}}, right.cells...)
		left.rightChild = moved.childPage
		setSeparator(parent, refs[leftIdx].page, moved.key)
	} else {
		moved := right.cells[0]
		right.cells = right.cells[1:]
		left.cells = append(left.cells, cell{key: sepKey, childPage: left.rightChild})
		left.rightChild = moved.childPage
		setSeparator(parent, refs[leftIdx].page, moved.key)
	}
	left.encode()
	right.encode()
	parent.encode()
	return true, nil
}

func (p *page) leftmostChild() uint32 {
	if len(p.cells) > 0 {
		return p.cells[0].childPage
	}
	return p.rightChild
}

func (p *page) setLeftmostChild(v uint32) {
	if len(p.cells) > 0 {
		p.cells[0].childPage = v
		return
	}
	p.rightChild = v
}

func leastKey(p *page) []byte {
	if len(p.cells) == 0 {
		return nil
	}
	return p.cells[0].key
}

func separatorBetween(parent *page, leftChildPage uint32) []byte {
	for _, c := range parent.cells {
		if c.childPage == leftChildPage {
			return c.key
		}
	}
	return nil
}

func setSeparator(parent *page, leftChildPage uint32, newKey []byte) {
	for i := range parent.cells {
		if parent.cells[i].childPage == leftChildPage {
			parent.cells[i].key = append([]byte(nil), newKey...)
			return
		}
	}
}

// updateSeparator rewrites the parent cell's key for leftChildPage (used
// after a leaf borrow shifts that child's max key).
func (t *Tree) updateSeparator(parentNumber, leftChildPage uint32, newKey []byte) error {
	pp, parent, err := t.loadPage(parentNumber)
	if err != nil {
		return err
	}
	defer t.pager.Unref(pp)
	if parent.rightChild == leftChildPage {
		return nil
	}
	if err := t.pager.Write(pp); err != nil {
		return err
	}
	setSeparator(parent, leftChildPage, newKey)
	parent.encode()
	return nil
}

// mergeChildren combines refs[leftIdx] and refs[rightIdx] into a single
// page (the left survives, the right is freed), removes the separator
// entry from the parent, and recurses if that empties the parent below
// its own minimum fill.
func (t *Tree) mergeChildren(path []uint32, idx int, parentNumber uint32, refs []childRef, leftIdx, rightIdx int) error {
	leftPageNum, rightPageNum := refs[leftIdx].page, refs[rightIdx].page
	leftPP, left, err := t.loadPage(leftPageNum)
	if err != nil {
		return err
	}
	rightPP, right, err := t.loadPage(rightPageNum)
	if err != nil {
		t.pager.Unref(leftPP)
		return err
	}

	if err := t.pager.Write(leftPP); err != nil {
		t.pager.Unref(leftPP)
		t.pager.Unref(rightPP)
		return err
	}

	if left.kind == kindLeaf {
		left.cells = append(left.cells, right.cells...)
	} else {
		sepKey := separatorAt(refs, leftIdx)
		left.cells = append(left.cells, cell{key: sepKey, childPage: left.rightChild})
		left.cells = append(left.cells, right.cells...)
		left.rightChild = right.rightChild
	}
	left.encode()
	t.pager.Unref(leftPP)
	t.pager.Unref(rightPP)

	if err := t.freePage(rightPageNum); err != nil {
		return err
	}

	parentPP, parent, err := t.loadPage(parentNumber)
	if err != nil {
		return err
	}
	if err := t.pager.Write(parentPP); err != nil {
		t.pager.Unref(parentPP)
		return err
	}
	removeChildFromParent(parent, leftPageNum, rightPageNum)
	parent.encode()
	parentUnderfull := usedBytes(parent) < minFillBytes(t.pager.PageSize()) && len(parent.cells) > 0
	parentEmpty := len(parent.cells) == 0
	t.pager.Unref(parentPP)

	if parentEmpty && idx-1 == 0 {
		return t.shrinkRootIfEmpty()
	}
	if (parentUnderfull || parentEmpty) && idx-1 > 0 {
		return t.rebalance(path, idx-1)
	}
	return nil
}

func separatorAt(refs []childRef, leftIdx int) []byte {
	return refs[leftIdx].key
}

// removeChildFromParent repairs the parent after rightPage has been merged
// into leftPage (leftPage is the page number that survives). leftPage's own
// separator entry described leftPage's old (now stale) max key, so it is
// dropped; rightPage's entry (or the rightChild pointer) still correctly
// describes the merged page's new max key, so it is kept but repointed at
// leftPage instead of rightPage.
func removeChildFromParent(parent *page, leftPage, rightPage uint32) {
	if parent.rightChild == rightPage {
		parent.rightChild = leftPage
	} else {
		for i := range parent.cells {
			if parent.cells[i].childPage == rightPage {
				parent.cells[i].childPage = leftPage
				break
			}
		}
	}
	for i, c := range parent.cells {
		if c.childPage == leftPage {
			parent.cells = append(parent.cells[:i], parent.cells[i+1:]...)
			return
		}
	}
}

// shrinkRootIfEmpty collapses the tree's height by one when the root is an
// interior page with no separators left (everything now reachable only
// through rightChild).
func (t *Tree) shrinkRootIfEmpty() error {
	pp, root, err := t.loadPage(t.root)
	if err != nil {
		return err
	}
	defer t.pager.Unref(pp)
	if root.kind == kindLeaf || len(root.cells) > 0 {
		return nil
	}
	oldRoot := t.root
	t.root = root.rightChild
	return t.freePage(oldRoot)
}
