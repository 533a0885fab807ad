package btree

import "storagecore/pager"

// Cursor walks a Tree's leaves in key order. It holds a pager reference on
// its current leaf page for as long as it is valid. Insert and Delete on
// the Tree neither update nor invalidate open cursors: after a mutation a
// cursor's page may have split, merged, or been rewritten underneath it, and
// it stays positioned on its old in-memory copy until Invalidate is called
// and it is seeked again.
type Cursor struct {
	tree *Tree

	pp    *pager.Page
	page  *page
	index int
	valid bool
}

// NewCursor returns an unpositioned cursor over t. Call First, Last, or
// Seek before reading Key/Value.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{tree: t}
}

func (c *Cursor) release() {
	if c.pp != nil {
		c.tree.pager.Unref(c.pp)
		c.pp = nil
	}
	c.page = nil
	c.valid = false
}

// Invalidate drops the cursor's hold on its current page without
// repositioning it; callers that mutate the tree through a path other than
// this cursor call this so the cursor does not retain a stale pointer into
// a page that may no longer exist.
func (c *Cursor) Invalidate() {
	c.release()
}

// Valid reports whether Key/Value currently reference a live entry.
func (c *Cursor) Valid() bool { return c.valid }

func (c *Cursor) settle(leafNumber uint32, index int) error {
	c.release()
	pp, p, err := c.tree.loadPage(leafNumber)
	if err != nil {
		return err
	}
	c.pp, c.page, c.index = pp, p, index
	c.valid = index >= 0 && index < len(p.cells)
	return nil
}

// Seek positions the cursor at the first entry with key >= target.
func (c *Cursor) Seek(target []byte) error {
	path, err := c.tree.descend(target)
	if err != nil {
		return err
	}
	leafNumber := path[len(path)-1]
	pp, p, err := c.tree.loadPage(leafNumber)
	if err != nil {
		return err
	}
	idx := 0
	for idx < len(p.cells) && c.tree.cmp(p.cells[idx].key, target) < 0 {
		idx++
	}
	c.release()
	c.pp, c.page, c.index = pp, p, idx
	if idx >= len(p.cells) {
		// target falls after every key on this leaf; the next entry (if
		// any) lives on the following leaf, found by walking forward.
		return c.advanceToNextLeaf()
	}
	c.valid = true
	return nil
}

// First positions the cursor at the smallest key in the tree.
func (c *Cursor) First() error {
	leafNumber, err := c.leftmostLeaf(c.tree.root)
	if err != nil {
		return err
	}
	return c.settle(leafNumber, 0)
}

// Last positions the cursor at the largest key in the tree.
func (c *Cursor) Last() error {
	leafNumber, err := c.rightmostLeaf(c.tree.root)
	if err != nil {
		return err
	}
	pp, p, err := c.tree.loadPage(leafNumber)
	if err != nil {
		return err
	}
	c.release()
	c.pp, c.page = pp, p
	c.index = len(p.cells) - 1
	c.valid = c.index >= 0
	return nil
}

func (c *Cursor) leftmostLeaf(pageNumber uint32) (uint32, error) {
	current := pageNumber
	for {
		pp, p, err := c.tree.loadPage(current)
		if err != nil {
			return 0, err
		}
		k := p.kind
		var next uint32
		if k != kindLeaf {
			if len(p.cells) > 0 {
				next = p.cells[0].childPage
			} else {
				next = p.rightChild
			}
		}
		c.tree.pager.Unref(pp)
		if k == kindLeaf {
			return current, nil
		}
		current = next
	}
}

func (c *Cursor) rightmostLeaf(pageNumber uint32) (uint32, error) {
	current := pageNumber
	for {
		pp, p, err := c.tree.loadPage(current)
		if err != nil {
			return 0, err
		}
		k := p.kind
		next := p.rightChild
		c.tree.pager.Unref(pp)
		if k == kindLeaf {
			return current, nil
		}
		current = next
	}
}

// Next advances to the following entry in key order.
func (c *Cursor) Next() error {
	if !c.valid {
		return nil
	}
	c.index++
	if c.index < len(c.page.cells) {
		return nil
	}
	return c.advanceToNextLeaf()
}

// advanceToNextLeaf moves the cursor to index 0 of the leaf immediately
// after the current one, re-descending from the root since leaves carry no
// sibling pointer in this layout.
func (c *Cursor) advanceToNextLeaf() error {
	if len(c.page.cells) == 0 {
		c.valid = false
		return nil
	}
	lastKey := c.page.cells[len(c.page.cells)-1].key
	path, err := c.tree.descend(lastKey)
	if err != nil {
		return err
	}
	next, err := c.nextLeafAfter(path, lastKey)
	if err != nil {
		return err
	}
	if next == 0 {
		c.release()
		return nil
	}
	return c.settle(next, 0)
}

// nextLeafAfter walks up path looking for an ancestor with a child
// strictly greater than the one leading to key, then descends to that
// child's leftmost leaf. Returns 0 if key's leaf was the last one.
func (c *Cursor) nextLeafAfter(path []uint32, key []byte) (uint32, error) {
	for i := len(path) - 2; i >= 0; i-- {
		pp, parent, err := c.tree.loadPage(path[i])
		if err != nil {
			return 0, err
		}
		childNumber := path[i+1]
		refs := childrenOf(parent)
		c.tree.pager.Unref(pp)
		for j, r := range refs {
			if r.page == childNumber && j+1 < len(refs) {
				return c.leftmostLeaf(refs[j+1].page)
			}
		}
	}
	return 0, nil
}

// Prev moves to the preceding entry in key order.
func (c *Cursor) Prev() error {
	if !c.valid {
		return nil
	}
	if c.index > 0 {
		c.index--
		return nil
	}
	lastKey := c.page.cells[0].key
	path, err := c.tree.descend(lastKey)
	if err != nil {
		return err
	}
	prev, err := c.prevLeafBefore(path, lastKey)
	if err != nil {
		return err
	}
	if prev == 0 {
		c.release()
		return nil
	}
	pp, p, err := c.tree.loadPage(prev)
	if err != nil {
		return err
	}
	c.release()
	c.pp, c.page = pp, p
	c.index = len(p.cells) - 1
	c.valid = c.index >= 0
	return nil
}

func (c *Cursor) prevLeafBefore(path []uint32, key []byte) (uint32, error) {
	for i := len(path) - 2; i >= 0; i-- {
		pp, parent, err := c.tree.loadPage(path[i])
		if err != nil {
			return 0, err
		}
		childNumber := path[i+1]
		refs := childrenOf(parent)
		c.tree.pager.Unref(pp)
		for j, r := range refs {
			if r.page == childNumber && j > 0 {
				return c.rightmostLeaf(refs[j-1].page)
			}
		}
	}
	return 0, nil
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return append([]byte(nil), c.page.cells[c.index].key...)
}

// Value returns the payload at the cursor's current position,
// reassembling it from an overflow chain if necessary.
func (c *Cursor) Value() ([]byte, error) {
	if !c.valid {
		return nil, nil
	}
	cc := c.page.cells[c.index]
	if cc.overflowPage == 0 {
		return append([]byte(nil), cc.payload...), nil
	}
	return c.tree.readOverflowChain(cc.payload, cc.overflowPage, cc.totalLen)
}

// Close releases the cursor's page reference. Safe to call multiple times.
func (c *Cursor) Close() {
	c.release()
}
