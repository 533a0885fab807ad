package btree

import (
	"storagecore/pager"
)

// Free-list trunk pages chain together via chainNext and each hold a small
// array of page numbers that are free for reuse (spec.md §4.3 "Free-list
// trunk/leaf"). Allocation prefers popping a page off the free list over
// extending the file; freeing pushes a page onto the trunk at the head of
// the list (pager.FreeListTrunk/SetFreeListTrunk); when the current head is
// full, the freed page itself becomes the new head trunk, chained to the old
// one.
const freeTrunkCapacityOffset = pageHeaderSize + 4

func trunkCapacity(pageSize int) int {
	return (pageSize - pageHeaderSize - 4) / 4
}

func trunkCount(raw []byte) uint32 {
	return leUint32(raw[pageHeaderSize:])
}

func setTrunkCount(raw []byte, n uint32) {
	putLEUint32(raw[pageHeaderSize:], n)
}

func trunkEntry(raw []byte, i int) uint32 {
	return leUint32(raw[freeTrunkCapacityOffset+i*4:])
}

func setTrunkEntry(raw []byte, i int, v uint32) {
	putLEUint32(raw[freeTrunkCapacityOffset+i*4:], v)
}

// allocPage returns a page ready to be formatted as a new btree page: a
// free-list page if one is available, otherwise a brand new page from the
// pager.
func (t *Tree) allocPage() (*pager.Page, error) {
	head := t.pager.FreeListTrunk()
	if head == 0 {
		return t.newFilePage()
	}
	trunkPage, err := t.pager.Get(head)
	if err != nil {
		return nil, err
	}
	count := trunkCount(trunkPage.Data)
	if count > 0 {
		leafNumber := trunkEntry(trunkPage.Data, int(count-1))
		if err := t.pager.Write(trunkPage); err != nil {
			t.pager.Unref(trunkPage)
			return nil, err
		}
		setTrunkCount(trunkPage.Data, count-1)
		t.pager.Unref(trunkPage)
		return t.getWritable(leafNumber)
	}
	// Trunk is empty: the trunk page itself becomes the allocated page, and
	// the list head advances to whatever it chained to.
	next := chainNextOf(trunkPage.Data)
	t.pager.Unref(trunkPage)
	t.pager.SetFreeListTrunk(next)
	return t.getWritable(head)
}

// getWritable fetches a page and marks it dirty so the caller can mutate
// Data directly (the pager's Write-before-mutate contract).
func (t *Tree) getWritable(pageNumber uint32) (*pager.Page, error) {
	page, err := t.pager.Get(pageNumber)
	if err != nil {
		return nil, err
	}
	if err := t.pager.Write(page); err != nil {
		t.pager.Unref(page)
		return nil, err
	}
	return page, nil
}

func (t *Tree) newFilePage() (*pager.Page, error) {
	return t.getWritable(t.pager.PageCount() + 1)
}

// freePage returns pageNumber to the free list, preferring to push it onto
// the current trunk page if it has room, else making it the new trunk head.
func (t *Tree) freePage(pageNumber uint32) error {
	head := t.pager.FreeListTrunk()
	if head != 0 {
		trunkPage, err := t.pager.Get(head)
		if err != nil {
			return err
		}
		count := trunkCount(trunkPage.Data)
		if int(count) < trunkCapacity(len(trunkPage.Data)) {
			if err := t.pager.Write(trunkPage); err != nil {
				t.pager.Unref(trunkPage)
				return err
			}
			setTrunkEntry(trunkPage.Data, int(count), pageNumber)
			setTrunkCount(trunkPage.Data, count+1)
			t.pager.Unref(trunkPage)
			return nil
		}
		t.pager.Unref(trunkPage)
	}
	newTrunk, err := t.pager.Get(pageNumber)
	if err != nil {
		return err
	}
	if err := t.pager.Write(newTrunk); err != nil {
		t.pager.Unref(newTrunk)
		return err
	}
	setPageKind(newTrunk.Data, kindFreeTrunk)
	writeChainPointer(newTrunk.Data, head)
	setTrunkCount(newTrunk.Data, 0)
	t.pager.Unref(newTrunk)
	t.pager.SetFreeListTrunk(pageNumber)
	return nil
}

func chainNextOf(raw []byte) uint32 {
	return leUint32(raw[hdrChainNextOff:])
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
