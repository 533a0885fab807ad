package btree

import (
	"storagecore/pager"
)

// overflow pages hold the remainder of a payload too large to fit locally
// on a leaf cell: each page stores raw bytes after its header plus a
// chainNext pointer to the next overflow page (0 terminates the chain).
func overflowCapacity(pageSize int) int {
	return pageSize - pageHeaderSize
}

// maxLocalPayload is how many payload bytes a leaf cell stores inline
// before spilling the remainder to an overflow chain. Conservative enough
// that a handful of cells plus their key always fit on one page.
func maxLocalPayload(pageSize int) int {
	n := (pageSize - pageHeaderSize) / 4
	if n < 32 {
		n = 32
	}
	return n
}

// writeOverflowChain stores rest across as many overflow pages as needed
// and returns the first page number in the chain.
func (t *Tree) writeOverflowChain(rest []byte) (uint32, error) {
	var first uint32
	var prev *pager.Page
	capacity := overflowCapacity(t.pageSize())

	for len(rest) > 0 {
		page, err := t.allocPage()
		if err != nil {
			if prev != nil {
				t.pager.Unref(prev)
			}
			return 0, err
		}
		n := len(rest)
		if n > capacity {
			n = capacity
		}
		setPageKind(page.Data, kindOverflow)
		writeChainPointer(page.Data, 0)
		copy(page.Data[pageHeaderSize:], rest[:n])
		rest = rest[n:]

		if first == 0 {
			first = page.Number
		}
		if prev != nil {
			if err := t.pager.Write(prev); err != nil {
				t.pager.Unref(page)
				t.pager.Unref(prev)
				return 0, err
			}
			writeChainPointer(prev.Data, page.Number)
			t.pager.Unref(prev)
		}
		prev = page
	}
	if prev != nil {
		t.pager.Unref(prev)
	}
	return first, nil
}

// readOverflowChain reads totalLen-len(local) remaining bytes starting at
// the given overflow page and appends them to local.
func (t *Tree) readOverflowChain(local []byte, first uint32, totalLen int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	out = append(out, local...)
	capacity := overflowCapacity(t.pageSize())
	next := first
	for len(out) < totalLen && next != 0 {
		page, err := t.pager.Get(next)
		if err != nil {
			return nil, err
		}
		remaining := totalLen - len(out)
		n := capacity
		if n > remaining {
			n = remaining
		}
		out = append(out, page.Data[pageHeaderSize:pageHeaderSize+n]...)
		next = chainNextOf(page.Data)
		t.pager.Unref(page)
	}
	return out, nil
}

// freeOverflowChain returns every page in the chain starting at first to
// the free list.
func (t *Tree) freeOverflowChain(first uint32) error {
	next := first
	for next != 0 {
		page, err := t.pager.Get(next)
		if err != nil {
			return err
		}
		following := chainNextOf(page.Data)
		t.pager.Unref(page)
		if err := t.freePage(next); err != nil {
			return err
		}
		next = following
	}
	return nil
}
