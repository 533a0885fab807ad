// Package btree implements ordered key/payload storage over pager pages:
// interior and leaf pages in a slot-array layout, overflow pages for
// payloads too large for one page, free-list trunk pages for page reuse,
// and a cursor that can seek and scan (insert and delete are on Tree).
//
// The on-page layout generalizes the teacher's kv.go/pager.go Page type
// (fixed header, growing cell-offset array, cells allocated from the
// opposite end of the page) from a 16-bit-page-number, split-only design to
// the full contract: typed pages (including overflow and free-list kinds),
// 32-bit page numbers, and delete with rebalance/merge.
package btree

import (
	"encoding/binary"

	"storagecore/dberr"
)

type kind uint8

const (
	kindInterior kind = iota + 1
	kindLeaf
	kindOverflow
	kindFreeTrunk
)

// Page header layout. Mutations always rewrite the full cell region sorted
// by key (the same "decode everything, mutate in Go, re-encode" approach
// the teacher's Page.SetEntries uses) rather than maintaining an
// incremental freeblock free list, so firstFreeblock/fragmentedFreeBytes
// are carried in the header for format completeness but always read back
// as zero: compaction happens on every mutation instead of on demand. See
// DESIGN.md for the tradeoff.
const (
	hdrKindOff             = 0
	hdrCellCountOff        = 2
	hdrCellContentStartOff = 4
	hdrFirstFreeblockOff   = 6
	hdrFragFreeBytesOff    = 8
	hdrRightChildOff       = 9  // interior: right-most child page number
	hdrChainNextOff        = 13 // overflow: next overflow page; free-trunk: next trunk page
	pageHeaderSize         = 17
)

type cell struct {
	key []byte

	// Leaf cells carry a payload (possibly spilled to an overflow chain).
	// Interior cells carry a child page number and no payload.
	payload       []byte
	totalLen      int
	overflowPage  uint32
	childPage     uint32
}

// page is a thin view over one pager.Page's raw bytes, decoded into Go
// values for the duration of a single operation.
type page struct {
	raw   []byte
	kind  kind
	cells []cell
	// rightChild is the upper-bound child pointer on an interior page: the
	// subtree for keys greater than every separator key in cells.
	rightChild uint32
	chainNext  uint32
}

func newLeafPage(raw []byte) *page {
	p := &page{raw: raw, kind: kindLeaf}
	p.encode()
	return p
}

func newInteriorPage(raw []byte) *page {
	p := &page{raw: raw, kind: kindInterior}
	p.encode()
	return p
}

func readPage(raw []byte) (*page, error) {
	if len(raw) < pageHeaderSize {
		return nil, dberr.New(dberr.Corrupt, "btree: page shorter than header")
	}
	k := kind(raw[hdrKindOff])
	p := &page{raw: raw, kind: k}
	switch k {
	case kindInterior:
		p.rightChild = binary.LittleEndian.Uint32(raw[hdrRightChildOff:])
	case kindOverflow, kindFreeTrunk:
		p.chainNext = binary.LittleEndian.Uint32(raw[hdrChainNextOff:])
		return p, nil
	}
	count := int(binary.LittleEndian.Uint16(raw[hdrCellCountOff:]))
	p.cells = make([]cell, count)
	pageSize := len(raw)
	for i := 0; i < count; i++ {
		offOff := pageHeaderSize + i*2
		cellOff := int(binary.LittleEndian.Uint16(raw[offOff:]))
		c, err := decodeCell(raw, cellOff, pageSize, k)
		if err != nil {
			return nil, err
		}
		p.cells[i] = c
	}
	return p, nil
}

func decodeCell(raw []byte, off, pageSize int, k kind) (cell, error) {
	if off < pageHeaderSize || off >= pageSize {
		return cell{}, dberr.New(dberr.Corrupt, "btree: cell offset out of range")
	}
	keyLen := int(binary.LittleEndian.Uint16(raw[off:]))
	off += 2
	key := append([]byte(nil), raw[off:off+keyLen]...)
	off += keyLen
	if k == kindInterior {
		child := binary.LittleEndian.Uint32(raw[off:])
		return cell{key: key, childPage: child}, nil
	}
	totalLen := int(binary.LittleEndian.Uint32(raw[off:]))
	off += 4
	localLen := int(binary.LittleEndian.Uint16(raw[off:]))
	off += 2
	payload := append([]byte(nil), raw[off:off+localLen]...)
	off += localLen
	overflowPage := binary.LittleEndian.Uint32(raw[off:])
	return cell{key: key, payload: payload, totalLen: totalLen, overflowPage: overflowPage}, nil
}

func encodedCellSize(c cell, k kind) int {
	n := 2 + len(c.key)
	if k == kindInterior {
		return n + 4
	}
	return n + 4 + 2 + len(c.payload) + 4
}

// encode rewrites the full cell region, sorted ascending by key, compacting
// away any reclaimed space in the process.
func (p *page) encode() {
	sortCellsByKey(p.cells)
	binary.LittleEndian.PutUint16(p.raw[hdrCellCountOff:], uint16(len(p.cells)))
	binary.LittleEndian.PutUint16(p.raw[hdrFirstFreeblockOff:], 0)
	p.raw[hdrFragFreeBytesOff] = 0
	p.raw[hdrKindOff] = byte(p.kind)
	if p.kind == kindInterior {
		binary.LittleEndian.PutUint32(p.raw[hdrRightChildOff:], p.rightChild)
	}

	pageSize := len(p.raw)
	end := pageSize
	for i, c := range p.cells {
		size := encodedCellSize(c, p.kind)
		start := end - size
		writeCell(p.raw, start, c, p.kind)
		binary.LittleEndian.PutUint16(p.raw[pageHeaderSize+i*2:], uint16(start))
		end = start
	}
	binary.LittleEndian.PutUint16(p.raw[hdrCellContentStartOff:], uint16(end))
}

func writeCell(raw []byte, off int, c cell, k kind) {
	binary.LittleEndian.PutUint16(raw[off:], uint16(len(c.key)))
	off += 2
	copy(raw[off:], c.key)
	off += len(c.key)
	if k == kindInterior {
		binary.LittleEndian.PutUint32(raw[off:], c.childPage)
		return
	}
	binary.LittleEndian.PutUint32(raw[off:], uint32(c.totalLen))
	off += 4
	binary.LittleEndian.PutUint16(raw[off:], uint16(len(c.payload)))
	off += 2
	copy(raw[off:], c.payload)
	off += len(c.payload)
	binary.LittleEndian.PutUint32(raw[off:], c.overflowPage)
}

func sortCellsByKey(cells []cell) {
	// Insertion sort: page cell counts are small (a few dozen at most for
	// any realistic page size), and keeping this allocation-free matters
	// more than asymptotic complexity here.
	for i := 1; i < len(cells); i++ {
		for j := i; j > 0 && compareBytes(cells[j].key, cells[j-1].key) < 0; j-- {
			cells[j], cells[j-1] = cells[j-1], cells[j]
		}
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// freeSpace returns how many bytes remain available for new cells.
func (p *page) freeSpace() int {
	used := pageHeaderSize + len(p.cells)*2
	contentStart := int(binary.LittleEndian.Uint16(p.raw[hdrCellContentStartOff:]))
	return contentStart - used
}

func (p *page) fits(c cell) bool {
	needed := 2 + encodedCellSize(c, p.kind)
	return p.freeSpace() >= needed
}

// cellCount returns the number of live cells on the page.
func (p *page) cellCount() int { return len(p.cells) }

func writeChainPointer(raw []byte, next uint32) {
	binary.LittleEndian.PutUint32(raw[hdrChainNextOff:], next)
}

func setPageKind(raw []byte, k kind) {
	raw[hdrKindOff] = byte(k)
}
