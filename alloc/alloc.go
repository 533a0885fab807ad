// Package alloc defines the small allocator interface the storage core
// accepts as an injected dependency (spec.md §4.5) and an optional
// buddy-style small-object allocator for environments where the host
// allocator fragments badly. No pack example implements a custom allocator,
// so this is new code grounded directly on the spec's description rather
// than on an existing file.
package alloc

import "storagecore/dberr"

// Allocator is the contract the core accepts for all dynamic allocation
// decisions it makes explicit (as opposed to ordinary Go slice/map growth,
// which remains the host allocator's business).
type Allocator interface {
	Allocate(size int) ([]byte, error)
	Resize(buf []byte, newSize int) ([]byte, error)
	Free(buf []byte)
	SizeOf(buf []byte) int
	RoundupToSupportedSize(size int) int
}

// Default is the identity allocator backed directly by make([]byte, n); it
// rounds up to the requested size exactly (no size classes) and is what
// callers get unless they inject something else.
type Default struct{}

func (Default) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (Default) Resize(buf []byte, newSize int) ([]byte, error) {
	out := make([]byte, newSize)
	copy(out, buf)
	return out, nil
}

func (Default) Free([]byte) {}

func (Default) SizeOf(buf []byte) int { return cap(buf) }

func (Default) RoundupToSupportedSize(size int) int { return size }

// Buddy is a buddy-style allocator partitioning chunks acquired from a host
// Allocator into power-of-two blocks with a free-list per size class,
// coalescing buddies on Free (spec.md §4.5).
type Buddy struct {
	host     Allocator
	minOrder uint
	maxOrder uint
	arena    []byte
	// freeList[order] holds offsets (into arena) of free blocks of size
	// 1<<order, in ascending address order so buddy coalescing can always
	// find the lower-addressed partner quickly.
	freeList [][]int
}

// NewBuddy creates a Buddy allocator managing a single arena of size
// 1<<maxOrder bytes, acquired from host, splittable down to blocks of size
// 1<<minOrder.
func NewBuddy(host Allocator, minOrder, maxOrder uint) (*Buddy, error) {
	if minOrder > maxOrder {
		return nil, dberr.New(dberr.Misuse, "alloc: minOrder must be <= maxOrder")
	}
	arena, err := host.Allocate(1 << maxOrder)
	if err != nil {
		return nil, dberr.Wrap(dberr.NoMem, "alloc: buddy arena", err)
	}
	b := &Buddy{
		host:     host,
		minOrder: minOrder,
		maxOrder: maxOrder,
		arena:    arena,
		freeList: make([][]int, maxOrder+1),
	}
	b.freeList[maxOrder] = []int{0}
	return b, nil
}

func orderFor(size int, minOrder uint) uint {
	order := minOrder
	for (1 << order) < size {
		order++
	}
	return order
}

// Allocate returns a block of at least size bytes carved from the arena, or
// a NoMem error if the arena has no free block large enough.
func (b *Buddy) Allocate(size int) ([]byte, error) {
	order := orderFor(size, b.minOrder)
	if order > b.maxOrder {
		return nil, dberr.New(dberr.NoMem, "alloc: requested size exceeds arena")
	}
	offset, ok := b.takeBlock(order)
	if !ok {
		return nil, dberr.New(dberr.NoMem, "alloc: buddy arena exhausted")
	}
	return b.arena[offset : offset+size : offset+(1<<order)], nil
}

func (b *Buddy) takeBlock(order uint) (int, bool) {
	if len(b.freeList[order]) > 0 {
		offset := b.freeList[order][0]
		b.freeList[order] = b.freeList[order][1:]
		return offset, true
	}
	if order >= b.maxOrder {
		return 0, false
	}
	parent, ok := b.takeBlock(order + 1)
	if !ok {
		return 0, false
	}
	buddyOffset := parent + (1 << order)
	b.insertFree(order, buddyOffset)
	return parent, true
}

func (b *Buddy) insertFree(order uint, offset int) {
	list := b.freeList[order]
	i := 0
	for i < len(list) && list[i] < offset {
		i++
	}
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = offset
	b.freeList[order] = list
}

// Free returns buf to its size class and coalesces with its buddy block
// when possible.
func (b *Buddy) Free(buf []byte) {
	offset := b.offsetOf(buf)
	if offset < 0 {
		return
	}
	b.coalesce(b.orderOfCap(buf), offset)
}

func (b *Buddy) orderOfCap(buf []byte) uint {
	c := cap(buf)
	order := b.minOrder
	for (1 << order) < c {
		order++
	}
	return order
}

// offsetOf finds where buf sits within the arena by pointer identity. Go has
// no portable pointer arithmetic on slices, so this walks candidate offsets;
// arenas are sized for B-tree pages, not scanned at a frequency where this
// matters.
func (b *Buddy) offsetOf(buf []byte) int {
	if len(buf) == 0 {
		return -1
	}
	for off := 0; off+len(buf) <= len(b.arena); off++ {
		if &b.arena[off] == &buf[0] {
			return off
		}
	}
	return -1
}

func (b *Buddy) coalesce(order uint, offset int) {
	for order < b.maxOrder {
		buddy := offset ^ (1 << order)
		list := b.freeList[order]
		idx := -1
		for i, o := range list {
			if o == buddy {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		b.freeList[order] = append(list[:idx], list[idx+1:]...)
		if buddy < offset {
			offset = buddy
		}
		order++
	}
	b.insertFree(order, offset)
}

func (b *Buddy) Resize(buf []byte, newSize int) ([]byte, error) {
	out, err := b.Allocate(newSize)
	if err != nil {
		return nil, err
	}
	copy(out, buf)
	b.Free(buf)
	return out, nil
}

func (b *Buddy) SizeOf(buf []byte) int {
	return 1 << b.orderOfCap(buf)
}

func (b *Buddy) RoundupToSupportedSize(size int) int {
	return 1 << orderFor(size, b.minOrder)
}
