package pager

// frame holds one cached page's bytes together with the bookkeeping the
// pager needs: whether it has been modified since it was read (and so must
// be journalled and flushed at commit) and how many outstanding references
// callers hold to it. A frame with refCount > 0 is pinned and is never
// chosen for eviction, generalizing the teacher's plain byte-slice LRU
// (pager/cache/cache.go) which has no notion of an in-use page at all.
type frame struct {
	pageNumber uint32
	data       []byte
	dirty      bool
	refCount   int
}

// frameCache is an LRU cache over unpinned frames. Pinned frames (refCount >
// 0) are tracked in the same map but are skipped by eviction; they leave the
// eviction list entirely while pinned and rejoin it, at the back, once their
// last reference is released.
type frameCache struct {
	frames    map[uint32]*frame
	evictList []uint32
	maxSize   int
}

func newFrameCache(maxSize int) *frameCache {
	return &frameCache{
		frames:  make(map[uint32]*frame),
		maxSize: maxSize,
	}
}

func (c *frameCache) get(pageNumber uint32) (*frame, bool) {
	f, ok := c.frames[pageNumber]
	return f, ok
}

// pin marks f referenced and removes it from the eviction list, if present.
func (c *frameCache) pin(f *frame) {
	if f.refCount == 0 {
		c.removeFromEvictList(f.pageNumber)
	}
	f.refCount++
}

// unpin drops a reference. Once the last reference is gone the frame becomes
// eligible for eviction again and is pushed to the back of the LRU list (the
// most-recently-used end).
func (c *frameCache) unpin(f *frame) {
	if f.refCount == 0 {
		return
	}
	f.refCount--
	if f.refCount == 0 {
		c.evictList = append(c.evictList, f.pageNumber)
	}
}

// add inserts a brand new, already-pinned frame into the cache, evicting an
// unpinned frame first if the cache is at capacity. onEvict is called on
// every victim frame before it is dropped; it is the caller's hook to flush
// a dirty frame through the main file the same way Commit does (per the
// cache eviction protocol, spec.md §4.2.2/§4.2.3) and to return its buffer
// to the configured allocator.
func (c *frameCache) add(f *frame, onEvict func(*frame) error) error {
	for c.maxSize > 0 && len(c.frames) >= c.maxSize {
		evicted, err := c.evictOne(onEvict)
		if err != nil {
			return err
		}
		if !evicted {
			break
		}
	}
	c.frames[f.pageNumber] = f
	return nil
}

// evictOne drops the least recently used unpinned frame, running onEvict on
// it first. If every frame is pinned there is nothing safe to evict and the
// cache is allowed to grow past maxSize rather than corrupt a referenced
// page; evicted reports false in that case.
func (c *frameCache) evictOne(onEvict func(*frame) error) (evicted bool, err error) {
	for len(c.evictList) > 0 {
		victim := c.evictList[0]
		c.evictList = c.evictList[1:]
		f, ok := c.frames[victim]
		if !ok {
			continue
		}
		if f.refCount > 0 {
			continue
		}
		if onEvict != nil {
			if err := onEvict(f); err != nil {
				return false, err
			}
		}
		delete(c.frames, victim)
		return true, nil
	}
	return false, nil
}

func (c *frameCache) remove(pageNumber uint32) {
	delete(c.frames, pageNumber)
	c.removeFromEvictList(pageNumber)
}

func (c *frameCache) removeFromEvictList(pageNumber uint32) {
	for i, n := range c.evictList {
		if n == pageNumber {
			c.evictList = append(c.evictList[:i], c.evictList[i+1:]...)
			return
		}
	}
}

func (c *frameCache) markUnpinnedEvictable(pageNumber uint32) {
	if f, ok := c.frames[pageNumber]; ok && f.refCount == 0 {
		c.evictList = append(c.evictList, pageNumber)
	}
}
