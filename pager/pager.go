// Package pager implements the reference-counted page cache and
// write-ahead journal described by the storage core: pages are served from
// an LRU cache of frames backed by a vfs.File, writes are journalled before
// they are ever flushed to the main file, and commit/rollback move the
// pager through an explicit lock state machine so a crash at any point
// leaves either the pre- or the post-transaction state, never a mixture.
//
// This generalizes the teacher's pager.go (single global cache size, no
// refcounts, no journal checksum chain) into the full contract: refcounted
// frames, a Bitvec-tracked per-transaction journalled-page set, and
// recovery on open.
package pager

import (
	"crypto/rand"
	"encoding/binary"
	"sort"

	"storagecore/bitvec"
	"storagecore/dberr"
	"storagecore/vfs"
)

// HeaderPageNumber is the reserved page carrying the file header.
const HeaderPageNumber uint32 = 1

// Pager binds a cache, a journal, and a file into one transactional store.
type Pager struct {
	opts     Options
	pageSize int

	main    vfs.File
	journal vfs.File

	cache      *frameCache
	pageCount  uint32
	lockLevel  vfs.LockLevel
	isWriting  bool
	writable   bool // false after an I/O error, until the next successful begin
	dirtyOrder []uint32
	journalled *bitvec.Bitvec
	journalSeed uint32
	truncateTo  int64 // -1 when no pending truncate this transaction

	header fileHeader
}

// Open opens (creating if necessary) the database file at path and its
// sibling journal, replaying any journal left behind by an unclean
// shutdown before returning.
func Open(path string, opts Options) (*Pager, error) {
	opts = opts.applyDefaults()
	busy := vfs.SleepRetry(10_000_000, opts.BusyTimeout) // 10ms poll interval
	main, err := vfs.Open(path, busy)
	if err != nil {
		return nil, dberr.Wrap(dberr.CantOpen, "pager: open main file", err)
	}
	journal, err := vfs.Open(path+"-journal", busy)
	if err != nil {
		return nil, dberr.Wrap(dberr.CantOpen, "pager: open journal file", err)
	}
	return newPager(main, journal, opts)
}

// OpenMemory opens an in-memory pager. There is no real journal durability
// to provide (all state disappears on process exit regardless), but the
// same code path is exercised so cache/commit semantics match the
// file-backed case exactly.
func OpenMemory(opts Options) (*Pager, error) {
	opts = opts.applyDefaults()
	return newPager(vfs.NewMemory(), vfs.NewMemory(), opts)
}

// OpenFiles opens a pager directly over caller-supplied main and journal
// files. Most callers want Open or OpenMemory; this exists for tests and
// tools that need to reopen the same underlying files (e.g. simulating a
// crash/recovery cycle against a shared in-memory file pair).
func OpenFiles(main, journal vfs.File, opts Options) (*Pager, error) {
	opts = opts.applyDefaults()
	return newPager(main, journal, opts)
}

func newPager(main, journal vfs.File, opts Options) (*Pager, error) {
	p := &Pager{
		opts:       opts,
		pageSize:   opts.PageSize,
		main:       main,
		journal:    journal,
		cache:      newFrameCache(opts.CacheSize),
		lockLevel:  vfs.Unlocked,
		writable:   true,
		truncateTo: -1,
	}
	if err := p.recover(); err != nil {
		return nil, err
	}
	if err := p.loadOrInitHeader(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) loadOrInitHeader() error {
	size, err := p.main.Size()
	if err != nil {
		return dberr.WrapIO(dberr.IoRead, "pager: stat main file", err)
	}
	if size < int64(p.pageSize) {
		p.header = fileHeader{
			magic:           headerMagic,
			pageSize:        uint16(p.pageSize),
			formatVersion:   formatVersion,
			textEncoding:    uint8(p.opts.TextEncoding),
			totalPageCount:  1,
			reservedPerPage: 0,
		}
		p.pageCount = 1
		buf, err := p.opts.Allocator.Allocate(p.pageSize)
		if err != nil {
			return dberr.Wrap(dberr.NoMem, "pager: allocate initial header buffer", err)
		}
		encodeHeader(p.header, buf)
		if _, err := p.main.WriteAt(buf, 0); err != nil {
			p.opts.Allocator.Free(buf)
			return dberr.WrapIO(dberr.IoWrite, "pager: write initial header", err)
		}
		p.opts.Allocator.Free(buf)
		return nil
	}
	buf, err := p.opts.Allocator.Allocate(p.pageSize)
	if err != nil {
		return dberr.Wrap(dberr.NoMem, "pager: allocate header buffer", err)
	}
	defer p.opts.Allocator.Free(buf)
	if _, err := p.main.ReadAt(buf, 0); err != nil {
		return dberr.WrapIO(dberr.IoRead, "pager: read header page", err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	p.header = h
	p.pageSize = int(h.pageSize)
	p.pageCount = h.totalPageCount
	return nil
}

// recover replays or discards a leftover journal per spec.md §4.2.5: a
// journal whose header is absent, truncated, or carries the wrong magic is
// treated as nothing to recover; a well-formed header triggers a full
// rollback of every validly checksummed record, in order, stopping at the
// first record that fails its checksum.
func (p *Pager) recover() error {
	size, err := p.journal.Size()
	if err != nil {
		return dberr.WrapIO(dberr.IoRead, "pager: stat journal", err)
	}
	if size == 0 {
		return nil
	}
	r := &vfsReader{f: p.journal}
	hdr, err := readJournalHeader(r)
	if err != nil {
		p.opts.Logger.Printf("pager: recover found no valid journal header, discarding")
		return p.discardJournal()
	}
	restored := 0
	for {
		rec, ok := readJournalRecord(r, hdr.randomSeed, int(hdr.pageSize))
		if !ok {
			break
		}
		off := int64(rec.pageNumber-1) * int64(hdr.pageSize)
		if _, err := p.main.WriteAt(rec.data, off); err != nil {
			return dberr.WrapIO(dberr.IoWrite, "pager: recovery restore page", err)
		}
		restored++
	}
	if err := p.main.Truncate(int64(hdr.pageCount) * int64(hdr.pageSize)); err != nil {
		return dberr.WrapIO(dberr.IoTruncate, "pager: recovery truncate", err)
	}
	if err := p.main.Sync(); err != nil {
		return dberr.WrapIO(dberr.IoFsync, "pager: recovery sync", err)
	}
	p.opts.Logger.Printf("pager: recovered %d pages from journal", restored)
	return p.discardJournal()
}

func (p *Pager) discardJournal() error {
	if err := p.journal.Truncate(0); err != nil {
		return dberr.WrapIO(dberr.IoTruncate, "pager: discard journal", err)
	}
	return nil
}

// vfsReader adapts a vfs.File into a sequential io.Reader starting at
// offset 0, used while scanning the journal during recovery.
type vfsReader struct {
	f   vfs.File
	off int64
}

func (r *vfsReader) Read(p []byte) (int, error) {
	n, err := r.f.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

// Page is a pinned, mutable view onto one cached page's bytes. Callers
// obtain one via Get, must call Write before mutating Data inside a write
// transaction, and must call Unref exactly once when finished.
type Page struct {
	Number uint32
	Data   []byte

	frame *frame
}

// Get returns the page numbered pageNumber, reading through the cache from
// disk if necessary. A page beyond the current logical page count is
// returned zero-filled; the logical count is only extended by a subsequent
// Write.
func (p *Pager) Get(pageNumber uint32) (*Page, error) {
	if pageNumber == 0 {
		return nil, dberr.New(dberr.Misuse, "pager: page 0 is reserved")
	}
	if f, ok := p.cache.get(pageNumber); ok {
		p.cache.pin(f)
		return &Page{Number: pageNumber, Data: f.data, frame: f}, nil
	}
	data, err := p.opts.Allocator.Allocate(p.pageSize)
	if err != nil {
		return nil, dberr.Wrap(dberr.NoMem, "pager: allocate page buffer", err)
	}
	if pageNumber <= p.pageCount {
		if _, err := p.main.ReadAt(data, int64(pageNumber-1)*int64(p.pageSize)); err != nil {
			return nil, dberr.WrapIO(dberr.IoRead, "pager: read page", err)
		}
		if p.opts.Codec != nil && p.opts.Codec.Decode != nil {
			data = p.opts.Codec.Decode(data, pageNumber)
		}
	}
	f := &frame{pageNumber: pageNumber, data: data}
	if err := p.cache.add(f, p.evictFrame); err != nil {
		return nil, err
	}
	p.cache.pin(f)
	return &Page{Number: pageNumber, Data: f.data, frame: f}, nil
}

// evictFrame runs whenever the cache drops a frame to make room for a new
// one. A dirty victim is flushed to the main file first, exactly as Commit
// would, so a page picked for eviction mid-transaction is never silently
// lost (spec.md §4.2.2); its buffer is then handed back to the allocator.
func (p *Pager) evictFrame(f *frame) error {
	if f.dirty {
		if err := p.flushDirtyFrame(f); err != nil {
			return err
		}
	}
	p.opts.Allocator.Free(f.data)
	return nil
}

// flushDirtyFrame writes one dirty frame's bytes out to the main file. Its
// journal record is already written by the time a frame can go dirty (see
// Write), so all that is left before flushing out-of-band at eviction is
// fsyncing the journal and making sure no reader could observe a half
// committed page, which requires the same Exclusive lock Commit takes.
func (p *Pager) flushDirtyFrame(f *frame) error {
	if p.opts.SyncMode != SyncNone {
		if err := p.journal.Sync(); err != nil {
			return p.ioFail(dberr.IoFsync, "pager: fsync journal before eviction flush", err)
		}
	}
	if p.lockLevel < vfs.Exclusive {
		if err := p.main.Lock(vfs.Exclusive); err != nil {
			return err
		}
		p.lockLevel = vfs.Exclusive
	}
	out := f.data
	if p.opts.Codec != nil && p.opts.Codec.Encode != nil {
		out = p.opts.Codec.Encode(out, f.pageNumber)
	}
	if _, err := p.main.WriteAt(out, int64(f.pageNumber-1)*int64(p.pageSize)); err != nil {
		return p.ioFail(dberr.IoWrite, "pager: flush evicted page", err)
	}
	if p.opts.SyncMode == SyncFull {
		if err := p.main.Sync(); err != nil {
			return p.ioFail(dberr.IoFsync, "pager: fsync evicted page", err)
		}
	}
	f.dirty = false
	p.opts.Logger.Printf("pager: evicted dirty page %d, flushed to main file", f.pageNumber)
	return nil
}

// Unref releases a reference obtained via Get. Once the last reference on a
// page is released it becomes eligible for eviction.
func (p *Pager) Unref(page *Page) {
	if page == nil {
		return
	}
	p.cache.unpin(page.frame)
}

// Write must be called on a page before its Data is mutated, while a write
// transaction is open. The first Write against a page in a transaction
// snapshots its current (pre-mutation) bytes into the journal so the
// transaction can be rolled back; subsequent writes to the same page in the
// same transaction are free.
func (p *Pager) Write(page *Page) error {
	if !p.isWriting {
		return dberr.New(dberr.Misuse, "pager: write outside a transaction")
	}
	if !p.writable {
		return dberr.New(dberr.IoErr, "pager: pager is not writable after a prior I/O error")
	}
	f := page.frame
	if !f.dirty {
		if !p.journalled.Test(uint32OrOne(f.pageNumber)) {
			if err := writeJournalRecord(p.journalWriter(), p.journalSeed, f.pageNumber, f.data); err != nil {
				return p.ioFail(dberr.IoWrite, "pager: append journal record", err)
			}
			if f.pageNumber <= uint32(p.opts.MaxPages) {
				if err := p.journalled.Set(f.pageNumber); err != nil {
					return dberr.Wrap(dberr.NoMem, "pager: journalled bitvec", err)
				}
			}
		}
		f.dirty = true
		p.dirtyOrder = append(p.dirtyOrder, f.pageNumber)
	}
	if f.pageNumber > p.pageCount {
		p.pageCount = f.pageNumber
	}
	return nil
}

// uint32OrOne guards against page 0, which the Bitvec never accepts; the
// pager never hands out page 0 so this is purely defensive.
func uint32OrOne(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}

// journalWriter returns a sequential writer appending to the journal file
// right after its current logical end (header plus whatever records have
// already been appended this transaction).
func (p *Pager) journalWriter() *vfsWriter {
	size, _ := p.journal.Size()
	return &vfsWriter{f: p.journal, off: size}
}

type vfsWriter struct {
	f   vfs.File
	off int64
}

func (w *vfsWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// Begin starts a transaction. Read transactions only require a Shared
// lock; write transactions acquire Reserved, create the journal, and reset
// the per-transaction journalled-page bitvec.
func (p *Pager) Begin(write bool) error {
	if !write {
		if err := p.main.Lock(vfs.Shared); err != nil {
			return err
		}
		p.lockLevel = vfs.Shared
		return nil
	}
	if err := p.main.Lock(vfs.Reserved); err != nil {
		return err
	}
	p.lockLevel = vfs.Reserved
	seed, err := randomSeed()
	if err != nil {
		return dberr.Wrap(dberr.IoErr, "pager: generate journal seed", err)
	}
	p.journalSeed = seed
	if err := p.journal.Truncate(0); err != nil {
		return dberr.WrapIO(dberr.IoTruncate, "pager: reset journal", err)
	}
	hdr := journalHeader{
		magic:      journalMagic,
		pageCount:  p.pageCount,
		pageSize:   uint32(p.pageSize),
		randomSeed: seed,
		sectorSize: uint32(p.main.SectorSize()),
	}
	if err := writeJournalHeader(&vfsWriter{f: p.journal}, hdr); err != nil {
		return dberr.WrapIO(dberr.IoWrite, "pager: write journal header", err)
	}
	p.journalled = bitvec.New(uint32(p.opts.MaxPages))
	p.dirtyOrder = nil
	p.truncateTo = -1
	p.isWriting = true
	p.writable = true
	p.opts.Logger.Printf("pager: begin write transaction, journal seed %d", seed)
	return nil
}

func randomSeed() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Truncate schedules the file to be shrunk to n pages at the next commit.
// Pages being discarded are journalled first so the truncate itself can be
// rolled back.
func (p *Pager) Truncate(n uint32) error {
	if !p.isWriting {
		return dberr.New(dberr.Misuse, "pager: truncate outside a transaction")
	}
	for pgno := n + 1; pgno <= p.pageCount; pgno++ {
		page, err := p.Get(pgno)
		if err != nil {
			return err
		}
		if err := p.Write(page); err != nil {
			p.Unref(page)
			return err
		}
		p.Unref(page)
		if f, ok := p.cache.get(pgno); ok {
			p.opts.Allocator.Free(f.data)
		}
		p.cache.remove(pgno)
	}
	p.truncateTo = int64(n) * int64(p.pageSize)
	p.pageCount = n
	return nil
}

// PageCount returns the current logical page count.
func (p *Pager) PageCount() uint32 {
	return p.pageCount
}

// PageSize returns the page size this file was created with.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// SetSchemaCookie bumps the schema cookie stored on the header page; other
// connections detect the change on their next read of page 1 (spec.md §5).
func (p *Pager) SetSchemaCookie(v uint32) {
	p.header.schemaCookie = v
}

func (p *Pager) SchemaCookie() uint32 {
	return p.header.schemaCookie
}

// SetFreeListTrunk records the page number of the head of the free-list
// trunk chain, persisted on the header page at the next syncHeaderPage.
func (p *Pager) SetFreeListTrunk(v uint32) {
	p.header.freeListTrunk = v
}

// FreeListTrunk returns the current free-list trunk head, or 0 if the file
// has no free pages to reuse.
func (p *Pager) FreeListTrunk() uint32 {
	return p.header.freeListTrunk
}

// Commit flushes every dirty frame to the main file in page-number order,
// fsyncing the journal first and the main file afterward, then discards the
// journal and returns the lock to Shared.
func (p *Pager) Commit() error {
	if !p.isWriting {
		return nil
	}
	if err := p.syncHeaderPage(); err != nil {
		return err
	}
	if p.opts.SyncMode != SyncNone {
		if err := p.journal.Sync(); err != nil {
			return p.ioFail(dberr.IoFsync, "pager: fsync journal", err)
		}
	}
	if err := p.main.Lock(vfs.Exclusive); err != nil {
		return err
	}
	p.lockLevel = vfs.Exclusive

	order := dedupUint32(p.dirtyOrder)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, pgno := range order {
		f, ok := p.cache.get(pgno)
		if !ok || !f.dirty {
			continue
		}
		out := f.data
		if p.opts.Codec != nil && p.opts.Codec.Encode != nil {
			out = p.opts.Codec.Encode(out, pgno)
		}
		if _, err := p.main.WriteAt(out, int64(pgno-1)*int64(p.pageSize)); err != nil {
			return p.ioFail(dberr.IoWrite, "pager: flush dirty page", err)
		}
		f.dirty = false
		if p.opts.SyncMode == SyncFull {
			if err := p.main.Sync(); err != nil {
				return p.ioFail(dberr.IoFsync, "pager: fsync dirty page", err)
			}
		}
	}
	if p.truncateTo >= 0 {
		if err := p.main.Truncate(p.truncateTo); err != nil {
			return p.ioFail(dberr.IoTruncate, "pager: commit truncate", err)
		}
	}
	if p.opts.SyncMode != SyncNone {
		if err := p.main.Sync(); err != nil {
			return p.ioFail(dberr.IoFsync, "pager: fsync main file", err)
		}
	}
	if err := p.discardJournal(); err != nil {
		return err
	}
	p.opts.Logger.Printf("pager: commit flushed %d dirty pages", len(order))
	p.dirtyOrder = nil
	p.journalled = nil
	p.isWriting = false
	p.truncateTo = -1
	if err := p.main.Downgrade(vfs.Shared); err != nil {
		return err
	}
	p.lockLevel = vfs.Shared
	return nil
}

func (p *Pager) syncHeaderPage() error {
	page, err := p.Get(HeaderPageNumber)
	if err != nil {
		return err
	}
	defer p.Unref(page)
	if err := p.Write(page); err != nil {
		return err
	}
	p.header.totalPageCount = p.pageCount
	encodeHeader(p.header, page.Data)
	return nil
}

// Rollback restores every journalled page's pre-image, discards in-memory
// dirty copies, truncates the file back to the journal header's recorded
// page count if it differs, and returns the lock to Shared.
func (p *Pager) Rollback() error {
	if !p.isWriting {
		return nil
	}
	r := &vfsReader{f: p.journal}
	hdr, err := readJournalHeader(r)
	if err == nil {
		for {
			rec, ok := readJournalRecord(r, hdr.randomSeed, int(hdr.pageSize))
			if !ok {
				break
			}
			if _, err := p.main.WriteAt(rec.data, int64(rec.pageNumber-1)*int64(hdr.pageSize)); err != nil {
				return p.ioFail(dberr.IoWrite, "pager: rollback restore page", err)
			}
			if f, ok := p.cache.get(rec.pageNumber); ok {
				copy(f.data, rec.data)
				f.dirty = false
			}
		}
		if hdr.pageCount != p.pageCount {
			if err := p.main.Truncate(int64(hdr.pageCount) * int64(hdr.pageSize)); err != nil {
				return dberr.WrapIO(dberr.IoTruncate, "pager: rollback truncate", err)
			}
			p.pageCount = hdr.pageCount
		}
	}
	for _, pgno := range p.dirtyOrder {
		if f, ok := p.cache.get(pgno); ok {
			f.dirty = false
		}
	}
	if err := p.discardJournal(); err != nil {
		return err
	}
	p.opts.Logger.Printf("pager: rollback restored %d journalled pages", len(p.dirtyOrder))
	p.dirtyOrder = nil
	p.journalled = nil
	p.isWriting = false
	p.truncateTo = -1
	p.writable = true
	if p.lockLevel == vfs.Exclusive {
		if err := p.main.Downgrade(vfs.Shared); err != nil {
			return err
		}
	}
	p.lockLevel = vfs.Shared
	return nil
}

// EndRead releases the Shared lock acquired by a read-only Begin.
func (p *Pager) EndRead() {
	if p.lockLevel == vfs.Shared && !p.isWriting {
		p.main.Unlock()
		p.lockLevel = vfs.Unlocked
	}
}

// Close releases the pager's file handles. Every outstanding reference
// must already have been unreffed, mirroring spec.md §8 property 4.
func (p *Pager) Close() error {
	for _, f := range p.cache.frames {
		if f.refCount != 0 {
			return dberr.New(dberr.Misuse, "pager: close with outstanding page references")
		}
	}
	if err := p.main.Close(); err != nil {
		return dberr.Wrap(dberr.IoErr, "pager: close main file", err)
	}
	if err := p.journal.Close(); err != nil {
		return dberr.Wrap(dberr.IoErr, "pager: close journal file", err)
	}
	return nil
}

// ioFail marks the pager non-writable, logs the failure, and wraps err as
// an IoErr with the given subkind. Write's journal append, Commit's
// fsyncs/flushes/truncate, Rollback's page restore and the eviction flush
// go through here; other I/O errors are returned without it.
func (p *Pager) ioFail(kind dberr.IoSubKind, msg string, err error) error {
	p.writable = false
	p.opts.Logger.Printf("pager: i/o error, %s: %v", msg, err)
	return dberr.WrapIO(kind, msg, err)
}

func dedupUint32(in []uint32) []uint32 {
	seen := make(map[uint32]bool, len(in))
	out := make([]uint32, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
