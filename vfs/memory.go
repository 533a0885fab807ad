package vfs

import (
	"sync"

	"github.com/dsnet/golib/memfile"

	"storagecore/dberr"
	"storagecore/syncutil"
)

// memoryBackend is the temp-store / in-memory File implementation
// (spec.md §6.4 "temp store": {file, memory}). It is backed by
// github.com/dsnet/golib/memfile's byte-slice-backed ReaderAt/WriterAt,
// replacing the teacher's hand-rolled memoryStorage growth-by-append loop.
//
// Since there is no OS file behind it, locking is purely in-process: useful
// for exercising the pager's lock-level transitions in tests without a real
// file, and for the temp-store case where no other connection could ever
// contend for the file anyway.
type memoryBackend struct {
	buf []byte
	mf  *memfile.File

	mu    sync.Mutex
	level LockLevel
}

// NewMemory returns an in-memory File backend.
func NewMemory() File {
	b := &memoryBackend{}
	b.mf = memfile.New(&b.buf)
	return b
}

func (m *memoryBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := m.mf.ReadAt(p, off)
	if err != nil {
		return n, dberr.WrapIO(dberr.IoRead, "memory read", err)
	}
	return n, nil
}

func (m *memoryBackend) WriteAt(p []byte, off int64) (int, error) {
	n, err := m.mf.WriteAt(p, off)
	if err != nil {
		return n, dberr.WrapIO(dberr.IoWrite, "memory write", err)
	}
	return n, nil
}

func (m *memoryBackend) Sync() error { return nil }

func (m *memoryBackend) Truncate(size int64) error {
	if int64(len(m.buf)) <= size {
		m.buf = append(m.buf, make([]byte, size-int64(len(m.buf)))...)
		return nil
	}
	m.buf = m.buf[:size]
	return nil
}

func (m *memoryBackend) Size() (int64, error) {
	return int64(len(m.buf)), nil
}

func (m *memoryBackend) Close() error { return nil }

func (m *memoryBackend) SectorSize() int { return 512 }

func (m *memoryBackend) DeviceCharacteristics() DeviceCharacteristic {
	return AtomicWrite | Atomic512
}

func (m *memoryBackend) Lock(level LockLevel) error {
	syncutil.With(&m.mu, func() {
		if level > m.level {
			m.level = level
		}
	})
	return nil
}

func (m *memoryBackend) Downgrade(level LockLevel) error {
	syncutil.With(&m.mu, func() {
		if level < m.level {
			m.level = level
		}
	})
	return nil
}

func (m *memoryBackend) Unlock() error {
	syncutil.With(&m.mu, func() {
		m.level = Unlocked
	})
	return nil
}

func (m *memoryBackend) CheckReservedLock() (bool, error) {
	var held bool
	syncutil.With(&m.mu, func() {
		held = m.level >= Reserved
	})
	return held, nil
}
