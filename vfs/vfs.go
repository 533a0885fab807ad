// Package vfs is the OS File Adapter contract (spec.md §6.1): a byte
// oriented, lockable, syncable file handle that the pager mediates all durable
// storage through. Two backends are provided: a real file backend for disk
// durability and an in-memory backend for tests and temp stores (spec.md
// §6.4 "temp store").
package vfs

import (
	"io"
	"time"

	"storagecore/dberr"
)

// LockLevel is one of the four cooperative lock levels spec.md §5 requires.
// Levels are ordered; a higher level is strictly more exclusive than a lower
// one.
type LockLevel int

const (
	Unlocked LockLevel = iota
	Shared
	Reserved
	Exclusive
)

func (l LockLevel) String() string {
	switch l {
	case Unlocked:
		return "unlocked"
	case Shared:
		return "shared"
	case Reserved:
		return "reserved"
	case Exclusive:
		return "exclusive"
	}
	return "unknown"
}

// DeviceCharacteristic is an advisory flag a backend reports about the
// durability properties of its underlying storage (spec.md §6.1).
type DeviceCharacteristic uint32

const (
	AtomicWrite DeviceCharacteristic = 1 << iota
	Sequential
	SafeAppend
	Atomic512
)

// File is the contract every pager storage backend must satisfy. It is
// intentionally narrow: everything the pager needs and nothing a particular
// backend happens to offer.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Sync makes all prior writes durable on stable storage before it
	// returns success (spec.md §6.1).
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error

	// Lock blocks until level is held or returns a Busy error if the
	// backend's busy policy gives up first. Lock only ever moves forward
	// (Unlocked -> Shared -> Reserved -> Exclusive); callers wanting to
	// drop back call Unlock or Downgrade.
	Lock(level LockLevel) error
	// Downgrade moves to a less exclusive level without fully releasing.
	Downgrade(level LockLevel) error
	// Unlock releases to Unlocked.
	Unlock() error
	// CheckReservedLock reports whether some connection (possibly this
	// one) holds Reserved or above, without acquiring anything.
	CheckReservedLock() (bool, error)

	// SectorSize is the minimum unit of durable atomicity on the device
	// (spec.md §6.1); used by the pager to bound recovery risk.
	SectorSize() int
	// DeviceCharacteristics reports the backend's advisory durability
	// flags.
	DeviceCharacteristics() DeviceCharacteristic
}

// BusyCallback is invoked with the number of prior attempts when Lock would
// otherwise return Busy. It returns true to retry, false to give up (spec.md
// §4.2.6, §5 "Busy handling", §9 "Busy callback" design note).
type BusyCallback func(attempt int) bool

// SleepRetry returns a BusyCallback that sleeps a fixed interval between
// retries up to timeout, the default busy policy described in spec.md §6.4
// ("busy timeout (ms)").
func SleepRetry(interval, timeout time.Duration) BusyCallback {
	deadline := timeout
	return func(attempt int) bool {
		elapsed := time.Duration(attempt) * interval
		if elapsed >= deadline {
			return false
		}
		time.Sleep(interval)
		return true
	}
}

func busyErr(op string) error {
	return dberr.New(dberr.Busy, op)
}
