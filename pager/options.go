package pager

import (
	"time"

	"storagecore/alloc"
)

// TextEncoding records how text columns were encoded when the file was
// created; it is fixed for the life of the file (spec.md §6.4).
type TextEncoding uint8

const (
	TextUTF8 TextEncoding = iota
	TextUTF16LE
)

// SyncMode controls how aggressively the pager fsyncs during commit.
// SyncNone skips intermediate fsyncs entirely (fastest, least durable);
// SyncNormal fsyncs the journal before the main-file write and the main
// file before deleting the journal; SyncFull additionally fsyncs between
// every dirty-page write.
type SyncMode uint8

const (
	SyncNone SyncMode = iota
	SyncNormal
	SyncFull
)

// TempStore selects where temporary B-trees (outside this package's scope)
// are asked to live; the pager only threads the choice through so a caller
// building on top of this package can honor it.
type TempStore uint8

const (
	TempFile TempStore = iota
	TempMemory
)

// Logger is the minimal logging contract the pager accepts. It never
// depends on a concrete logging library directly — callers plug in
// whichever one of the pack's loggers they already use.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Codec is an optional page-level transform hook applied at the boundary
// between the pager and the OS file adapter (spec.md §9 "Codec"). The
// pager makes no cryptographic decisions; it just calls these if present.
type Codec struct {
	Encode func(page []byte, pageNumber uint32) []byte
	Decode func(page []byte, pageNumber uint32) []byte
}

// Options configures a Pager. The zero value is usable: it is filled out
// with defaults by applyDefaults.
type Options struct {
	CacheSize    int // frames; 0 means DefaultCacheSize
	PageSize     int // bytes, power of two, >= 512; 0 means DefaultPageSize
	MaxPages     int // sizes the bitvec tracking journalled pages per txn
	BusyTimeout  time.Duration
	TextEncoding TextEncoding
	SyncMode     SyncMode
	TempStore    TempStore
	Logger       Logger
	Codec        *Codec

	// Allocator backs every page-buffer allocation the pager makes
	// explicit (spec.md §4.5). Defaults to alloc.Default{}, a thin wrapper
	// over make([]byte, n); inject alloc.Buddy to route page buffers
	// through a fixed arena instead.
	Allocator alloc.Allocator
}

const (
	DefaultCacheSize = 1000
	DefaultPageSize  = 4096
	DefaultMaxPages  = 1 << 20
	minPageSize      = 512
)

func (o Options) applyDefaults() Options {
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize < minPageSize {
		o.PageSize = minPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Allocator == nil {
		o.Allocator = alloc.Default{}
	}
	return o
}
