package alloc

import "testing"

func TestDefaultAllocateZeroed(t *testing.T) {
	d := Default{}
	buf, err := d.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 16 {
		t.Fatalf("got len %d want 16", len(buf))
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("expected zeroed allocation")
		}
	}
}

func TestDefaultResizePreservesContent(t *testing.T) {
	d := Default{}
	buf, _ := d.Allocate(4)
	copy(buf, []byte{1, 2, 3, 4})
	grown, err := d.Resize(buf, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(grown) != 8 {
		t.Fatalf("got len %d want 8", len(grown))
	}
	want := []byte{1, 2, 3, 4, 0, 0, 0, 0}
	for i, b := range want {
		if grown[i] != b {
			t.Errorf("byte %d: got %d want %d", i, grown[i], b)
		}
	}
}

func TestBuddyAllocateWithinArena(t *testing.T) {
	b, err := NewBuddy(Default{}, 6, 12) // 64 byte blocks up to a 4KiB arena
	if err != nil {
		t.Fatal(err)
	}
	a, err := b.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 100 {
		t.Fatalf("got len %d want 100", len(a))
	}
	c, err := b.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	if &a[0] == &c[0] {
		t.Fatal("expected distinct blocks for concurrent live allocations")
	}
}

func TestBuddyFreeThenReallocateSameSizeClassSucceeds(t *testing.T) {
	b, err := NewBuddy(Default{}, 6, 8) // 64..256 byte arena, only 4 leaf blocks
	if err != nil {
		t.Fatal(err)
	}
	blocks := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		blk, err := b.Allocate(64)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		blocks = append(blocks, blk)
	}
	if _, err := b.Allocate(64); err == nil {
		t.Fatal("expected arena exhaustion error")
	}
	b.Free(blocks[0])
	if _, err := b.Allocate(64); err != nil {
		t.Fatalf("expected reuse after free, got %v", err)
	}
}

func TestBuddyCoalescesOnFree(t *testing.T) {
	b, err := NewBuddy(Default{}, 6, 8)
	if err != nil {
		t.Fatal(err)
	}
	blocks := make([][]byte, 4)
	for i := range blocks {
		blocks[i], _ = b.Allocate(64)
	}
	for _, blk := range blocks {
		b.Free(blk)
	}
	whole, err := b.Allocate(256)
	if err != nil {
		t.Fatalf("expected full coalescence back to the top order, got %v", err)
	}
	if len(whole) != 256 {
		t.Fatalf("got len %d want 256", len(whole))
	}
}

func TestRoundupToSupportedSize(t *testing.T) {
	b, err := NewBuddy(Default{}, 6, 12)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.RoundupToSupportedSize(65); got != 128 {
		t.Errorf("got %d want 128", got)
	}
	if got := b.RoundupToSupportedSize(64); got != 64 {
		t.Errorf("got %d want 64", got)
	}
}
