package bitvec

import (
	"math/rand"
	"testing"
)

func TestFlatRepresentationSmallN(t *testing.T) {
	bv := New(100)
	if bv.kind != repFlat {
		t.Fatalf("expected flat representation for small N")
	}
	if err := bv.Set(5); err != nil {
		t.Fatal(err)
	}
	if !bv.Test(5) {
		t.Error("expected 5 to be set")
	}
	if bv.Test(6) {
		t.Error("expected 6 to be unset")
	}
	bv.Clear(5)
	if bv.Test(5) {
		t.Error("expected 5 to be cleared")
	}
}

func TestSetIdempotentClearNoop(t *testing.T) {
	bv := New(32)
	bv.Set(1)
	bv.Set(1)
	if !bv.Test(1) {
		t.Fatal("expected 1 set")
	}
	bv.Clear(2) // no-op, 2 was never set
	if bv.Test(2) {
		t.Error("expected 2 to remain unset")
	}
}

func TestSetDoesNotAffectOtherMembers(t *testing.T) {
	bv := New(1000)
	for _, i := range []uint32{1, 2, 4, 5} {
		before := bv.Test(i)
		bv.Set(3)
		after := bv.Test(i)
		if before != after {
			t.Errorf("Set(3) changed membership of %d: before=%v after=%v", i, before, after)
		}
	}
}

// TestSparseToDenseTransition is the concrete scenario from spec.md §8.
func TestSparseToDenseTransition(t *testing.T) {
	const n = 1_000_000
	bv := New(n)
	if bv.kind == repFlat {
		t.Fatal("expected non-flat representation for N=1,000,000")
	}

	sparse := make(map[uint32]bool)
	for i := uint32(3); i <= 99; i += 4 {
		bv.Set(i)
		sparse[i] = true
	}
	for _, i := range []uint32{3, 7, 11, 99} {
		if !bv.Test(i) {
			t.Errorf("expected %d to be set", i)
		}
	}
	for _, i := range []uint32{1, 2, 4, 5} {
		if bv.Test(i) {
			t.Errorf("expected %d to be unset", i)
		}
	}

	for i := uint32(1); i <= 10000; i++ {
		bv.Set(i)
	}
	if bv.kind != repFanOut {
		t.Fatalf("expected fan-out representation after dense load, got %v", bv.kind)
	}

	rng := rand.New(rand.NewSource(1))
	for sample := 0; sample < 1000; sample++ {
		i := uint32(rng.Intn(n) + 1)
		want := i <= 10000 || sparse[i]
		if got := bv.Test(i); got != want {
			t.Errorf("Test(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestHashRepresentationMediumLoad(t *testing.T) {
	bv := New(100000)
	if bv.kind != repHash {
		t.Fatalf("expected hash representation for medium N, got %v", bv.kind)
	}
	members := []uint32{1, 37, 74, 1000, 50000, 99999}
	for _, m := range members {
		bv.Set(m)
	}
	for _, m := range members {
		if !bv.Test(m) {
			t.Errorf("expected %d set", m)
		}
	}
	bv.Clear(74)
	if bv.Test(74) {
		t.Error("expected 74 cleared")
	}
	for _, m := range []uint32{1, 37, 1000, 50000, 99999} {
		if !bv.Test(m) {
			t.Errorf("expected %d to remain set after clearing 74", m)
		}
	}
}

func TestHashRepresentationOverflowConvertsToFanOut(t *testing.T) {
	bv := New(100000)
	for i := uint32(1); i <= hashLoadLimit+5; i++ {
		bv.Set(i * 7)
	}
	if bv.kind != repFanOut {
		t.Fatalf("expected conversion to fan-out once hash load exceeded, got %v", bv.kind)
	}
	for i := uint32(1); i <= hashLoadLimit+5; i++ {
		if !bv.Test(i * 7) {
			t.Errorf("expected %d set after conversion", i*7)
		}
	}
}

func TestOutOfRangeIndexPanics(t *testing.T) {
	bv := New(10)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for i == 0")
		}
	}()
	bv.Set(0)
}
