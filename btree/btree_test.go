package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"storagecore/pager"
)

func newTestTree(t *testing.T) (*pager.Pager, *Tree) {
	t.Helper()
	p, err := pager.OpenMemory(pager.Options{PageSize: 512, CacheSize: 64, MaxPages: 1 << 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	tr, err := Create(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}
	return p, tr
}

func key(n int) []byte { return []byte(fmt.Sprintf("%08d", n)) }
func val(n int) []byte { return []byte(fmt.Sprintf("value-%d", n)) }

func TestInsertGetRoundTrip(t *testing.T) {
	p, tr := newTestTree(t)
	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		if err := tr.Insert(key(i), val(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := p.Begin(false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		got, ok, err := tr.Get(key(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("key %d missing", i)
		}
		if !bytes.Equal(got, val(i)) {
			t.Fatalf("key %d: got %q want %q", i, got, val(i))
		}
	}
	p.EndRead()
}

func TestCursorOrderingOverManyKeys(t *testing.T) {
	p, tr := newTestTree(t)
	const n = 2000
	perm := rand.New(rand.NewSource(1)).Perm(n)

	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	for _, i := range perm {
		if err := tr.Insert(key(i), val(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := p.Begin(false); err != nil {
		t.Fatal(err)
	}
	c := tr.NewCursor()
	if err := c.First(); err != nil {
		t.Fatal(err)
	}
	count := 0
	for c.Valid() {
		want := key(count)
		if !bytes.Equal(c.Key(), want) {
			t.Fatalf("position %d: got key %q want %q", count, c.Key(), want)
		}
		count++
		if err := c.Next(); err != nil {
			t.Fatal(err)
		}
	}
	if count != n {
		t.Fatalf("expected %d keys in order, saw %d", n, count)
	}
	c.Close()
	p.EndRead()
}

// TestSplitMergeDeleteEveryThird exercises the scenario from the storage
// core's testable properties: insert a large key set, delete every third
// key, insert more, then verify ordering and count and confirm nothing is
// lost.
func TestSplitMergeDeleteEveryThird(t *testing.T) {
	p, tr := newTestTree(t)
	const n = 10000
	r := rand.New(rand.NewSource(42))
	perm := r.Perm(n)

	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	for _, i := range perm {
		if err := tr.Insert(key(i), val(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	live := map[int]bool{}
	for i := 0; i < n; i++ {
		live[i] = true
	}

	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i += 3 {
		found, err := tr.Delete(key(i))
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !found {
			t.Fatalf("delete %d: expected key to be present", i)
		}
		live[i] = false
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	for i := n; i < n+2000; i++ {
		if err := tr.Insert(key(i), val(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		live[i] = true
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := p.Begin(false); err != nil {
		t.Fatal(err)
	}
	c := tr.NewCursor()
	if err := c.First(); err != nil {
		t.Fatal(err)
	}
	var lastKey []byte
	seen := 0
	for c.Valid() {
		k := c.Key()
		if lastKey != nil && bytes.Compare(lastKey, k) >= 0 {
			t.Fatalf("ordering violated: %q then %q", lastKey, k)
		}
		lastKey = append([]byte(nil), k...)
		seen++
		if err := c.Next(); err != nil {
			t.Fatal(err)
		}
	}
	c.Close()

	wantCount := 0
	for i := 0; i < n+2000; i++ {
		if live[i] {
			wantCount++
		}
	}
	if seen != wantCount {
		t.Fatalf("expected %d surviving keys, cursor saw %d", wantCount, seen)
	}

	for i := 0; i < n+2000; i++ {
		_, ok, err := tr.Get(key(i))
		if err != nil {
			t.Fatal(err)
		}
		if ok != live[i] {
			t.Fatalf("key %d: presence %v, expected %v", i, ok, live[i])
		}
	}
	p.EndRead()
}

func TestDeleteMissingKeyReportsNotFound(t *testing.T) {
	p, tr := newTestTree(t)
	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	found, err := tr.Delete(key(1))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected delete of an absent key to report not-found")
	}
	p.Commit()
}

func TestOverflowPayloadRoundTrips(t *testing.T) {
	p, tr := newTestTree(t)
	big := bytes.Repeat([]byte("xyz-"), 1000)
	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(key(1), big); err != nil {
		t.Fatal(err)
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := p.Begin(false); err != nil {
		t.Fatal(err)
	}
	got, ok, err := tr.Get(key(1))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected overflowed value to be found")
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("overflow payload mismatch: got %d bytes, want %d", len(got), len(big))
	}
	p.EndRead()
}

func TestCursorInvalidationOnMutation(t *testing.T) {
	p, tr := newTestTree(t)
	if err := p.Begin(true); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if err := tr.Insert(key(i), val(i)); err != nil {
			t.Fatal(err)
		}
	}
	c := tr.NewCursor()
	if err := c.First(); err != nil {
		t.Fatal(err)
	}
	if !c.Valid() {
		t.Fatal("expected cursor to be valid after First")
	}
	c.Invalidate()
	if c.Valid() {
		t.Fatal("expected cursor to be invalid after Invalidate")
	}
	p.Commit()
}
