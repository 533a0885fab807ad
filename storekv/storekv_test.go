package storekv

import (
	"bytes"
	"testing"

	"storagecore/pager"
	"storagecore/record"
	"storagecore/vfs"
)

func testOptions() pager.Options {
	return pager.Options{PageSize: 512, CacheSize: 64, MaxPages: 1 << 16}
}

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func encKey(t *testing.T, v string) []byte {
	t.Helper()
	k, err := record.Encode([]record.Value{record.Text(v)})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestCreateTableRegistersInCatalog(t *testing.T) {
	s := mustOpen(t)
	if err := s.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable("widgets", []string{"id", "name"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	tbl, ok := s.Table("widgets")
	if !ok {
		t.Fatal("expected table to be registered")
	}
	if got := tbl.Columns(); len(got) != 2 || got[0] != "id" || got[1] != "name" {
		t.Fatalf("unexpected columns: %v", got)
	}
}

func TestCreateDuplicateTableFails(t *testing.T) {
	s := mustOpen(t)
	if err := s.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable("widgets", []string{"id"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable("widgets", []string{"id"}); err == nil {
		t.Fatal("expected duplicate table creation to fail")
	}
	s.Commit()
}

func TestTableGetSetDelete(t *testing.T) {
	s := mustOpen(t)
	if err := s.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable("widgets", []string{"id", "name"}); err != nil {
		t.Fatal(err)
	}
	tbl, _ := s.Table("widgets")
	k := encKey(t, "w1")
	if err := tbl.Set(k, []byte("first widget")); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := s.BeginRead(); err != nil {
		t.Fatal(err)
	}
	got, ok, err := tbl.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(got, []byte("first widget")) {
		t.Fatalf("unexpected get result: %q ok=%v", got, ok)
	}
	s.EndRead()

	if err := s.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	found, err := tbl.Delete(k)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected delete to report found")
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := s.BeginRead(); err != nil {
		t.Fatal(err)
	}
	_, ok, err = tbl.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be gone after delete")
	}
	s.EndRead()
}

func TestSchemaVersionChangesOnCreateTable(t *testing.T) {
	s := mustOpen(t)
	before := s.Version()
	if err := s.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable("widgets", []string{"id"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	if s.Version() == before {
		t.Fatal("expected schema version to change after CreateTable")
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	main, journal := vfs.NewMemory(), vfs.NewMemory()
	openPair := func() (*Store, error) {
		p, err := pager.OpenFiles(main, journal, testOptions())
		if err != nil {
			return nil, err
		}
		return newStore(p)
	}

	s1, err := openPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	if err := s1.CreateTable("widgets", []string{"id", "name"}); err != nil {
		t.Fatal(err)
	}
	tbl, _ := s1.Table("widgets")
	if err := tbl.Set(encKey(t, "w1"), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s1.Commit(); err != nil {
		t.Fatal(err)
	}

	s2, err := openPair()
	if err != nil {
		t.Fatal(err)
	}
	tbl2, ok := s2.Table("widgets")
	if !ok {
		t.Fatal("expected table to survive reopen via catalog reload")
	}
	if err := s2.BeginRead(); err != nil {
		t.Fatal(err)
	}
	got, ok, err := tbl2.Get(encKey(t, "w1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("unexpected reopen get result: %q ok=%v", got, ok)
	}
	s2.EndRead()
}
