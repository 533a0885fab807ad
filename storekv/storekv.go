// Package storekv wires the pager, btree, record, and bitvec packages into
// the get/set/cursor surface a query layer consumes, plus a small schema
// catalog tracking table and index root pages. It mirrors the teacher's kv
// package, generalized from a 16-bit single-table root page to a catalog of
// many named trees backed by the full transactional storage core.
package storekv

import (
	"storagecore/btree"
	"storagecore/dberr"
	"storagecore/pager"
	"storagecore/record"

	"github.com/google/uuid"
)

// SchemaRootPage is the reserved root page for the catalog's own tree,
// analogous to the teacher's "cdb_schema uses page 1" convention. Page 1
// itself is reserved for the pager's own file header (spec.md §6.3), so
// the schema tree is rooted one page later.
const SchemaRootPage uint32 = 2

// Store is the top-level handle: one pager, one schema catalog, and
// whatever table/index trees the catalog currently knows about.
type Store struct {
	pager   *pager.Pager
	catalog *Catalog
}

// Open opens or creates a database file at path.
func Open(path string, opts pager.Options) (*Store, error) {
	p, err := pager.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return newStore(p)
}

// OpenMemory opens an in-memory database, useful for tests and temp tables.
func OpenMemory(opts pager.Options) (*Store, error) {
	p, err := pager.OpenMemory(opts)
	if err != nil {
		return nil, err
	}
	return newStore(p)
}

func newStore(p *pager.Pager) (*Store, error) {
	s := &Store{pager: p, catalog: newCatalog()}
	if err := s.ensureSchemaTree(); err != nil {
		p.Close()
		return nil, err
	}
	if err := s.loadCatalog(); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchemaTree formats page 2 as an empty leaf the first time a
// database file is opened; on subsequent opens the page already exists.
func (s *Store) ensureSchemaTree() error {
	if s.pager.PageCount() >= SchemaRootPage {
		return nil
	}
	if err := s.pager.Begin(true); err != nil {
		return err
	}
	if _, err := btree.Create(s.pager, record.CompareKeys); err != nil {
		s.pager.Rollback()
		return err
	}
	return s.pager.Commit()
}

// Close releases the underlying file. Fails if any page reference is still
// outstanding (spec.md's refcount-safety invariant).
func (s *Store) Close() error { return s.pager.Close() }

// BeginRead starts a read transaction.
func (s *Store) BeginRead() error { return s.pager.Begin(false) }

// EndRead ends the current read transaction.
func (s *Store) EndRead() { s.pager.EndRead() }

// BeginWrite starts a write transaction.
func (s *Store) BeginWrite() error { return s.pager.Begin(true) }

// Commit commits the current write transaction.
func (s *Store) Commit() error { return s.pager.Commit() }

// Rollback discards the current write transaction.
func (s *Store) Rollback() error { return s.pager.Rollback() }

func (s *Store) schemaTree() *btree.Tree {
	return btree.Open(s.pager, SchemaRootPage, record.CompareKeys)
}

// loadCatalog reads every object row out of the schema tree into memory,
// mirroring the teacher's ParseSchema.
func (s *Store) loadCatalog() error {
	if err := s.pager.Begin(false); err != nil {
		return err
	}
	defer s.pager.EndRead()

	if s.pager.PageCount() < SchemaRootPage {
		return nil
	}
	tree := s.schemaTree()
	c := tree.NewCursor()
	defer c.Close()
	if err := c.First(); err != nil {
		return err
	}
	var objs []Object
	for c.Valid() {
		raw, err := c.Value()
		if err != nil {
			return err
		}
		o, err := decodeObject(raw)
		if err != nil {
			return err
		}
		objs = append(objs, o)
		if err := c.Next(); err != nil {
			return err
		}
	}
	s.catalog.setObjects(objs)
	return nil
}

// CreateTable allocates a new tree and records it in the schema catalog
// under name. Must be called within an open write transaction.
func (s *Store) CreateTable(name string, columns []string) error {
	if s.catalog.TableExists(name) {
		return dberr.New(dberr.Constraint, "storekv: table already exists: "+name)
	}
	tree, err := btree.Create(s.pager, record.CompareKeys)
	if err != nil {
		return err
	}
	obj := Object{
		Kind:           "table",
		Name:           name,
		TableName:      name,
		RootPageNumber: tree.Root(),
		Columns:        append([]string(nil), columns...),
	}
	if err := s.putObjectRow(obj); err != nil {
		return err
	}
	s.catalog.addObject(obj)
	s.pager.SetSchemaCookie(s.pager.SchemaCookie() + 1)
	return nil
}

func (s *Store) putObjectRow(o Object) error {
	tree := s.schemaTree()
	key, err := record.Encode([]record.Value{record.Text(o.Name)})
	if err != nil {
		return err
	}
	val, err := encodeObject(o)
	if err != nil {
		return err
	}
	return tree.Insert(key, val)
}

// Table returns a handle on the named table's tree. ok is false if no such
// table is registered in the catalog.
func (s *Store) Table(name string) (*Table, bool) {
	o, ok := s.catalog.Lookup(name)
	if !ok {
		return nil, false
	}
	return &Table{
		store: s,
		tree:  btree.Open(s.pager, o.RootPageNumber, record.CompareKeys),
		obj:   o,
	}, true
}

// Version returns the catalog's version token, bumped on every schema
// change (spec.md §5's schema cookie, mirrored here as an opaque string the
// way the teacher's catalog.GetVersion does for query-plan invalidation).
func (s *Store) Version() string { return s.catalog.Version() }

// Table is a handle on one table's underlying tree.
type Table struct {
	store *Store
	tree  *btree.Tree
	obj   Object
}

// RootPageNumber returns the table's tree root, for persistence elsewhere
// (e.g. an index entry pointing back at its table).
func (t *Table) RootPageNumber() uint32 { return t.obj.RootPageNumber }

// Columns returns the table's column names as recorded at creation.
func (t *Table) Columns() []string { return t.obj.Columns }

// Get looks up key (already record-encoded) and returns its payload.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	return t.tree.Get(key)
}

// Set inserts or replaces the payload for key.
func (t *Table) Set(key, value []byte) error {
	return t.tree.Insert(key, value)
}

// Delete removes key, reporting whether it was present.
func (t *Table) Delete(key []byte) (bool, error) {
	return t.tree.Delete(key)
}

// NewCursor returns a cursor over the table's tree.
func (t *Table) NewCursor() *btree.Cursor {
	return t.tree.NewCursor()
}

// newVersionToken produces an opaque schema-version string. Replaces the
// teacher's hand-rolled math/rand letter generator with a real UUID.
func newVersionToken() string {
	return uuid.NewString()
}
