package storekv

import (
	"encoding/json"
	"slices"
	"sync"

	"storagecore/dberr"
	"storagecore/record"
	"storagecore/syncutil"
)

// Object is one row of the schema catalog: a table or index and the root
// page of its tree. Mirrors the teacher's kv.object, generalized to carry
// its columns directly rather than a separately-parsed JSON blob.
type Object struct {
	Kind           string // "table" or "index"
	Name           string
	TableName      string
	RootPageNumber uint32
	Columns        []string
}

type objectWire struct {
	Kind           string   `json:"kind"`
	Name           string   `json:"name"`
	TableName      string   `json:"table_name"`
	RootPageNumber uint32   `json:"root_page"`
	Columns        []string `json:"columns"`
}

func encodeObject(o Object) ([]byte, error) {
	j, err := json.Marshal(objectWire{
		Kind:           o.Kind,
		Name:           o.Name,
		TableName:      o.TableName,
		RootPageNumber: o.RootPageNumber,
		Columns:        o.Columns,
	})
	if err != nil {
		return nil, dberr.Wrap(dberr.Corrupt, "storekv: encode catalog row", err)
	}
	return record.Encode([]record.Value{record.Text(string(j))})
}

func decodeObject(raw []byte) (Object, error) {
	values, err := record.Decode(raw)
	if err != nil {
		return Object{}, err
	}
	if len(values) != 1 {
		return Object{}, dberr.New(dberr.Corrupt, "storekv: malformed catalog row")
	}
	var w objectWire
	if err := json.Unmarshal(values[0].Bytes, &w); err != nil {
		return Object{}, dberr.Wrap(dberr.Corrupt, "storekv: decode catalog row", err)
	}
	return Object{
		Kind:           w.Kind,
		Name:           w.Name,
		TableName:      w.TableName,
		RootPageNumber: w.RootPageNumber,
		Columns:        w.Columns,
	}, nil
}

// Catalog is the in-memory cache of every table/index object, plus a
// version token bumped on every schema change so a caller holding a
// cached query plan can detect staleness (spec.md §5 "schema cookie"),
// the same role the teacher's catalog.version plays for its planner.
type Catalog struct {
	mu      sync.RWMutex
	objects []Object
	version string
}

func newCatalog() *Catalog {
	c := &Catalog{}
	c.bumpVersion()
	return c
}

func (c *Catalog) setObjects(objs []Object) {
	syncutil.With(&c.mu, func() {
		c.objects = objs
		c.bumpVersion()
	})
}

func (c *Catalog) addObject(o Object) {
	syncutil.With(&c.mu, func() {
		c.objects = append(c.objects, o)
		c.bumpVersion()
	})
}

func (c *Catalog) bumpVersion() {
	c.version = newVersionToken()
}

// Version returns the current schema version token.
func (c *Catalog) Version() string {
	var v string
	syncutil.WithRLock(&c.mu, func() {
		v = c.version
	})
	return v
}

// Lookup returns the object registered under name.
func (c *Catalog) Lookup(name string) (Object, bool) {
	var found Object
	var ok bool
	syncutil.WithRLock(&c.mu, func() {
		for _, o := range c.objects {
			if o.Name == name {
				found, ok = o, true
				return
			}
		}
	})
	return found, ok
}

// TableExists reports whether a table object named name is registered.
func (c *Catalog) TableExists(name string) bool {
	var exists bool
	syncutil.WithRLock(&c.mu, func() {
		exists = slices.ContainsFunc(c.objects, func(o Object) bool {
			return o.Kind == "table" && o.Name == name
		})
	})
	return exists
}

// Objects returns a snapshot of every registered object.
func (c *Catalog) Objects() []Object {
	var out []Object
	syncutil.WithRLock(&c.mu, func() {
		out = append([]Object(nil), c.objects...)
	})
	return out
}
