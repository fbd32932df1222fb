package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store backed by maps. It's the backend of tests
// and ephemeral tooling, and the behavioral reference for every other
// backend.
type Memory struct {
	mu          sync.Mutex
	collections map[string]*memCollection
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) Collection(name string) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c, ok = m.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]Doc)}
		m.collections[name] = c
	}
	return c
}

func (m *Memory) EnsureIndex(_ context.Context, collection string, idx Index) error {
	var c = m.Collection(collection).(*memCollection)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !idx.Unique {
		// Non-unique indexes don't change behavior here: every memory
		// query is a scan.
		return nil
	}
	for _, field := range c.unique {
		if field == idx.Field {
			return nil
		}
	}

	// Verify existing documents before accepting the constraint.
	var seen = make(map[string]bool, len(c.docs))
	for _, doc := range c.docs {
		var key, ok = uniqueKey(doc, idx.Field)
		if !ok {
			continue
		}
		if seen[key] {
			return ErrDuplicate
		}
		seen[key] = true
	}
	c.unique = append(c.unique, idx.Field)
	return nil
}

func (m *Memory) Close() error { return nil }

type memCollection struct {
	mu     sync.Mutex
	docs   map[string]Doc
	unique []string
}

var _ Collection = (*memCollection)(nil)

func (c *memCollection) Get(_ context.Context, id string) (Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doc, ok = c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (c *memCollection) Insert(_ context.Context, id string, doc Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; ok {
		return ErrDuplicate
	}
	doc = normalizeDoc(doc)
	if err := c.checkUnique(id, doc); err != nil {
		return err
	}
	c.docs[id] = doc
	return nil
}

func (c *memCollection) Replace(_ context.Context, id string, doc Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceLocked(id, nil, doc)
}

func (c *memCollection) ReplaceWhere(_ context.Context, id string, guard Predicate, doc Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceLocked(id, guard, doc)
}

func (c *memCollection) replaceLocked(id string, guard Predicate, doc Doc) error {
	var cur, ok = c.docs[id]
	if !ok {
		return ErrNotFound
	}
	if guard != nil && !guard.Match(cur) {
		return ErrConflict
	}
	doc = normalizeDoc(doc)
	if err := c.checkUnique(id, doc); err != nil {
		return err
	}
	c.docs[id] = doc
	return nil
}

func (c *memCollection) Update(_ context.Context, id string, set map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur, ok = c.docs[id]
	if !ok {
		return ErrNotFound
	}
	var doc = copyDoc(cur)
	applySet(doc, set)
	if err := c.checkUnique(id, doc); err != nil {
		return err
	}
	c.docs[id] = doc
	return nil
}

func (c *memCollection) FindOneAndUpdate(_ context.Context, where Predicate, order []Sort, set map[string]any) (Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []Doc
	for _, doc := range c.docs {
		if where == nil || where.Match(doc) {
			matches = append(matches, doc)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sortDocs(matches, withIDTiebreak(order))

	var id, _ = matches[0]["id"].(string)
	var doc = copyDoc(matches[0])
	applySet(doc, set)
	if err := c.checkUnique(id, doc); err != nil {
		return nil, err
	}
	c.docs[id] = doc
	return copyDoc(doc), nil
}

func (c *memCollection) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; !ok {
		return ErrNotFound
	}
	delete(c.docs, id)
	return nil
}

func (c *memCollection) DeleteMany(_ context.Context, where Predicate) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for id, doc := range c.docs {
		if where == nil || where.Match(doc) {
			delete(c.docs, id)
			n++
		}
	}
	return n, nil
}

func (c *memCollection) Find(_ context.Context, q Query) ([]Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Doc
	for _, doc := range c.docs {
		if q.Where == nil || q.Where.Match(doc) {
			out = append(out, copyDoc(doc))
		}
	}
	sortDocs(out, withIDTiebreak(q.Sort))
	return pageDocs(out, q.Offset, q.Limit), nil
}

// withIDTiebreak appends a final ID sort so result order is total and
// matches the SQLite backend's trailing ORDER BY id.
func withIDTiebreak(order []Sort) []Sort {
	return append(append(make([]Sort, 0, len(order)+1), order...), Sort{Field: "id"})
}

func (c *memCollection) Count(_ context.Context, where Predicate) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, doc := range c.docs {
		if where == nil || where.Match(doc) {
			n++
		}
	}
	return n, nil
}

func (c *memCollection) Sum(_ context.Context, field string, where Predicate) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total float64
	for _, doc := range c.docs {
		if where != nil && !where.Match(doc) {
			continue
		}
		if val, _ := lookupPath(doc, field); val != nil {
			if f, ok := asNumber(val); ok {
				total += f
			}
		}
	}
	return total, nil
}

// checkUnique verifies doc against every unique constraint, ignoring the
// document's own current row. Documents missing a constrained field are
// exempt, matching a partial SQL index.
func (c *memCollection) checkUnique(id string, doc Doc) error {
	for _, field := range c.unique {
		var key, ok = uniqueKey(doc, field)
		if !ok {
			continue
		}
		for otherID, other := range c.docs {
			if otherID == id {
				continue
			}
			if otherKey, has := uniqueKey(other, field); has && otherKey == key {
				return ErrDuplicate
			}
		}
	}
	return nil
}

// uniqueKey canonicalizes a document's value under a unique index.
func uniqueKey(doc Doc, field string) (string, bool) {
	var val, found = lookupPath(doc, field)
	if !found || val == nil {
		return "", false
	}
	var b, err = json.Marshal(val)
	if err != nil {
		return "", false
	}
	return string(b), true
}
