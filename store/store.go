// Package store is a small document store with pluggable backends.
//
// Documents are JSON objects addressed by collection and ID. Queries are
// predicate trees over dotted field paths, so the same query runs unchanged
// against the in-memory backend (tests, ephemeral tooling) and the SQLite
// backend (durable deployments). Values follow JSON semantics throughout:
// numbers compare numerically, strings bytewise, and a missing field is
// indistinguishable from an explicit null.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Doc is one decoded JSON document. By convention a document also carries
// its own ID under the "id" key.
type Doc = map[string]any

var (
	// ErrNotFound is returned when no document matches.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when an insert violates the primary key or a
	// unique index.
	ErrDuplicate = errors.New("duplicate document")
	// ErrConflict is returned when a guarded replace finds the document but
	// its guard predicate no longer holds.
	ErrConflict = errors.New("document changed concurrently")
)

// Index describes a secondary index over one document field.
type Index struct {
	Name   string
	Field  string
	Unique bool
}

// Sort orders query results by one dotted field path.
type Sort struct {
	Field string
	Desc  bool
}

// Query selects documents of a collection. A nil Where matches everything.
type Query struct {
	Where  Predicate
	Sort   []Sort
	Limit  int
	Offset int
}

// Collection is a named set of documents.
//
// All mutations are atomic with respect to each other. FindOneAndUpdate is
// the claim primitive: it locates the first match under the given order and
// applies the set in the same critical section, so two concurrent claimers
// never obtain the same document.
type Collection interface {
	// Get returns the document with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Doc, error)

	// Insert stores a new document, or returns ErrDuplicate.
	Insert(ctx context.Context, id string, doc Doc) error

	// Replace overwrites an existing document, or returns ErrNotFound.
	Replace(ctx context.Context, id string, doc Doc) error

	// ReplaceWhere overwrites the document only while guard still matches
	// it. It returns ErrNotFound if the ID is absent and ErrConflict if the
	// document exists but fails the guard.
	ReplaceWhere(ctx context.Context, id string, guard Predicate, doc Doc) error

	// Update sets dotted fields of an existing document, or returns
	// ErrNotFound.
	Update(ctx context.Context, id string, set map[string]any) error

	// FindOneAndUpdate atomically claims the first document matching where,
	// under the given order, applies set, and returns the updated document.
	// It returns ErrNotFound when nothing matches.
	FindOneAndUpdate(ctx context.Context, where Predicate, order []Sort, set map[string]any) (Doc, error)

	// Delete removes a document, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// DeleteMany removes every document matching where and returns how many
	// were removed.
	DeleteMany(ctx context.Context, where Predicate) (int64, error)

	// Find returns all documents matching the query, in query order.
	Find(ctx context.Context, q Query) ([]Doc, error)

	// Count returns the number of documents matching where.
	Count(ctx context.Context, where Predicate) (int64, error)

	// Sum totals a numeric field over the documents matching where.
	// Missing and non-numeric fields contribute zero.
	Sum(ctx context.Context, field string, where Predicate) (float64, error)
}

// Store is a set of collections plus index management.
type Store interface {
	// Collection returns a handle to the named collection, creating it
	// on first use.
	Collection(name string) Collection

	// EnsureIndex creates the index if it doesn't exist. Building a unique
	// index over documents that already collide returns ErrDuplicate.
	EnsureIndex(ctx context.Context, collection string, idx Index) error

	Close() error
}

// Encode converts any JSON-marshalable value into a Doc.
func Encode(v any) (Doc, error) {
	var b, err = json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var doc Doc
	if err = json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// Decode converts a Doc back into a typed value.
func Decode(doc Doc, into any) error {
	var b, err = json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err = json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}
