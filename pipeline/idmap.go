package pipeline

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// defaultIDMapSize bounds the per-pipeline reference cache.
const defaultIDMapSize = 4096

type idKey struct {
	source   string
	et       model.EntityType
	sourceID string
}

// IDMap resolves source-native identifiers to canonical IDs. Resolutions
// are cached in an LRU; misses fall back to a canonical-zone lookup, which
// also warms the cache. Entity types sync in dependency order, so by the
// time a record's references are resolved their targets are usually
// canonical already.
type IDMap struct {
	canonical *lake.CanonicalZone
	cache     *lru.Cache[idKey, string]
}

// NewIDMap returns an IDMap over the canonical zone. size <= 0 selects the
// default capacity.
func NewIDMap(canonical *lake.CanonicalZone, size int) (*IDMap, error) {
	if size <= 0 {
		size = defaultIDMapSize
	}
	var cache, err = lru.New[idKey, string](size)
	if err != nil {
		return nil, err
	}
	return &IDMap{canonical: canonical, cache: cache}, nil
}

// Resolve returns the canonical ID carrying the (source, sourceID) pair.
// found is false when no canonical record carries it yet; err is reserved
// for store failures.
func (m *IDMap) Resolve(ctx context.Context, source string, et model.EntityType, sourceID string) (id string, found bool, err error) {
	var key = idKey{source: source, et: et, sourceID: sourceID}
	if id, ok := m.cache.Get(key); ok {
		return id, true, nil
	}

	var e model.Entity
	if e, err = m.canonical.GetBySource(ctx, et, source, sourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	id = e.Env().ID
	m.cache.Add(key, id)
	return id, true, nil
}

// Flush drops every cached resolution. Full syncs flush at batch start so
// re-created records never resolve to stale IDs.
func (m *IDMap) Flush() {
	m.cache.Purge()
}
