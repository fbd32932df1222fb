package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// mappingCollection persists operator mapping overrides.
const mappingCollection = "field_mappings"

// Registry resolves the MappingSpec for a (source, entity type) pair.
// Drivers register built-in specs at startup; a stored override with the
// same pair wins over the built-in.
type Registry struct {
	store store.Store
	nowFn func() model.Time

	mu      sync.RWMutex
	builtin map[string]*model.MappingSpec
}

// NewRegistry returns a registry persisting overrides in s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store:   s,
		nowFn:   model.Now,
		builtin: make(map[string]*model.MappingSpec),
	}
}

// RegisterBuiltin installs a driver's default spec. A later registration
// for the same pair replaces the earlier one.
func (r *Registry) RegisterBuiltin(spec *model.MappingSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("builtin mapping %s/%s: %w", spec.Source, spec.EntityType, err)
	}
	spec.ID = model.MappingID(spec.Source, spec.EntityType)
	r.mu.Lock()
	r.builtin[spec.ID] = spec
	r.mu.Unlock()
	return nil
}

// Resolve returns the stored override for (source, et) when one exists,
// else the built-in spec.
func (r *Registry) Resolve(ctx context.Context, source string, et model.EntityType) (*model.MappingSpec, error) {
	var id = model.MappingID(source, et)

	var doc, err = r.store.Collection(mappingCollection).Get(ctx, id)
	if err == nil {
		return decodeMapping(doc)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	r.mu.RLock()
	var spec = r.builtin[id]
	r.mu.RUnlock()
	if spec == nil {
		return nil, fmt.Errorf("no mapping for %s %s", source, et)
	}
	return spec, nil
}

// Put validates and stores an override, replacing any previous one for the
// same (source, entity type).
func (r *Registry) Put(ctx context.Context, spec *model.MappingSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec.ID = model.MappingID(spec.Source, spec.EntityType)

	var now = r.nowFn()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now

	var doc, err = store.Encode(spec)
	if err != nil {
		return err
	}
	var coll = r.store.Collection(mappingCollection)
	if err = coll.Replace(ctx, spec.ID, doc); errors.Is(err, store.ErrNotFound) {
		if err = coll.Insert(ctx, spec.ID, doc); errors.Is(err, store.ErrDuplicate) {
			err = coll.Replace(ctx, spec.ID, doc)
		}
	}
	return err
}

// Delete removes a stored override; resolution falls back to the built-in.
func (r *Registry) Delete(ctx context.Context, source string, et model.EntityType) error {
	return r.store.Collection(mappingCollection).Delete(ctx, model.MappingID(source, et))
}

// List returns the stored overrides, every source's when source is empty.
func (r *Registry) List(ctx context.Context, source string) ([]model.MappingSpec, error) {
	var q = store.Query{Sort: []store.Sort{{Field: "id"}}}
	if source != "" {
		q.Where = store.Eq("source", source)
	}
	var docs, err = r.store.Collection(mappingCollection).Find(ctx, q)
	if err != nil {
		return nil, err
	}
	var specs = make([]model.MappingSpec, 0, len(docs))
	for _, doc := range docs {
		var spec, err = decodeMapping(doc)
		if err != nil {
			return nil, err
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}

// Builtins returns the registered built-in specs, every source's when
// source is empty, ordered by id.
func (r *Registry) Builtins(source string) []*model.MappingSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []*model.MappingSpec
	for _, spec := range r.builtin {
		if source == "" || spec.Source == source {
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

func decodeMapping(doc store.Doc) (*model.MappingSpec, error) {
	var spec model.MappingSpec
	if err := store.Decode(doc, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
