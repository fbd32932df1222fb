package lake

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/visibility"
)

// CanonicalZone is the normalized entity store. Every record carries its
// multi-source provenance; the upsert keyed on SourceRef is the only write
// path, so every stored entity holds at least one SourceRef by
// construction.
type CanonicalZone struct {
	store store.Store
	nowFn func() model.Time
}

// upsertAttempts bounds optimistic-concurrency retries before giving up.
const upsertAttempts = 4

// NewCanonicalZone returns a zone over the given store, creating the
// per-collection indexes that back upsert and ownership queries.
func NewCanonicalZone(ctx context.Context, s store.Store) (*CanonicalZone, error) {
	for _, et := range model.AllEntityTypes {
		var name = canonicalCollection(et)
		if err := s.EnsureIndex(ctx, name, store.Index{
			Name: name + "_source_key", Field: "source_key", Unique: true,
		}); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", name, err)
		}
		if err := s.EnsureIndex(ctx, name, store.Index{
			Name: name + "_owner", Field: "owner_id",
		}); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", name, err)
		}
	}
	return &CanonicalZone{store: s, nowFn: model.Now}, nil
}

// canonicalCollection names the store collection of one entity type.
func canonicalCollection(et model.EntityType) string {
	return "canonical_" + et.Collection()
}

// UpsertResult reports one canonical write, with the pre- and post-images
// the audit trail diffs.
type UpsertResult struct {
	ID    string
	IsNew bool

	VersionBefore int64
	VersionAfter  int64

	// Before is nil for creations.
	Before store.Doc
	After  store.Doc
}

// Upsert writes an entity observed as ref, creating it on first
// observation and updating it afterwards. Matching is by the entity's ID
// when the caller carries one, and by ref otherwise. Updates copy the
// stored identity and creation metadata, merge provenance, and bump the
// version; concurrent upserts of the same ref serialize so that exactly
// one reports IsNew.
func (z *CanonicalZone) Upsert(ctx context.Context, e model.Entity, ref model.SourceRef, userID string) (*UpsertResult, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("upserting %s: %w", e.Type(), err)
	}
	var et = e.Type()
	var coll = z.store.Collection(canonicalCollection(et))

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		var existing store.Doc
		var err error

		if id := e.Env().ID; id != "" {
			if existing, err = coll.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("upserting %s %s: %w", et, id, err)
			} else if err != nil {
				return nil, err
			}
		} else if existing, err = z.findBySourceKey(ctx, et, ref); err != nil {
			return nil, err
		}

		if existing == nil {
			var res *UpsertResult
			if res, err = z.insert(ctx, coll, e, ref, userID); errors.Is(err, store.ErrDuplicate) {
				continue // another writer created it first; retry as update
			} else if err != nil {
				return nil, err
			}
			return res, nil
		}

		var res *UpsertResult
		if res, err = z.update(ctx, coll, e, ref, userID, existing); errors.Is(err, store.ErrConflict) {
			continue // stored version moved; re-read and retry
		} else if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("upserting %s %s: %w", et, ref, store.ErrConflict)
}

func (z *CanonicalZone) insert(ctx context.Context, coll store.Collection, e model.Entity, ref model.SourceRef, userID string) (*UpsertResult, error) {
	var now = z.nowFn()
	var et = e.Type()
	var env = e.Env()

	env.ID = uuid.NewString()
	env.EntityType = et
	env.Source = ref.Source
	env.SourceID = ref.SourceID
	env.SourceKey = model.SourceKey(et, ref)
	if env.ModifiedAt.IsZero() {
		env.ModifiedAt = now
	}

	var incoming = env.Sources
	env.Sources, env.SourceKeys, env.SourceNames = nil, nil, nil
	for _, s := range incoming {
		env.AddSource(et, s.Ref(), s.ModifiedAt, s.SyncedAt)
	}
	env.AddSource(et, ref, env.ModifiedAt, now)

	env.Version = 1
	env.CreatedAt, env.UpdatedAt, env.SyncedAt = now, now, now
	env.CreatedBy, env.UpdatedBy = userID, userID

	if o, ok := e.(*model.Opportunity); ok {
		o.IsClosed = o.Stage.Closed()
		o.IsWon = o.Stage == model.StageClosedWon
	}

	var doc, err = store.Encode(e)
	if err != nil {
		return nil, err
	}
	if err = coll.Insert(ctx, env.ID, doc); err != nil {
		return nil, err
	}
	return &UpsertResult{ID: env.ID, IsNew: true, VersionAfter: 1, After: doc}, nil
}

func (z *CanonicalZone) update(ctx context.Context, coll store.Collection, e model.Entity, ref model.SourceRef, userID string, existing store.Doc) (*UpsertResult, error) {
	var now = z.nowFn()
	var et = e.Type()

	var prior, err = et.New()
	if err != nil {
		return nil, err
	}
	if err = store.Decode(existing, prior); err != nil {
		return nil, fmt.Errorf("decoding existing %s: %w", et, err)
	}
	var priorEnv = prior.Env()

	var env = e.Env()
	var incoming = env.Sources
	var modifiedAt = env.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = now
	}

	// Identity, creation metadata, and the founding reference survive from
	// the stored record.
	env.ID = priorEnv.ID
	env.EntityType = et
	env.Source = priorEnv.Source
	env.SourceID = priorEnv.SourceID
	env.SourceKey = priorEnv.SourceKey
	env.CreatedAt = priorEnv.CreatedAt
	env.CreatedBy = priorEnv.CreatedBy

	// Provenance is the deduplicated union: stored entries first, then
	// whatever the caller brought, then the observing reference itself.
	env.Sources, env.SourceKeys, env.SourceNames = nil, nil, nil
	for _, s := range priorEnv.Sources {
		env.AddSource(et, s.Ref(), s.ModifiedAt, s.SyncedAt)
	}
	for _, s := range incoming {
		env.AddSource(et, s.Ref(), s.ModifiedAt, s.SyncedAt)
	}
	env.AddSource(et, ref, modifiedAt, now)

	env.ModifiedAt = maxSourceModified(env.Sources)
	env.Version = priorEnv.Version + 1
	env.UpdatedAt, env.SyncedAt = now, now
	env.UpdatedBy = userID

	carryForward(prior, e, now, userID)

	var doc store.Doc
	if doc, err = store.Encode(e); err != nil {
		return nil, err
	}
	if err = coll.ReplaceWhere(ctx, env.ID, store.Eq("version", priorEnv.Version), doc); err != nil {
		return nil, err
	}
	return &UpsertResult{
		ID:            env.ID,
		VersionBefore: priorEnv.Version,
		VersionAfter:  env.Version,
		Before:        existing,
		After:         doc,
	}, nil
}

// carryForward moves type-specific append-only state from the stored
// record onto its replacement. An opportunity keeps its stage history,
// gaining exactly one entry when this write changes the stage.
func carryForward(prior, next model.Entity, at model.Time, by string) {
	var p, okP = prior.(*model.Opportunity)
	var n, okN = next.(*model.Opportunity)
	if !okP || !okN {
		return
	}

	n.StageHistory = p.StageHistory
	if n.ActualCloseDate == nil {
		n.ActualCloseDate = p.ActualCloseDate
	}

	var target = n.Stage
	n.Stage = p.Stage
	n.SetStage(target, at, by)
}

func maxSourceModified(sources []model.SourceEntry) model.Time {
	var max model.Time
	for _, s := range sources {
		if s.ModifiedAt.After(max) {
			max = s.ModifiedAt
		}
	}
	return max
}

// findBySourceKey locates the entity carrying ref among its sources.
func (z *CanonicalZone) findBySourceKey(ctx context.Context, et model.EntityType, ref model.SourceRef) (store.Doc, error) {
	var docs, err = z.store.Collection(canonicalCollection(et)).Find(ctx, store.Query{
		Where: store.Contains("source_keys", model.SourceKey(et, ref)),
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("looking up %s %s: %w", et, ref, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// GetByID returns one entity, or store.ErrNotFound.
func (z *CanonicalZone) GetByID(ctx context.Context, et model.EntityType, id string) (model.Entity, error) {
	var doc, err = z.store.Collection(canonicalCollection(et)).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeEntity(et, doc)
}

// GetBySource returns the entity carrying (source, sourceID) among its
// references, or store.ErrNotFound.
func (z *CanonicalZone) GetBySource(ctx context.Context, et model.EntityType, source, sourceID string) (model.Entity, error) {
	var doc, err = z.findBySourceKey(ctx, et, model.SourceRef{Source: source, SourceID: sourceID})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, store.ErrNotFound
	}
	return decodeEntity(et, doc)
}

// Find returns entities matching the query.
func (z *CanonicalZone) Find(ctx context.Context, et model.EntityType, q store.Query) ([]model.Entity, error) {
	var docs, err = z.store.Collection(canonicalCollection(et)).Find(ctx, q)
	if err != nil {
		return nil, err
	}
	var out = make([]model.Entity, 0, len(docs))
	for _, doc := range docs {
		var e model.Entity
		if e, err = decodeEntity(et, doc); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns how many entities match where.
func (z *CanonicalZone) Count(ctx context.Context, et model.EntityType, where store.Predicate) (int64, error) {
	return z.store.Collection(canonicalCollection(et)).Count(ctx, where)
}

// Delete removes an entity. It's an administrative operation: syncs never
// delete, and callers are expected to audit it.
func (z *CanonicalZone) Delete(ctx context.Context, et model.EntityType, id string) error {
	return z.store.Collection(canonicalCollection(et)).Delete(ctx, id)
}

// FindWithVisibility returns the entities the caller may see, intersected
// with an extra query under AND semantics. Disjunctions on either side
// stay nested, so the extra query can't widen visibility.
func (z *CanonicalZone) FindWithVisibility(ctx context.Context, et model.EntityType, caller visibility.Context,
	extra store.Predicate, sort []store.Sort, limit, skip int) ([]model.Entity, error) {

	var caller2, err = caller.Normalize()
	if err != nil {
		return nil, err
	}
	return z.Find(ctx, et, store.Query{
		Where:  visibility.Intersect(visibility.Resolve(caller2), extra),
		Sort:   sort,
		Limit:  limit,
		Offset: skip,
	})
}

// CountWithVisibility counts the entities the caller may see.
func (z *CanonicalZone) CountWithVisibility(ctx context.Context, et model.EntityType, caller visibility.Context, extra store.Predicate) (int64, error) {
	var caller2, err = caller.Normalize()
	if err != nil {
		return 0, err
	}
	return z.Count(ctx, et, visibility.Intersect(visibility.Resolve(caller2), extra))
}

// FindDuplicates returns stored entities sharing the natural key of e:
// email for contacts and users, exact name for accounts. Other types have
// no natural key. The entity's own record is excluded. Candidates are
// evidence for an operator or the deduplicating normalizer; nothing is
// merged automatically.
func (z *CanonicalZone) FindDuplicates(ctx context.Context, et model.EntityType, e model.Entity) ([]model.Entity, error) {
	var where store.Predicate
	switch x := e.(type) {
	case *model.Contact:
		if x.Email == "" {
			return nil, nil
		}
		where = store.Eq("email", model.NormalizeEmail(x.Email))
	case *model.User:
		if x.Email == "" {
			return nil, nil
		}
		where = store.Eq("email", model.NormalizeEmail(x.Email))
	case *model.Account:
		if x.Name == "" {
			return nil, nil
		}
		where = store.Eq("name", x.Name)
	default:
		return nil, nil
	}
	if id := e.Env().ID; id != "" {
		where = store.And(where, store.Ne("id", id))
	}
	return z.Find(ctx, et, store.Query{Where: where})
}

// MergeResult reports one completed merge.
type MergeResult struct {
	PrimaryID  string
	MergedFrom string

	VersionBefore int64
	VersionAfter  int64
	Before, After store.Doc

	// RewrittenRefs counts foreign-key fields repointed from the absorbed
	// record to the surviving one.
	RewrittenRefs int64
}

// Merge absorbs secondary into primary: the survivor keeps its payload and
// gains the union of both provenance sets, references to the absorbed
// record are rewritten across the other collections, and the absorbed
// record is deleted last. If any step fails the absorbed record is left in
// place; re-running the merge converges, since provenance union and
// reference rewrites are idempotent.
func (z *CanonicalZone) Merge(ctx context.Context, et model.EntityType, primaryID, secondaryID, userID string) (*MergeResult, error) {
	if primaryID == secondaryID {
		return nil, fmt.Errorf("merging %s %s into itself", et, primaryID)
	}
	var coll = z.store.Collection(canonicalCollection(et))

	var secondaryDoc, err = coll.Get(ctx, secondaryID)
	if err != nil {
		return nil, fmt.Errorf("loading merge secondary %s: %w", secondaryID, err)
	}
	var secondary model.Entity
	if secondary, err = decodeEntity(et, secondaryDoc); err != nil {
		return nil, err
	}

	var res *MergeResult
	for attempt := 0; ; attempt++ {
		var primaryDoc store.Doc
		if primaryDoc, err = coll.Get(ctx, primaryID); err != nil {
			return nil, fmt.Errorf("loading merge primary %s: %w", primaryID, err)
		}
		var primary model.Entity
		if primary, err = decodeEntity(et, primaryDoc); err != nil {
			return nil, err
		}

		var env = primary.Env()
		var before = env.Version
		for _, s := range secondary.Env().Sources {
			env.AddSource(et, s.Ref(), s.ModifiedAt, s.SyncedAt)
		}
		env.ModifiedAt = maxSourceModified(env.Sources)
		env.Version = before + 1
		env.UpdatedAt = z.nowFn()
		env.UpdatedBy = userID

		var doc store.Doc
		if doc, err = store.Encode(primary); err != nil {
			return nil, err
		}
		err = coll.ReplaceWhere(ctx, primaryID, store.Eq("version", before), doc)
		if errors.Is(err, store.ErrConflict) && attempt < upsertAttempts {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("writing merge primary %s: %w", primaryID, err)
		}

		res = &MergeResult{
			PrimaryID:     primaryID,
			MergedFrom:    secondaryID,
			VersionBefore: before,
			VersionAfter:  env.Version,
			Before:        primaryDoc,
			After:         doc,
		}
		break
	}

	// Rewrite references across the other collections. The absorbed record
	// is deleted only after every rewrite succeeded.
	if res.RewrittenRefs, err = z.rewriteReferences(ctx, et, secondaryID, primaryID); err != nil {
		return nil, fmt.Errorf("rewriting references of %s %s: %w", et, secondaryID, err)
	}

	if err = coll.Delete(ctx, secondaryID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("deleting merged %s %s: %w", et, secondaryID, err)
	}
	return res, nil
}

// refField names one foreign-key field of one collection.
type refField struct {
	coll  string
	field string
}

// referenceFields lists every field across the canonical collections that
// may point at an entity of the given type.
func referenceFields(et model.EntityType) []refField {
	var contacts = canonicalCollection(model.EntityContact)
	var opportunities = canonicalCollection(model.EntityOpportunity)
	var activities = canonicalCollection(model.EntityActivity)
	var users = canonicalCollection(model.EntityUser)

	switch et {
	case model.EntityAccount:
		return []refField{
			{contacts, "account_id"},
			{opportunities, "account_id"},
			{activities, "account_id"},
		}
	case model.EntityContact:
		return []refField{
			{opportunities, "contact_id"},
			{activities, "contact_id"},
		}
	case model.EntityOpportunity:
		return []refField{
			{activities, "opportunity_id"},
		}
	case model.EntityUser:
		var out []refField
		for _, other := range model.AllEntityTypes {
			out = append(out,
				refField{canonicalCollection(other), "owner_id"},
				refField{canonicalCollection(other), "assigned_to"},
			)
		}
		return append(out, refField{users, "manager_id"})
	default:
		return nil
	}
}

func (z *CanonicalZone) rewriteReferences(ctx context.Context, et model.EntityType, from, to string) (int64, error) {
	var rewritten int64
	for _, ref := range referenceFields(et) {
		var coll = z.store.Collection(ref.coll)
		var docs, err = coll.Find(ctx, store.Query{Where: store.Eq(ref.field, from)})
		if err != nil {
			return rewritten, err
		}
		for _, doc := range docs {
			var id, _ = doc["id"].(string)
			if err = coll.Update(ctx, id, map[string]any{ref.field: to}); err != nil {
				return rewritten, fmt.Errorf("%s/%s %s: %w", ref.coll, id, ref.field, err)
			}
			rewritten++
		}
	}
	return rewritten, nil
}

func decodeEntity(et model.EntityType, doc store.Doc) (model.Entity, error) {
	var e, err = et.New()
	if err != nil {
		return nil, err
	}
	if err = store.Decode(doc, e); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", et, err)
	}
	return e, nil
}
