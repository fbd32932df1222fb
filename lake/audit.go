package lake

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// auditCollection holds the append-only mutation trail.
const auditCollection = "audit_trail"

// AuditTrail records every canonical mutation. It is append-only: there is
// no update or delete API, and entries survive the records they describe.
type AuditTrail struct {
	store store.Store
	nowFn func() model.Time
}

// NewAuditTrail returns the trail over s, creating its indexes.
func NewAuditTrail(ctx context.Context, s store.Store) (*AuditTrail, error) {
	for _, idx := range []store.Index{
		{Name: "audit_trail_entity", Field: "entity_id"},
		{Name: "audit_trail_batch", Field: "batch_id"},
	} {
		if err := s.EnsureIndex(ctx, auditCollection, idx); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", auditCollection, err)
		}
	}
	return &AuditTrail{store: s, nowFn: model.Now}, nil
}

// Append records one entry, assigning its ID and stamping At when the
// caller left it zero.
func (a *AuditTrail) Append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = a.nowFn()
	}

	var doc, err = store.Encode(entry)
	if err != nil {
		return err
	}
	if err = a.store.Collection(auditCollection).Insert(ctx, entry.ID, doc); err != nil {
		return fmt.Errorf("appending audit entry for %s %s: %w", entry.EntityType, entry.EntityID, err)
	}
	return nil
}

// Trail returns the entries of one entity, newest first.
func (a *AuditTrail) Trail(ctx context.Context, et model.EntityType, entityID string, limit, skip int) ([]model.AuditEntry, error) {
	return a.find(ctx, store.And(
		store.Eq("entity_type", string(et)),
		store.Eq("entity_id", entityID),
	), limit, skip)
}

// ForBatch returns the entries recorded under one sync batch, newest first.
func (a *AuditTrail) ForBatch(ctx context.Context, batchID string, limit, skip int) ([]model.AuditEntry, error) {
	return a.find(ctx, store.Eq("batch_id", batchID), limit, skip)
}

// Recent returns entries newest first, narrowed by entity type and entity
// ID when either is given.
func (a *AuditTrail) Recent(ctx context.Context, et model.EntityType, entityID string, limit, skip int) ([]model.AuditEntry, error) {
	var preds []store.Predicate
	if et != "" {
		preds = append(preds, store.Eq("entity_type", string(et)))
	}
	if entityID != "" {
		preds = append(preds, store.Eq("entity_id", entityID))
	}

	var where store.Predicate
	switch len(preds) {
	case 0:
	case 1:
		where = preds[0]
	default:
		where = store.And(preds...)
	}
	return a.find(ctx, where, limit, skip)
}

func (a *AuditTrail) find(ctx context.Context, where store.Predicate, limit, skip int) ([]model.AuditEntry, error) {
	var docs, err = a.store.Collection(auditCollection).Find(ctx, store.Query{
		Where:  where,
		Sort:   []store.Sort{{Field: "at", Desc: true}},
		Limit:  limit,
		Offset: skip,
	})
	if err != nil {
		return nil, err
	}

	var out = make([]model.AuditEntry, 0, len(docs))
	for _, doc := range docs {
		var entry model.AuditEntry
		if err = store.Decode(doc, &entry); err != nil {
			return nil, fmt.Errorf("decoding audit entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// MergePatch returns the RFC 7396 merge patch carrying a record from its
// previous document to its next one. A nil before diffs from the empty
// document, so creation patches equal the created document.
func MergePatch(before, after store.Doc) (json.RawMessage, error) {
	var prev = json.RawMessage("{}")
	var err error
	if before != nil {
		if prev, err = json.Marshal(before); err != nil {
			return nil, fmt.Errorf("encoding previous document: %w", err)
		}
	}
	var next = json.RawMessage("{}")
	if after != nil {
		if next, err = json.Marshal(after); err != nil {
			return nil, fmt.Errorf("encoding next document: %w", err)
		}
	}

	var patch []byte
	if patch, err = jsonpatch.CreateMergePatch(prev, next); err != nil {
		return nil, fmt.Errorf("diffing documents: %w", err)
	}
	return patch, nil
}
