package lake

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// batchCollection holds sync batch accounting records.
const batchCollection = "sync_batches"

// Batches persists sync batch lifecycles. A batch is inserted when its run
// starts and replaced whole when it finishes; the most recent completed
// batch per (source, entity type) carries the incremental watermark.
type Batches struct {
	store store.Store
	nowFn func() model.Time
}

// NewBatches returns batch storage over s, creating its indexes.
func NewBatches(ctx context.Context, s store.Store) (*Batches, error) {
	for _, idx := range []store.Index{
		{Name: "sync_batches_source", Field: "source"},
		{Name: "sync_batches_status", Field: "status"},
	} {
		if err := s.EnsureIndex(ctx, batchCollection, idx); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", batchCollection, err)
		}
	}
	return &Batches{store: s, nowFn: model.Now}, nil
}

// Create persists a new batch, assigning its ID, start time and running
// status when the caller left them unset.
func (b *Batches) Create(ctx context.Context, batch *model.SyncBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.StartedAt.IsZero() {
		batch.StartedAt = b.nowFn()
	}
	if batch.Status == "" {
		batch.Status = model.BatchRunning
	}

	var doc, err = store.Encode(batch)
	if err != nil {
		return err
	}
	if err = b.store.Collection(batchCollection).Insert(ctx, batch.ID, doc); err != nil {
		return fmt.Errorf("creating batch %s: %w", batch.ID, err)
	}
	return nil
}

// Save replaces the stored batch with its current state.
func (b *Batches) Save(ctx context.Context, batch *model.SyncBatch) error {
	var doc, err = store.Encode(batch)
	if err != nil {
		return err
	}
	if err = b.store.Collection(batchCollection).Replace(ctx, batch.ID, doc); err != nil {
		return fmt.Errorf("saving batch %s: %w", batch.ID, err)
	}
	return nil
}

// Get returns one batch, or store.ErrNotFound.
func (b *Batches) Get(ctx context.Context, id string) (*model.SyncBatch, error) {
	var doc, err = b.store.Collection(batchCollection).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeBatch(doc)
}

// History returns batches newest-first, optionally filtered by source and
// entity type ("" matches any).
func (b *Batches) History(ctx context.Context, source string, et model.EntityType, limit, skip int) ([]*model.SyncBatch, error) {
	var preds []store.Predicate
	if source != "" {
		preds = append(preds, store.Eq("source", source))
	}
	if et != "" {
		preds = append(preds, store.Eq("entity_type", string(et)))
	}
	var where store.Predicate
	if len(preds) != 0 {
		where = store.And(preds...)
	}

	var docs, err = b.store.Collection(batchCollection).Find(ctx, store.Query{
		Where:  where,
		Sort:   []store.Sort{{Field: "started_at", Desc: true}},
		Limit:  limit,
		Offset: skip,
	})
	if err != nil {
		return nil, err
	}

	var out = make([]*model.SyncBatch, 0, len(docs))
	for _, doc := range docs {
		var batch *model.SyncBatch
		if batch, err = decodeBatch(doc); err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, nil
}

// LastCompleted returns the most recent completed batch for (source, et),
// or nil when none has completed yet. Partial and failed batches don't
// count: their records may not have loaded, so resuming from their
// watermark could skip data.
func (b *Batches) LastCompleted(ctx context.Context, source string, et model.EntityType) (*model.SyncBatch, error) {
	var docs, err = b.store.Collection(batchCollection).Find(ctx, store.Query{
		Where: store.And(
			store.Eq("source", source),
			store.Eq("entity_type", string(et)),
			store.Eq("status", string(model.BatchCompleted)),
		),
		Sort:  []store.Sort{{Field: "started_at", Desc: true}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeBatch(docs[0])
}

// Watermark returns the incremental lower bound for the next sync of
// (source, et): the last completed batch's watermark. nil means no
// completed batch exists and the next sync should be full.
func (b *Batches) Watermark(ctx context.Context, source string, et model.EntityType) (*model.Time, error) {
	var last, err = b.LastCompleted(ctx, source, et)
	if err != nil || last == nil {
		return nil, err
	}
	return last.Watermark, nil
}

func decodeBatch(doc store.Doc) (*model.SyncBatch, error) {
	var batch = new(model.SyncBatch)
	if err := store.Decode(doc, batch); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}
	return batch, nil
}
