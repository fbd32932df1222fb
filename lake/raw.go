package lake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// RawZone is the append-only store of source records, exactly as their
// connectors produced them. Records are never updated or deleted: the raw
// zone is the system's replayable history of what each source showed us
// and when.
type RawZone struct {
	store store.Store

	// mu guards lastIngest; ingestion timestamps are strictly monotonic so
	// (source, source_id, ingested_at) totally orders a record's history.
	mu         sync.Mutex
	lastIngest model.Time

	nowFn func() model.Time
}

// NewRawZone returns a RawZone over the given store.
func NewRawZone(s store.Store) *RawZone {
	return &RawZone{store: s, nowFn: model.Now}
}

// rawCollection names the store collection of one (source, entity type).
func rawCollection(source string, et model.EntityType) string {
	return "raw_" + source + "_" + et.Collection()
}

// nextIngestTime returns a timestamp strictly after every one returned
// before it.
func (z *RawZone) nextIngestTime() model.Time {
	z.mu.Lock()
	defer z.mu.Unlock()

	var t = z.nowFn()
	if !t.After(z.lastIngest) {
		t = z.lastIngest.Add(time.Nanosecond)
	}
	z.lastIngest = t
	return t
}

// Store appends one immutable record and returns its raw ID.
func (z *RawZone) Store(ctx context.Context, source string, et model.EntityType,
	sourceID string, payload map[string]any, batchID string, modifiedAt model.Time) (*model.RawRecord, error) {

	if source == "" || sourceID == "" {
		return nil, fmt.Errorf("raw record requires source and source_id")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("raw record requires a payload")
	}

	var rec = &model.RawRecord{
		ID:         uuid.NewString(),
		Source:     source,
		EntityType: et,
		SourceID:   sourceID,
		BatchID:    batchID,
		IngestedAt: z.nextIngestTime(),
		ModifiedAt: modifiedAt,
		Payload:    payload,
	}

	var doc, err = store.Encode(rec)
	if err != nil {
		return nil, err
	}
	if err = z.store.Collection(rawCollection(source, et)).Insert(ctx, rec.ID, doc); err != nil {
		return nil, fmt.Errorf("storing raw %s/%s: %w", source, sourceID, err)
	}
	return rec, nil
}

// BulkStore appends a batch of records, returning how many were written.
// Writing stops at the first failure; records written before it stay.
func (z *RawZone) BulkStore(ctx context.Context, source string, et model.EntityType,
	records []model.RawRecord, batchID string) (int64, error) {

	var n int64
	for i := range records {
		var r = &records[i]
		if _, err := z.Store(ctx, source, et, r.SourceID, r.Payload, batchID, r.ModifiedAt); err != nil {
			return n, fmt.Errorf("record %d (%s): %w", i, r.SourceID, err)
		}
		n++
	}
	return n, nil
}

// GetByBatch returns a batch's records in ingestion order. Replay iterates
// exactly this sequence.
func (z *RawZone) GetByBatch(ctx context.Context, source string, et model.EntityType, batchID string) ([]model.RawRecord, error) {
	var docs, err = z.store.Collection(rawCollection(source, et)).Find(ctx, store.Query{
		Where: store.Eq("batch_id", batchID),
		Sort:  []store.Sort{{Field: "ingested_at"}},
	})
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", batchID, err)
	}
	return decodeRawDocs(docs)
}

// GetLatestBySourceID returns the newest ingest of one source record, or
// store.ErrNotFound if the source never showed it.
func (z *RawZone) GetLatestBySourceID(ctx context.Context, source string, et model.EntityType, sourceID string) (*model.RawRecord, error) {
	var docs, err = z.store.Collection(rawCollection(source, et)).Find(ctx, store.Query{
		Where: store.Eq("source_id", sourceID),
		Sort:  []store.Sort{{Field: "ingested_at", Desc: true}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	var rec model.RawRecord
	if err = store.Decode(docs[0], &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LatestSyncTime returns the greatest ingestion time of a (source, entity
// type), or nil when nothing was ever ingested.
func (z *RawZone) LatestSyncTime(ctx context.Context, source string, et model.EntityType) (*model.Time, error) {
	var docs, err = z.store.Collection(rawCollection(source, et)).Find(ctx, store.Query{
		Sort:  []store.Sort{{Field: "ingested_at", Desc: true}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var rec model.RawRecord
	if err = store.Decode(docs[0], &rec); err != nil {
		return nil, err
	}
	return &rec.IngestedAt, nil
}

// CountDistinctSourceIDs returns how many distinct source records the raw
// zone has seen for a (source, entity type). Integrity checks compare this
// against the canonical zone.
func (z *RawZone) CountDistinctSourceIDs(ctx context.Context, source string, et model.EntityType) (int64, error) {
	var docs, err = z.store.Collection(rawCollection(source, et)).Find(ctx, store.Query{})
	if err != nil {
		return 0, err
	}
	var seen = make(map[string]bool, len(docs))
	for _, doc := range docs {
		if id, ok := doc["source_id"].(string); ok {
			seen[id] = true
		}
	}
	return int64(len(seen)), nil
}

func decodeRawDocs(docs []store.Doc) ([]model.RawRecord, error) {
	var out = make([]model.RawRecord, 0, len(docs))
	for _, doc := range docs {
		var rec model.RawRecord
		if err := store.Decode(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
