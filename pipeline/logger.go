package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// syncLogCollection holds batch lifecycle events and per-record outcomes.
const syncLogCollection = "sync_logs"

// StoreLogger is the store-backed SyncLogger. Audit entries are delegated
// to the lake's audit trail; the operational log and the audit trail stay
// separate collections with separate retention.
type StoreLogger struct {
	store store.Store
	audit *lake.AuditTrail
	nowFn func() model.Time
}

// NewStoreLogger returns a logger writing sync_logs in s and audit entries
// through audit.
func NewStoreLogger(ctx context.Context, s store.Store, audit *lake.AuditTrail) (*StoreLogger, error) {
	for _, idx := range []store.Index{
		{Name: "sync_logs_batch", Field: "batch_id"},
		{Name: "sync_logs_source", Field: "source"},
		{Name: "sync_logs_at", Field: "at"},
	} {
		if err := s.EnsureIndex(ctx, syncLogCollection, idx); err != nil {
			return nil, err
		}
	}
	return &StoreLogger{store: s, audit: audit, nowFn: model.Now}, nil
}

func (l *StoreLogger) append(ctx context.Context, entry *model.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = l.nowFn()
	}
	var doc, err = store.Encode(entry)
	if err != nil {
		return err
	}
	return l.store.Collection(syncLogCollection).Insert(ctx, entry.ID, doc)
}

func (l *StoreLogger) LogSyncStart(ctx context.Context, batch *model.SyncBatch) error {
	return l.append(ctx, &model.SyncLogEntry{
		BatchID:    batch.ID,
		Source:     batch.Source,
		EntityType: batch.EntityType,
		Event:      model.LogEventStart,
	})
}

func (l *StoreLogger) LogSyncComplete(ctx context.Context, batch *model.SyncBatch) error {
	var entry = &model.SyncLogEntry{
		BatchID:    batch.ID,
		Source:     batch.Source,
		EntityType: batch.EntityType,
		Event:      model.LogEventComplete,
	}
	if batch.Status == model.BatchFailed && len(batch.Errors) > 0 {
		entry.Error = batch.Errors[len(batch.Errors)-1]
	}
	return l.append(ctx, entry)
}

func (l *StoreLogger) LogRecord(ctx context.Context, batch *model.SyncBatch, sourceID, entityID string,
	outcome model.Outcome, recordErr error) error {

	var entry = &model.SyncLogEntry{
		BatchID:    batch.ID,
		Source:     batch.Source,
		EntityType: batch.EntityType,
		Event:      model.LogEventRecord,
		SourceID:   sourceID,
		EntityID:   entityID,
		Outcome:    outcome,
	}
	if recordErr != nil {
		entry.Stage = StageOf(recordErr)
		entry.ErrorKind = KindOf(recordErr)
		entry.Error = recordErr.Error()
	}
	return l.append(ctx, entry)
}

func (l *StoreLogger) LogAudit(ctx context.Context, entry *model.AuditEntry) error {
	return l.audit.Append(ctx, entry)
}

// History returns log entries newest first, all sources' when source is
// empty.
func (l *StoreLogger) History(ctx context.Context, source string, limit int) ([]model.SyncLogEntry, error) {
	var q = store.Query{
		Sort:  []store.Sort{{Field: "at", Desc: true}, {Field: "id", Desc: true}},
		Limit: limit,
	}
	if source != "" {
		q.Where = store.Eq("source", source)
	}
	var docs, err = l.store.Collection(syncLogCollection).Find(ctx, q)
	if err != nil {
		return nil, err
	}

	var entries = make([]model.SyncLogEntry, 0, len(docs))
	for _, doc := range docs {
		var entry model.SyncLogEntry
		if err = store.Decode(doc, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Prune removes log entries older than olderThan and returns how many went.
// The worker's scheduler invokes it daily to bound retention.
func (l *StoreLogger) Prune(ctx context.Context, olderThan model.Time) (int64, error) {
	return l.store.Collection(syncLogCollection).DeleteMany(ctx, store.Lt("at", olderThan))
}
