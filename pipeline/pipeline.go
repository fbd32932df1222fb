// Package pipeline moves records from external systems into the lake.
//
// A Pipeline composes six replaceable parts: a Connector fetches records
// from one source system, a Mapper turns them into raw and then canonical
// records, a Validator gates them, a Normalizer cleans values and resolves
// identity, a Loader writes the zones, and a SyncLogger keeps the
// operational log. The orchestrator drives whole batches, single records,
// and replays through those parts with exact per-record accounting.
package pipeline

import (
	"context"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
)

// DefaultBatchSize bounds one connector fetch page.
const DefaultBatchSize = 100

// ConnectionStatus is the result of a connector reachability probe.
type ConnectionStatus struct {
	OK     bool   `json:"ok"`
	Source string `json:"source"`
	Detail string `json:"detail,omitempty"`
}

// SourceRecord is one record exactly as the connector fetched it.
type SourceRecord struct {
	// ID is the record's identifier in the source's own namespace, when the
	// connector knows it ahead of mapping.
	ID   string
	Data map[string]any
	// ModifiedAt is the source's write date, when the source exposes one.
	ModifiedAt model.Time
}

// RecordIterator streams fetched records. Implementations order records by
// source-side modification time ascending, so an interrupted batch's
// watermark never skips records on the next run.
type RecordIterator interface {
	// Next returns the next record, or io.EOF after the last one.
	Next(ctx context.Context) (*SourceRecord, error)
	Close() error
}

// Connector wraps one external system.
type Connector interface {
	// Connect establishes or verifies the session. The orchestrator retries
	// a failed Connect once per batch before failing the batch.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// TestConnection probes the source without starting a sync.
	TestConnection(ctx context.Context) ConnectionStatus
	// FetchRecords streams records of one type modified at or after since;
	// nil means everything.
	FetchRecords(ctx context.Context, et model.EntityType, since *model.Time, batchSize int) (RecordIterator, error)
	// FetchRecord fetches one record by source-native id; (nil, nil) when
	// the source has no such record.
	FetchRecord(ctx context.Context, et model.EntityType, id string) (*SourceRecord, error)
	// RecordCount counts records modified at or after since.
	RecordCount(ctx context.Context, et model.EntityType, since *model.Time) (int64, error)
}

// Mapper turns source records into raw records and raw records into
// canonical entities, stamping provenance along the way.
type Mapper interface {
	// Prepare resolves and caches the field mapping for one entity type.
	// The orchestrator calls it at every batch start, so registry edits
	// apply at batch boundaries and never mid-run.
	Prepare(ctx context.Context, et model.EntityType) error
	ToRaw(ctx context.Context, et model.EntityType, rec *SourceRecord, batchID string) (*model.RawRecord, error)
	ToCanonical(ctx context.Context, raw *model.RawRecord) (model.Entity, error)
}

// Validator gates records between pipeline stages.
type Validator interface {
	ValidateRaw(raw *model.RawRecord) []error
	ValidateCanonical(e model.Entity) []error
}

// Normalizer cleans canonical values and resolves identity.
type Normalizer interface {
	// Normalize cleans the entity's values in place. It never fails a record.
	Normalize(e model.Entity)
	// Deduplicate grafts the identity of an existing canonical record onto
	// e when one matches by source reference or by natural key, and reports
	// whether it found one.
	Deduplicate(ctx context.Context, e model.Entity) (bool, error)
	// ResolveReferences rewrites source-native foreign keys to canonical
	// ids. A reference with no canonical target keeps the source id.
	ResolveReferences(ctx context.Context, e model.Entity) error
	// Flush drops cached id resolutions. Called at full-sync batch starts.
	Flush()
}

// Loader writes the three zones.
type Loader interface {
	LoadRaw(ctx context.Context, raw *model.RawRecord) (string, error)
	LoadCanonical(ctx context.Context, e model.Entity, ref model.SourceRef, batchID string) (*lake.UpsertResult, error)
	// LoadServing refreshes serving views for a completed write. Failures
	// are logged by the orchestrator, never fatal.
	LoadServing(ctx context.Context, res *lake.UpsertResult) error
}

// SyncLogger keeps the operational log of sync runs.
type SyncLogger interface {
	LogSyncStart(ctx context.Context, batch *model.SyncBatch) error
	LogSyncComplete(ctx context.Context, batch *model.SyncBatch) error
	LogRecord(ctx context.Context, batch *model.SyncBatch, sourceID, entityID string,
		outcome model.Outcome, recordErr error) error
	LogAudit(ctx context.Context, entry *model.AuditEntry) error
	History(ctx context.Context, source string, limit int) ([]model.SyncLogEntry, error)
}

// Pipeline is one source's configured processing chain.
type Pipeline struct {
	Source     string
	Connector  Connector
	Mapper     Mapper
	Validator  Validator
	Normalizer Normalizer
	Loader     Loader
	Logger     SyncLogger

	manager   *lake.Manager
	batchSize int
	nowFn     func() model.Time
}

// New assembles the standard pipeline for one source: registry-driven
// mapping, model validation, and lake-backed normalization and loading.
func New(m *lake.Manager, reg *Registry, logger SyncLogger, c Connector, source string, batchSize int) (*Pipeline, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var ids, err = NewIDMap(m.Canonical, 0)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Source:     source,
		Connector:  c,
		Mapper:     NewSpecMapper(source, reg),
		Validator:  ModelValidator{},
		Normalizer: NewLakeNormalizer(m.Canonical, ids),
		Loader:     &LakeLoader{Manager: m},
		Logger:     logger,
		manager:    m,
		batchSize:  batchSize,
		nowFn:      model.Now,
	}, nil
}
