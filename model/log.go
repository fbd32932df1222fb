package model

// ErrorKind classifies where in the pipeline a record or batch failed.
// Every failure surfaces as one of these typed outcomes.
type ErrorKind string

const (
	// ErrConnection is a connector-level failure; the batch retries the
	// connection once and fails as a whole if it persists.
	ErrConnection ErrorKind = "connection-error"
	// ErrFetch is a per-record fetch failure; the batch continues.
	ErrFetch ErrorKind = "fetch-error"
	// ErrMapping is a mapper exception, at the raw-mapping or the
	// canonical-mapping stage.
	ErrMapping ErrorKind = "mapping-error"
	// ErrValidation aggregates validator findings for one record.
	ErrValidation ErrorKind = "validation-error"
	// ErrDedupConflict means two existing entities both matched a record's
	// natural key; nothing is merged automatically.
	ErrDedupConflict ErrorKind = "dedup-conflict"
	// ErrStore is a zone write failure.
	ErrStore ErrorKind = "store-error"
	// ErrServingRefresh is a failed serving rebuild; logged, never fatal.
	ErrServingRefresh ErrorKind = "serving-refresh-error"
	// ErrJob is an uncaught failure while the worker drove a job.
	ErrJob ErrorKind = "job-error"
)

// Pipeline stage names recorded on failure entries.
const (
	StageConnect          = "connect"
	StageFetch            = "fetch"
	StageRawMapping       = "raw-mapping"
	StageCanonicalMapping = "canonical-mapping"
	StageValidation       = "validation"
	StageDedupe           = "dedupe"
	StageResolve          = "resolve"
	StageLoad             = "load"
	StageServing          = "serving"
)

// Outcome is the terminal disposition of one record in one batch.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// SyncLogEntry is one sync_logs row: either a batch lifecycle event or a
// per-record outcome. Failed records keep their entries so a batch can be
// diagnosed and replayed; retention of the collection is bounded by
// periodic pruning.
type SyncLogEntry struct {
	ID         string     `json:"id"`
	BatchID    string     `json:"batch_id"`
	Source     string     `json:"source"`
	EntityType EntityType `json:"entity_type"`

	// Event is "start" or "complete" for lifecycle rows, "record" for
	// per-record rows.
	Event string `json:"event"`

	SourceID  string    `json:"source_id,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	At Time `json:"at"`
}

// Log event names.
const (
	LogEventStart    = "start"
	LogEventComplete = "complete"
	LogEventRecord   = "record"
)
