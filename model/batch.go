package model

import "fmt"

// BatchStatus is the disposition of a sync batch.
type BatchStatus string

const (
	// BatchRunning marks a batch which hasn't finished yet.
	BatchRunning BatchStatus = "running"
	// BatchCompleted marks a batch with no record failures.
	BatchCompleted BatchStatus = "completed"
	// BatchPartial marks a batch where some records loaded and some failed.
	BatchPartial BatchStatus = "partial"
	// BatchFailed marks a batch where nothing loaded: either every record
	// failed, or the connector itself errored.
	BatchFailed BatchStatus = "failed"
	// BatchCancelled marks a batch interrupted by shutdown before it could
	// finish. Its raw records remain available for replay.
	BatchCancelled BatchStatus = "cancelled"
)

// maxBatchErrors bounds the per-batch error list; counters stay exact.
const maxBatchErrors = 50

// BatchCounts is the per-record accounting of one sync run. It always
// satisfies Processed == Created + Updated + Failed.
type BatchCounts struct {
	Processed int64 `json:"processed"`
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Failed    int64 `json:"failed"`
}

// SyncBatch is the accounting record of one sync run: one (source, entity
// type) pull, its record counts, and its incremental watermark.
type SyncBatch struct {
	ID          string      `json:"id"`
	Source      string      `json:"source"`
	EntityType  EntityType  `json:"entity_type"`
	Status      BatchStatus `json:"status"`
	StartedAt   Time        `json:"started_at"`
	CompletedAt *Time       `json:"completed_at,omitempty"`

	Counts BatchCounts `json:"counts"`

	// Errors holds the first maxBatchErrors failure messages.
	Errors []string `json:"errors,omitempty"`

	// Since is the incremental lower bound the connector was asked for;
	// nil means a full sync.
	Since *Time `json:"since,omitempty"`
	// Watermark is the greatest source-side modification time observed in
	// the batch. The next incremental run resumes from it.
	Watermark *Time `json:"watermark,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddError appends a failure message, keeping the list bounded.
func (b *SyncBatch) AddError(msg string) {
	if len(b.Errors) < maxBatchErrors {
		b.Errors = append(b.Errors, msg)
	}
}

// SetReplayOf marks the batch as a replay of an earlier one.
func (b *SyncBatch) SetReplayOf(batchID string) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]any)
	}
	b.Metadata["replay_of"] = batchID
}

// ReplayOf returns the replayed batch ID, or "" for a regular batch.
func (b *SyncBatch) ReplayOf() string {
	var id, _ = b.Metadata["replay_of"].(string)
	return id
}

// Cancel marks the batch interrupted by shutdown. Counters keep whatever
// was processed before the interruption; raw records already written stay
// available for replay.
func (b *SyncBatch) Cancel(at Time) {
	b.CompletedAt = &at
	b.Status = BatchCancelled
}

// Finalize sets the batch's terminal status from its counts. A connector
// error forces BatchFailed regardless of counts.
func (b *SyncBatch) Finalize(connectorErr error, at Time) {
	b.CompletedAt = &at

	switch {
	case connectorErr != nil:
		b.Status = BatchFailed
		b.AddError(connectorErr.Error())
	case b.Counts.Failed == 0:
		b.Status = BatchCompleted
	case b.Counts.Created+b.Counts.Updated > 0:
		b.Status = BatchPartial
	default:
		b.Status = BatchFailed
	}
}

// CheckCounts verifies the batch accounting identity.
func (b *SyncBatch) CheckCounts() error {
	var c = b.Counts
	if c.Processed != c.Created+c.Updated+c.Failed {
		return fmt.Errorf("batch %s: processed %d != created %d + updated %d + failed %d",
			b.ID, c.Processed, c.Created, c.Updated, c.Failed)
	}
	return nil
}

// ObserveWatermark advances the batch watermark to t if it's later than the
// current one.
func (b *SyncBatch) ObserveWatermark(t Time) {
	if b.Watermark == nil || t.After(*b.Watermark) {
		b.Watermark = &t
	}
}
