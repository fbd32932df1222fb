package model

// RawRecord is one record exactly as a connector produced it, before any
// mapping. Raw records are append-only: replays and audits depend on the
// raw zone never rewriting history.
type RawRecord struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	EntityType EntityType `json:"entity_type"`
	SourceID   string     `json:"source_id"`
	BatchID    string     `json:"batch_id"`
	// IngestedAt is assigned by the raw zone and is strictly monotonic
	// within a store, so raw history has a stable total order.
	IngestedAt Time `json:"ingested_at"`
	// ModifiedAt is the source system's own write date for the record.
	ModifiedAt Time `json:"modified_at"`

	Payload map[string]any `json:"payload"`
}
