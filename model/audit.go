package model

import "encoding/json"

// Zone names one of the three data-lake zones.
type Zone string

const (
	ZoneRaw       Zone = "raw"
	ZoneCanonical Zone = "canonical"
	ZoneServing   Zone = "serving"
)

// AuditAction names a recorded mutation kind. Pipeline writes carry the
// sync-prefixed actions; interactive writes carry the bare ones.
type AuditAction string

const (
	AuditSyncCreate AuditAction = "sync-create"
	AuditSyncUpdate AuditAction = "sync-update"
	AuditCreate     AuditAction = "create"
	AuditUpdate     AuditAction = "update"
	AuditMerge      AuditAction = "merge"
	AuditDelete     AuditAction = "delete"
)

// AuditEntry records one mutation of a lake record: what changed, through
// which path, and on whose behalf. The audit trail is append-only.
type AuditEntry struct {
	ID         string      `json:"id"`
	EntityType EntityType  `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Action     AuditAction `json:"action"`
	Zone       Zone        `json:"zone"`

	// Source is the system whose sync produced the write, empty for
	// interactive writes; UserID is the acting user, empty for syncs.
	Source string `json:"source,omitempty"`
	UserID string `json:"user_id,omitempty"`

	BatchID string `json:"batch_id,omitempty"`
	// MergedFrom is the absorbed record's ID for AuditMerge entries.
	MergedFrom string `json:"merged_from,omitempty"`

	VersionBefore int64 `json:"version_before,omitempty"`
	VersionAfter  int64 `json:"version_after,omitempty"`

	// Changes is a JSON merge patch from the record's previous document to
	// its new one. Creations patch from the empty document.
	Changes json.RawMessage `json:"changes,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	At Time `json:"at"`
}
