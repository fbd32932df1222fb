package model

import (
	"fmt"
)

// EntityType names one of the canonical record kinds.
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityAccount     EntityType = "account"
	EntityContact     EntityType = "contact"
	EntityOpportunity EntityType = "opportunity"
	EntityActivity    EntityType = "activity"
)

// AllEntityTypes is every canonical kind, in reference-dependency order:
// a type appears after the types its records may point at. Syncing in this
// order lets the normalizer resolve most references in a single pass.
var AllEntityTypes = []EntityType{
	EntityUser,
	EntityAccount,
	EntityContact,
	EntityOpportunity,
	EntityActivity,
}

// ParseEntityType maps a string to an EntityType, accepting both the
// singular kind name and its collection plural.
func ParseEntityType(s string) (EntityType, error) {
	for _, et := range AllEntityTypes {
		if s == string(et) || s == et.Collection() {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Collection returns the plural collection name under which records of
// this type are stored.
func (et EntityType) Collection() string {
	switch et {
	case EntityUser:
		return "users"
	case EntityAccount:
		return "accounts"
	case EntityContact:
		return "contacts"
	case EntityOpportunity:
		return "opportunities"
	case EntityActivity:
		return "activities"
	default:
		return string(et) + "s"
	}
}

// New returns a zero record of this type.
func (et EntityType) New() (Entity, error) {
	switch et {
	case EntityUser:
		return new(User), nil
	case EntityAccount:
		return new(Account), nil
	case EntityContact:
		return new(Contact), nil
	case EntityOpportunity:
		return new(Opportunity), nil
	case EntityActivity:
		return new(Activity), nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", et)
	}
}

// Entity is a canonical record of any kind. Implementations embed an
// Envelope and add their typed payload fields.
type Entity interface {
	// Env returns the record's mutable envelope.
	Env() *Envelope
	// Type returns the record's kind.
	Type() EntityType
}

// SourceEntry is one provenance entry of a canonical record: a system that
// has contributed to it, with the source's own notion of when the record
// last changed and when we last pulled it.
type SourceEntry struct {
	Source      string `json:"source"`
	SourceID    string `json:"source_id"`
	SourceModel string `json:"source_model,omitempty"`
	ModifiedAt  Time   `json:"modified_at"`
	SyncedAt    Time   `json:"synced_at"`
}

// Ref returns the entry's SourceRef.
func (e SourceEntry) Ref() SourceRef {
	return SourceRef{Source: e.Source, SourceID: e.SourceID, SourceModel: e.SourceModel}
}

// Envelope carries the identity, provenance, ownership, and versioning
// common to all canonical records.
//
// Source, SourceID and SourceKey describe the founding reference: the pair
// which first created the record. SourceKey is unique across a collection
// and is how concurrent ingestion of the same external record converges on
// one canonical row. Sources lists every contributing pair; SourceKeys and
// SourceNames are flat projections of it maintained for cheap indexing.
type Envelope struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`

	Source      string        `json:"source"`
	SourceID    string        `json:"source_id"`
	SourceKey   string        `json:"source_key"`
	Sources     []SourceEntry `json:"sources"`
	SourceKeys  []string      `json:"source_keys"`
	SourceNames []string      `json:"source_names"`

	OwnerID      string `json:"owner_id,omitempty"`
	AssignedTo   string `json:"assigned_to,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`

	Version   int64  `json:"version"`
	CreatedAt Time   `json:"created_at"`
	UpdatedAt Time   `json:"updated_at"`
	CreatedBy string `json:"created_by,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`

	// SyncedAt is when the pipeline last wrote the record; ModifiedAt is
	// the latest source-side write date observed across its sources.
	SyncedAt   Time `json:"synced_at"`
	ModifiedAt Time `json:"modified_at"`

	// PendingRefs maps payload field names to yet-unresolved identifiers in
	// the founding source's namespace. The normalizer replaces them with
	// canonical IDs; they are never persisted.
	PendingRefs map[string]string `json:"-"`
}

// Env implements Entity for types embedding Envelope.
func (e *Envelope) Env() *Envelope { return e }

// FoundingRef returns the (source, source_id) pair which created the record.
func (e *Envelope) FoundingRef() SourceRef {
	return SourceRef{Source: e.Source, SourceID: e.SourceID}
}

// HasSource reports whether the named system has contributed to the record.
func (e *Envelope) HasSource(source string) bool {
	for _, s := range e.SourceNames {
		if s == source {
			return true
		}
	}
	return false
}

// AddSource records a contributing (source, source_id) pair, updating the
// flat projections. Re-adding an existing pair refreshes its timestamps.
func (e *Envelope) AddSource(et EntityType, ref SourceRef, modifiedAt, syncedAt Time) {
	for i := range e.Sources {
		if e.Sources[i].Source == ref.Source && e.Sources[i].SourceID == ref.SourceID {
			e.Sources[i].ModifiedAt = modifiedAt
			e.Sources[i].SyncedAt = syncedAt
			if ref.SourceModel != "" {
				e.Sources[i].SourceModel = ref.SourceModel
			}
			return
		}
	}
	e.Sources = append(e.Sources, SourceEntry{
		Source:      ref.Source,
		SourceID:    ref.SourceID,
		SourceModel: ref.SourceModel,
		ModifiedAt:  modifiedAt,
		SyncedAt:    syncedAt,
	})
	e.SourceKeys = append(e.SourceKeys, SourceKey(et, ref))

	if !e.HasSource(ref.Source) {
		e.SourceNames = append(e.SourceNames, ref.Source)
	}
}

// Address is a postal address shared by contact and account payloads.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}
