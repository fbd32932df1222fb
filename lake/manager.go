package lake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/visibility"
	log "github.com/sirupsen/logrus"
)

// Manager composes the three zones with batch accounting and the audit
// trail, and enforces the write ordering every ingestion follows: raw
// write, canonical upsert, audit append, then a best-effort serving
// refresh. Serving failures are logged and never fail the write.
type Manager struct {
	Raw       *RawZone
	Canonical *CanonicalZone
	Serving   *ServingZone
	Batches   *Batches
	Audit     *AuditTrail

	store store.Store
	nowFn func() model.Time
}

// NewManager opens the lake over one store, creating all indexes.
func NewManager(ctx context.Context, s store.Store) (*Manager, error) {
	var canonical, err = NewCanonicalZone(ctx, s)
	if err != nil {
		return nil, err
	}
	var serving *ServingZone
	if serving, err = NewServingZone(ctx, s); err != nil {
		return nil, err
	}
	var batches *Batches
	if batches, err = NewBatches(ctx, s); err != nil {
		return nil, err
	}
	var audit *AuditTrail
	if audit, err = NewAuditTrail(ctx, s); err != nil {
		return nil, err
	}

	return &Manager{
		Raw:       NewRawZone(s),
		Canonical: canonical,
		Serving:   serving,
		Batches:   batches,
		Audit:     audit,
		store:     s,
		nowFn:     model.Now,
	}, nil
}

// IngestResult reports one full ingestion.
type IngestResult struct {
	RawID       string `json:"raw_id"`
	CanonicalID string `json:"canonical_id"`
	IsNew       bool   `json:"is_new"`
}

// IngestFromSource runs one record through the full write ordering. It's
// the single-record entry point used by webhook-style pushes; batch syncs
// drive the same zone operations through the pipeline stages.
func (m *Manager) IngestFromSource(ctx context.Context, ref model.SourceRef, e model.Entity,
	rawData map[string]any, batchID, userID string) (*IngestResult, error) {

	var raw, err = m.Raw.Store(ctx, ref.Source, e.Type(), ref.SourceID, rawData, batchID, e.Env().ModifiedAt)
	if err != nil {
		return nil, err
	}

	var res *UpsertResult
	if res, err = m.LoadCanonical(ctx, e, ref, batchID, userID); err != nil {
		return nil, err
	}
	m.refreshAfterWrite(ctx, e.Type(), res.After)
	return &IngestResult{RawID: raw.ID, CanonicalID: res.ID, IsNew: res.IsNew}, nil
}

// LoadCanonical upserts an entity and audits the write. Pipelines load
// every mapped record through here so audit completeness holds on all
// sync paths. The audit append and the serving rebuild both run after the
// canonical commit and neither may fail it: a record the store accepted
// is written, whatever happens to the trail behind it.
func (m *Manager) LoadCanonical(ctx context.Context, e model.Entity, ref model.SourceRef, batchID, userID string) (*UpsertResult, error) {
	var res, err = m.Canonical.Upsert(ctx, e, ref, userID)
	if err != nil {
		return nil, err
	}

	var action = model.AuditSyncUpdate
	if res.IsNew {
		action = model.AuditSyncCreate
	}
	if err = m.RecordWrite(ctx, e.Type(), res, action, ref.Source, userID, batchID); err != nil {
		log.WithFields(log.Fields{
			"entityType": e.Type(),
			"id":         res.ID,
			"err":        err,
		}).Error("audit append failed after canonical write")
	}
	return res, nil
}

// RefreshServing rebuilds the daily dashboard stats of the user owning a
// just-written record. after is the post-image of the write; records
// without an owner refresh nothing.
func (m *Manager) RefreshServing(ctx context.Context, after store.Doc) error {
	var owner, _ = after["owner_id"].(string)
	if owner == "" {
		return nil
	}
	var _, err = m.Serving.RefreshDashboardStats(ctx, owner, model.PeriodDaily)
	return err
}

// RecordWrite appends the audit entry for one canonical write, diffing the
// write's pre- and post-images into a merge patch.
func (m *Manager) RecordWrite(ctx context.Context, et model.EntityType, res *UpsertResult,
	action model.AuditAction, source, userID, batchID string) error {

	var changes, err = MergePatch(res.Before, res.After)
	if err != nil {
		return err
	}
	return m.Audit.Append(ctx, &model.AuditEntry{
		EntityType:    et,
		EntityID:      res.ID,
		Action:        action,
		Zone:          model.ZoneCanonical,
		Source:        source,
		UserID:        userID,
		BatchID:       batchID,
		VersionBefore: res.VersionBefore,
		VersionAfter:  res.VersionAfter,
		Changes:       changes,
	})
}

// refreshAfterWrite is RefreshServing with failures logged instead of
// returned. Dashboards serve the previous view until the next refresh.
func (m *Manager) refreshAfterWrite(ctx context.Context, et model.EntityType, after store.Doc) {
	if err := m.RefreshServing(ctx, after); err != nil {
		log.WithFields(log.Fields{
			"entityType": et,
			"errorKind":  model.ErrServingRefresh,
			"err":        err,
		}).Warn("serving refresh failed after canonical write")
	}
}

// QueryEntities is the primary dashboard read: a canonical query with the
// caller's visibility applied inside the store.
func (m *Manager) QueryEntities(ctx context.Context, et model.EntityType, caller visibility.Context,
	filters store.Predicate, sort []store.Sort, limit, skip int) ([]model.Entity, error) {
	return m.Canonical.FindWithVisibility(ctx, et, caller, filters, sort, limit, skip)
}

// GetEntity returns one entity if the caller may see it. A record hidden
// by visibility is indistinguishable from an absent one.
func (m *Manager) GetEntity(ctx context.Context, et model.EntityType, id string, caller visibility.Context) (model.Entity, error) {
	var matches, err = m.Canonical.FindWithVisibility(ctx, et, caller, store.Eq("id", id), nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	return matches[0], nil
}

// Dashboard reads bound the feed and the KPI trend.
const (
	dashboardFeedLimit  = 20
	dashboardTrendDays  = 30
	dashboardTrendLimit = dashboardTrendDays + 1
)

// DashboardData aggregates the four serving reads one dashboard needs.
type DashboardData struct {
	Stats      *model.DashboardStats  `json:"stats"`
	Pipeline   *model.PipelineSummary `json:"pipeline"`
	Feed       []model.FeedItem       `json:"activity_feed"`
	KPITrend   []model.KPISnapshot    `json:"kpi_trend"`
	ComputedAt model.Time             `json:"computed_at"`
}

// GetDashboardData returns a user's dashboard for one period. Stats and
// pipeline summary are refreshed when the cached view is absent; the feed
// and the KPI trend are append-only, so absence just means empty.
func (m *Manager) GetDashboardData(ctx context.Context, caller visibility.Context, period model.Period) (*DashboardData, error) {
	var caller2, err = caller.Normalize()
	if err != nil {
		return nil, err
	}
	var now = m.nowFn()
	var data = &DashboardData{ComputedAt: now}

	data.Stats, err = m.Serving.GetDashboardStats(ctx, caller2.UserID, period)
	if errors.Is(err, store.ErrNotFound) {
		data.Stats, err = m.Serving.RefreshDashboardStats(ctx, caller2.UserID, period)
	}
	if err != nil {
		return nil, fmt.Errorf("reading dashboard stats: %w", err)
	}

	data.Pipeline, err = m.Serving.GetPipelineSummary(ctx, caller2.UserID, caller2.Scope)
	if errors.Is(err, store.ErrNotFound) {
		data.Pipeline, err = m.Serving.RefreshPipelineSummary(ctx, caller2)
	}
	if err != nil {
		return nil, fmt.Errorf("reading pipeline summary: %w", err)
	}

	if data.Feed, err = m.Serving.GetFeed(ctx, caller2.UserID, dashboardFeedLimit, 0); err != nil {
		return nil, fmt.Errorf("reading activity feed: %w", err)
	}

	var from = now.Add(-dashboardTrendDays * 24 * time.Hour).Time.Format(model.KPIDateLayout)
	if data.KPITrend, err = m.Serving.GetKPITrend(ctx, caller2.UserID, from, "", dashboardTrendLimit); err != nil {
		return nil, fmt.Errorf("reading kpi trend: %w", err)
	}
	return data, nil
}

// StartSyncBatch persists a new running batch.
func (m *Manager) StartSyncBatch(ctx context.Context, batch *model.SyncBatch) error {
	return m.Batches.Create(ctx, batch)
}

// CompleteSyncBatch finalizes the batch's status from its counts and
// persists it. A connector error forces failed status.
func (m *Manager) CompleteSyncBatch(ctx context.Context, batch *model.SyncBatch, connectorErr error) error {
	batch.Finalize(connectorErr, m.nowFn())
	if err := batch.CheckCounts(); err != nil {
		log.WithFields(log.Fields{"batch": batch.ID, "err": err}).
			Error("batch accounting identity violated")
	}
	return m.Batches.Save(ctx, batch)
}

// GetSyncHistory returns batches newest-first, optionally filtered.
func (m *Manager) GetSyncHistory(ctx context.Context, source string, et model.EntityType, limit, skip int) ([]*model.SyncBatch, error) {
	return m.Batches.History(ctx, source, et, limit, skip)
}

// GetLastSyncTime returns when the most recent completed batch for
// (source, et) finished, or nil when none has.
func (m *Manager) GetLastSyncTime(ctx context.Context, source string, et model.EntityType) (*model.Time, error) {
	var last, err = m.Batches.LastCompleted(ctx, source, et)
	if err != nil || last == nil {
		return nil, err
	}
	return last.CompletedAt, nil
}

// MergeEntities absorbs one canonical record into another, audits the
// merge, and refreshes the survivor's serving views.
func (m *Manager) MergeEntities(ctx context.Context, et model.EntityType, primaryID, secondaryID, userID string) (*MergeResult, error) {
	var res, err = m.Canonical.Merge(ctx, et, primaryID, secondaryID, userID)
	if err != nil {
		return nil, err
	}

	var changes []byte
	if changes, err = MergePatch(res.Before, res.After); err != nil {
		return nil, err
	}
	if err = m.Audit.Append(ctx, &model.AuditEntry{
		EntityType:    et,
		EntityID:      res.PrimaryID,
		Action:        model.AuditMerge,
		Zone:          model.ZoneCanonical,
		UserID:        userID,
		MergedFrom:    res.MergedFrom,
		VersionBefore: res.VersionBefore,
		VersionAfter:  res.VersionAfter,
		Changes:       changes,
	}); err != nil {
		log.WithFields(log.Fields{
			"entityType": et,
			"id":         res.PrimaryID,
			"err":        err,
		}).Error("audit append failed after merge")
	}

	m.refreshAfterWrite(ctx, et, res.After)
	return res, nil
}

// Integrity issue kinds.
const (
	IssueMissingSources = "missing-sources"
	IssueCountMismatch  = "count-mismatch"
)

// IntegrityIssue is one finding of VerifyDataIntegrity.
type IntegrityIssue struct {
	Kind       string           `json:"kind"`
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id,omitempty"`
	Source     string           `json:"source,omitempty"`
	Detail     string           `json:"detail"`
}

// IntegrityReport is the result of one integrity check.
type IntegrityReport struct {
	EntityType model.EntityType `json:"entity_type"`
	Source     string           `json:"source,omitempty"`
	Issues     []IntegrityIssue `json:"issues,omitempty"`
	Stats      map[string]int64 `json:"stats"`
	IsHealthy  bool             `json:"is_healthy"`
	CheckedAt  model.Time       `json:"checked_at"`
}

// VerifyDataIntegrity checks one canonical collection: every entity must
// carry provenance, and when a source is named, the canonical records
// citing it are compared against the distinct source IDs in its raw zone.
// The report only describes; nothing is repaired.
func (m *Manager) VerifyDataIntegrity(ctx context.Context, et model.EntityType, source string) (*IntegrityReport, error) {
	var report = &IntegrityReport{
		EntityType: et,
		Source:     source,
		Stats:      make(map[string]int64),
		CheckedAt:  m.nowFn(),
	}

	var docs, err = m.store.Collection(canonicalCollection(et)).Find(ctx, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", canonicalCollection(et), err)
	}
	report.Stats["canonical_total"] = int64(len(docs))

	for _, doc := range docs {
		var sources, _ = doc["sources"].([]any)
		if len(sources) == 0 {
			var id, _ = doc["id"].(string)
			report.Issues = append(report.Issues, IntegrityIssue{
				Kind:       IssueMissingSources,
				EntityType: et,
				EntityID:   id,
				Detail:     "canonical record has no source references",
			})
		}
	}

	if source != "" {
		var rawIDs, canonical int64
		if rawIDs, err = m.Raw.CountDistinctSourceIDs(ctx, source, et); err != nil {
			return nil, err
		}
		if canonical, err = m.Canonical.Count(ctx, et, store.Contains("source_names", source)); err != nil {
			return nil, err
		}
		report.Stats["raw_distinct_source_ids"] = rawIDs
		report.Stats["canonical_from_source"] = canonical

		if rawIDs != canonical {
			report.Issues = append(report.Issues, IntegrityIssue{
				Kind:       IssueCountMismatch,
				EntityType: et,
				Source:     source,
				Detail: fmt.Sprintf("raw zone has %d distinct source ids, canonical has %d records citing %s",
					rawIDs, canonical, source),
			})
		}
	}

	report.IsHealthy = len(report.Issues) == 0
	return report, nil
}
