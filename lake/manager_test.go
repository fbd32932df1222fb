package lake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/visibility"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	var m, err = NewManager(context.Background(), store.NewMemory())
	require.NoError(t, err)
	return m
}

func TestFirstSyncLandsInAllZones(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)

	var acct = &model.Account{Name: "Acme"}
	acct.OwnerID = "u1"
	var ref = model.SourceRef{Source: "sf", SourceID: "0011"}

	var res, err = m.IngestFromSource(ctx, ref, acct, map[string]any{"Name": "Acme"}, "b1", "")
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.NotEmpty(t, res.RawID)
	require.NotEmpty(t, res.CanonicalID)

	// Raw zone holds the record as the connector produced it.
	var raws []model.RawRecord
	raws, err = m.Raw.GetByBatch(ctx, "sf", model.EntityAccount, "b1")
	require.NoError(t, err)
	require.Len(t, raws, 1)
	require.Equal(t, map[string]any{"Name": "Acme"}, raws[0].Payload)

	// Canonical zone has one account at version 1 with its provenance.
	var got model.Entity
	got, err = m.Canonical.GetBySource(ctx, model.EntityAccount, "sf", "0011")
	require.NoError(t, err)
	require.Equal(t, res.CanonicalID, got.Env().ID)
	require.Equal(t, int64(1), got.Env().Version)
	require.Len(t, got.Env().Sources, 1)

	// The owner's daily stats were refreshed as part of the write.
	var stats *model.DashboardStats
	stats, err = m.Serving.GetDashboardStats(ctx, "u1", model.PeriodDaily)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Accounts.Total)

	// Exactly one audit entry, and it is a creation.
	var trail []model.AuditEntry
	trail, err = m.Audit.Trail(ctx, model.EntityAccount, res.CanonicalID, 0, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, model.AuditSyncCreate, trail[0].Action)
	require.Equal(t, model.ZoneCanonical, trail[0].Zone)
	require.Equal(t, "sf", trail[0].Source)
	require.Equal(t, "b1", trail[0].BatchID)
	require.Equal(t, int64(1), trail[0].VersionAfter)
}

func TestEveryCanonicalWriteIsAudited(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)
	var ref = model.SourceRef{Source: "sf", SourceID: "c7"}

	var first = &model.Contact{Name: "Pat", Email: "p@acme.com"}
	var res1, err = m.IngestFromSource(ctx, ref, first, map[string]any{"Email": "p@acme.com"}, "b1", "")
	require.NoError(t, err)

	var second = &model.Contact{Name: "Pat", Email: "p@acme.com", Phone: "555"}
	var res2 *IngestResult
	res2, err = m.IngestFromSource(ctx, ref, second, map[string]any{"Email": "p@acme.com", "Phone": "555"}, "b2", "")
	require.NoError(t, err)
	require.False(t, res2.IsNew)
	require.Equal(t, res1.CanonicalID, res2.CanonicalID)

	var trail []model.AuditEntry
	trail, err = m.Audit.Trail(ctx, model.EntityContact, res1.CanonicalID, 0, 0)
	require.NoError(t, err)
	require.Len(t, trail, 2)

	// Newest first: the update, then the creation.
	require.Equal(t, model.AuditSyncUpdate, trail[0].Action)
	require.Equal(t, int64(1), trail[0].VersionBefore)
	require.Equal(t, int64(2), trail[0].VersionAfter)
	require.Equal(t, model.AuditSyncCreate, trail[1].Action)

	// The update's merge patch carries the fields the write changed.
	var patch map[string]any
	require.NoError(t, json.Unmarshal(trail[0].Changes, &patch))
	require.Equal(t, "555", patch["phone"])
	_, touchedEmail := patch["email"]
	require.False(t, touchedEmail)

	// Creation patches from the empty document: it carries the whole record.
	require.NoError(t, json.Unmarshal(trail[1].Changes, &patch))
	require.Equal(t, "p@acme.com", patch["email"])
}

func TestGetEntityHonorsVisibility(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)

	var acct = &model.Account{Name: "Private"}
	acct.OwnerID = "u1"
	var res, err = m.IngestFromSource(ctx, model.SourceRef{Source: "sf", SourceID: "1"},
		acct, map[string]any{"Name": "Private"}, "b1", "")
	require.NoError(t, err)

	var owner = visibility.Context{UserID: "u1", Scope: visibility.ScopeOwn}
	var got model.Entity
	got, err = m.GetEntity(ctx, model.EntityAccount, res.CanonicalID, owner)
	require.NoError(t, err)
	require.Equal(t, "Private", got.(*model.Account).Name)

	// A hidden record reads as absent, not as forbidden.
	var stranger = visibility.Context{UserID: "u2", Scope: visibility.ScopeOwn}
	_, err = m.GetEntity(ctx, model.EntityAccount, res.CanonicalID, stranger)
	require.ErrorIs(t, err, store.ErrNotFound)

	var admin = visibility.Context{UserID: "u2", Role: visibility.RoleAdmin}
	got, err = m.GetEntity(ctx, model.EntityAccount, res.CanonicalID, admin)
	require.NoError(t, err)
	require.Equal(t, res.CanonicalID, got.Env().ID)

	// QueryEntities applies the same row filter.
	var list []model.Entity
	list, err = m.QueryEntities(ctx, model.EntityAccount, stranger, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestGetDashboardDataRefreshesOnMiss(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)

	var opp = &model.Opportunity{Name: "Deal", Stage: model.StageDiscovery, Amount: 200, Probability: 50}
	opp.OwnerID = "u1"
	var _, err = m.Canonical.Upsert(ctx, opp, model.SourceRef{Source: "sf", SourceID: "o1"}, "")
	require.NoError(t, err)

	var caller = visibility.Context{UserID: "u1", Scope: visibility.ScopeOwn}
	var data *DashboardData
	data, err = m.GetDashboardData(ctx, caller, model.PeriodDaily)
	require.NoError(t, err)

	require.NotNil(t, data.Stats)
	require.Equal(t, int64(1), data.Stats.Opportunities.Open)
	require.NotNil(t, data.Pipeline)
	require.InDelta(t, 100, data.Pipeline.TotalWeighted, 1e-9)
	require.Empty(t, data.Feed)
	require.Empty(t, data.KPITrend)
	require.False(t, data.ComputedAt.IsZero())

	// An unknown caller context is rejected before any store read.
	_, err = m.GetDashboardData(ctx, visibility.Context{}, model.PeriodDaily)
	require.Error(t, err)
}

func TestMergeEntitiesAuditsTheMerge(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)

	var a, err = m.Canonical.Upsert(ctx, &model.Account{Name: "Acme"},
		model.SourceRef{Source: "sf", SourceID: "1"}, "")
	require.NoError(t, err)
	var b *UpsertResult
	b, err = m.Canonical.Upsert(ctx, &model.Account{Name: "ACME"},
		model.SourceRef{Source: "odoo", SourceID: "2"}, "")
	require.NoError(t, err)

	var res *MergeResult
	res, err = m.MergeEntities(ctx, model.EntityAccount, a.ID, b.ID, "admin-user")
	require.NoError(t, err)

	var trail []model.AuditEntry
	trail, err = m.Audit.Trail(ctx, model.EntityAccount, a.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, model.AuditMerge, trail[0].Action)
	require.Equal(t, b.ID, trail[0].MergedFrom)
	require.Equal(t, "admin-user", trail[0].UserID)
	require.Equal(t, res.VersionAfter, trail[0].VersionAfter)
}

func TestBatchLifecycleAndWatermarks(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)

	var b1 = &model.SyncBatch{Source: "odoo", EntityType: model.EntityContact}
	require.NoError(t, m.StartSyncBatch(ctx, b1))
	b1.Counts = model.BatchCounts{Processed: 3, Created: 3}
	b1.ObserveWatermark(fixedTime(10))
	require.NoError(t, m.CompleteSyncBatch(ctx, b1, nil))
	require.Equal(t, model.BatchCompleted, b1.Status)

	// A partial batch must not advance the watermark.
	var b2 = &model.SyncBatch{Source: "odoo", EntityType: model.EntityContact}
	require.NoError(t, m.StartSyncBatch(ctx, b2))
	b2.Counts = model.BatchCounts{Processed: 2, Created: 1, Failed: 1}
	b2.ObserveWatermark(fixedTime(20))
	require.NoError(t, m.CompleteSyncBatch(ctx, b2, nil))
	require.Equal(t, model.BatchPartial, b2.Status)

	var wm, err = m.Batches.Watermark(ctx, "odoo", model.EntityContact)
	require.NoError(t, err)
	require.NotNil(t, wm)
	require.Equal(t, fixedTime(10).String(), wm.String())

	var last *model.Time
	last, err = m.GetLastSyncTime(ctx, "odoo", model.EntityContact)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, b1.CompletedAt.String(), last.String())

	var history []*model.SyncBatch
	history, err = m.GetSyncHistory(ctx, "odoo", model.EntityContact, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// No completed batch for this pair yet: the next sync is full.
	wm, err = m.Batches.Watermark(ctx, "odoo", model.EntityAccount)
	require.NoError(t, err)
	require.Nil(t, wm)
}

func TestVerifyDataIntegrity(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t)

	var acct = &model.Account{Name: "Acme"}
	var _, err = m.IngestFromSource(ctx, model.SourceRef{Source: "sf", SourceID: "1"},
		acct, map[string]any{"Name": "Acme"}, "b1", "")
	require.NoError(t, err)

	var report *IntegrityReport
	report, err = m.VerifyDataIntegrity(ctx, model.EntityAccount, "sf")
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
	require.Empty(t, report.Issues)
	require.Equal(t, int64(1), report.Stats["canonical_total"])
	require.Equal(t, int64(1), report.Stats["raw_distinct_source_ids"])
	require.Equal(t, int64(1), report.Stats["canonical_from_source"])

	// A raw record that never reached canonical, and a canonical record
	// with no provenance, both surface as issues.
	_, err = m.Raw.Store(ctx, "sf", model.EntityAccount, "2", map[string]any{"Name": "Lost"}, "b2", fixedTime(1))
	require.NoError(t, err)
	require.NoError(t, m.store.Collection(canonicalCollection(model.EntityAccount)).
		Insert(ctx, "bogus", store.Doc{"id": "bogus", "name": "NoSources"}))

	report, err = m.VerifyDataIntegrity(ctx, model.EntityAccount, "sf")
	require.NoError(t, err)
	require.False(t, report.IsHealthy)
	require.Len(t, report.Issues, 2)

	var kinds = map[string]bool{}
	for _, issue := range report.Issues {
		kinds[issue.Kind] = true
	}
	require.True(t, kinds[IssueMissingSources])
	require.True(t, kinds[IssueCountMismatch])
}
