package lake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/visibility"
)

// Serving zone collections. Each holds derived documents keyed so that a
// dashboard read is a single Get.
const (
	dashboardCollection = "serving_dashboard_stats"
	pipelineCollection  = "serving_pipeline_summary"
	kpiCollection       = "serving_kpi_snapshots"
	feedCollection      = "serving_activity_feed"
)

// upcomingWindowDays bounds the upcoming-activities counter: an activity
// is upcoming when due within this many days.
const upcomingWindowDays = 7

// ServingZone maintains the pre-aggregated read views derived from the
// canonical zone. Views are eventually consistent: refreshes run after
// syncs and on demand, and a failed refresh leaves the previous view in
// place.
type ServingZone struct {
	store store.Store
	nowFn func() model.Time
}

// NewServingZone returns the zone over s, creating its indexes.
func NewServingZone(ctx context.Context, s store.Store) (*ServingZone, error) {
	for _, idx := range []struct {
		coll string
		idx  store.Index
	}{
		{kpiCollection, store.Index{Name: "serving_kpi_user", Field: "user_id"}},
		{feedCollection, store.Index{Name: "serving_feed_user", Field: "user_id"}},
	} {
		if err := s.EnsureIndex(ctx, idx.coll, idx.idx); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", idx.coll, err)
		}
	}
	return &ServingZone{store: s, nowFn: model.Now}, nil
}

// ownedBy matches records the user owns or is assigned to. Dashboard stats
// deliberately aggregate the user's own records regardless of how far
// their visibility scope reaches.
func ownedBy(userID string) store.Predicate {
	return visibility.Resolve(visibility.Context{UserID: userID, Scope: visibility.ScopeOwn})
}

// RefreshDashboardStats recomputes and stores one user's dashboard for one
// period. Only the new-accounts counter is bounded by the period window;
// totals are all-time, so the dashboard agrees with what entity queries
// return.
func (z *ServingZone) RefreshDashboardStats(ctx context.Context, userID string, period model.Period) (*model.DashboardStats, error) {
	var now = z.nowFn()
	var start, end = PeriodBounds(period, now.Time)
	var own = ownedBy(userID)

	var stats = &model.DashboardStats{
		ID:          model.DashboardStatsID(userID, period),
		UserID:      userID,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
		ComputedAt:  now,
	}

	var accounts = z.store.Collection(canonicalCollection(model.EntityAccount))
	var err error
	if stats.Accounts.Total, err = accounts.Count(ctx, own); err != nil {
		return nil, fmt.Errorf("counting accounts: %w", err)
	}
	if stats.Accounts.New, err = accounts.Count(ctx, store.And(own,
		store.Gte("created_at", start), store.Lt("created_at", end))); err != nil {
		return nil, fmt.Errorf("counting new accounts: %w", err)
	}
	if stats.Accounts.Active, err = accounts.Count(ctx, store.And(own,
		store.Eq("is_active", true))); err != nil {
		return nil, fmt.Errorf("counting active accounts: %w", err)
	}

	var opps = z.store.Collection(canonicalCollection(model.EntityOpportunity))
	var open = store.And(own, store.Eq("is_closed", false))
	var won = store.And(own, store.Eq("is_won", true))
	if stats.Opportunities.Total, err = opps.Count(ctx, own); err != nil {
		return nil, fmt.Errorf("counting opportunities: %w", err)
	}
	if stats.Opportunities.Open, err = opps.Count(ctx, open); err != nil {
		return nil, fmt.Errorf("counting open opportunities: %w", err)
	}
	if stats.Opportunities.Won, err = opps.Count(ctx, won); err != nil {
		return nil, fmt.Errorf("counting won opportunities: %w", err)
	}
	if stats.Opportunities.Lost, err = opps.Count(ctx, store.And(own,
		store.Eq("is_closed", true), store.Eq("is_won", false))); err != nil {
		return nil, fmt.Errorf("counting lost opportunities: %w", err)
	}
	if stats.Opportunities.PipelineValue, err = opps.Sum(ctx, "amount", open); err != nil {
		return nil, fmt.Errorf("summing pipeline value: %w", err)
	}
	if stats.Opportunities.WonValue, err = opps.Sum(ctx, "amount", won); err != nil {
		return nil, fmt.Errorf("summing won value: %w", err)
	}

	var activities = z.store.Collection(canonicalCollection(model.EntityActivity))
	var pending = store.And(own, store.Ne("status", string(model.ActivityCompleted)))
	if stats.Activities.Total, err = activities.Count(ctx, own); err != nil {
		return nil, fmt.Errorf("counting activities: %w", err)
	}
	if stats.Activities.Completed, err = activities.Count(ctx, store.And(own,
		store.Eq("status", string(model.ActivityCompleted)))); err != nil {
		return nil, fmt.Errorf("counting completed activities: %w", err)
	}
	// Overdue and upcoming split at now: overdue is past due, upcoming is
	// due within the next week. Activities without a due date land in
	// neither bucket.
	if stats.Activities.Overdue, err = activities.Count(ctx, store.And(pending,
		store.Lt("due_date", now))); err != nil {
		return nil, fmt.Errorf("counting overdue activities: %w", err)
	}
	if stats.Activities.Upcoming, err = activities.Count(ctx, store.And(pending,
		store.Gte("due_date", now), store.Lt("due_date", now.Add(upcomingWindowDays*24*time.Hour)))); err != nil {
		return nil, fmt.Errorf("counting upcoming activities: %w", err)
	}

	var wonCount, lostCount = stats.Opportunities.Won, stats.Opportunities.Lost
	if closed := wonCount + lostCount; closed > 0 {
		stats.WinRate = float64(wonCount) / float64(closed) * 100
	}
	if wonCount > 0 {
		stats.AvgDealSize = stats.Opportunities.WonValue / float64(wonCount)
	}
	if stats.Opportunities.Total > 0 {
		stats.ConversionRate = float64(wonCount) / float64(stats.Opportunities.Total) * 100
	}

	if err = z.put(ctx, dashboardCollection, stats.ID, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetDashboardStats returns the stored dashboard for (user, period), or
// store.ErrNotFound when it was never computed.
func (z *ServingZone) GetDashboardStats(ctx context.Context, userID string, period model.Period) (*model.DashboardStats, error) {
	var doc, err = z.store.Collection(dashboardCollection).Get(ctx, model.DashboardStatsID(userID, period))
	if err != nil {
		return nil, err
	}
	var stats = new(model.DashboardStats)
	if err = store.Decode(doc, stats); err != nil {
		return nil, fmt.Errorf("decoding dashboard stats: %w", err)
	}
	return stats, nil
}

// RefreshPipelineSummary recomputes and stores the open-pipeline breakdown
// visible to the caller. The same user gets distinct summaries per scope.
func (z *ServingZone) RefreshPipelineSummary(ctx context.Context, caller visibility.Context) (*model.PipelineSummary, error) {
	var caller2, err = caller.Normalize()
	if err != nil {
		return nil, err
	}

	var docs []store.Doc
	docs, err = z.store.Collection(canonicalCollection(model.EntityOpportunity)).Find(ctx, store.Query{
		Where: visibility.Intersect(visibility.Resolve(caller2), store.Eq("is_closed", false)),
	})
	if err != nil {
		return nil, fmt.Errorf("loading open opportunities: %w", err)
	}

	var now = z.nowFn()
	var stalledBefore = now.Add(-model.StalledAfterDays * 24 * time.Hour)

	var summary = &model.PipelineSummary{
		ID:         model.PipelineSummaryID(caller2.UserID, string(caller2.Scope)),
		UserID:     caller2.UserID,
		Scope:      string(caller2.Scope),
		ComputedAt: now,
	}

	var byStage = make(map[model.Stage]*model.StageMetric)
	var totalAgeDays float64
	for _, doc := range docs {
		var o model.Opportunity
		if err = store.Decode(doc, &o); err != nil {
			return nil, fmt.Errorf("decoding opportunity: %w", err)
		}

		var m = byStage[o.Stage]
		if m == nil {
			m = &model.StageMetric{Stage: o.Stage}
			byStage[o.Stage] = m
		}
		m.Count++
		m.Value += o.Amount
		m.Weighted += o.WeightedAmount()

		summary.TotalCount++
		summary.TotalValue += o.Amount
		summary.TotalWeighted += o.WeightedAmount()

		totalAgeDays += now.Time.Sub(o.CreatedAt.Time).Hours() / 24
		if o.UpdatedAt.Before(stalledBefore) {
			summary.StalledCount++
		}
	}
	if summary.TotalCount > 0 {
		summary.AvgAgeDays = totalAgeDays / float64(summary.TotalCount)
	}

	// Stages render in pipeline order. Open stages always appear, even at
	// zero, so dashboards show the full funnel.
	for _, s := range model.AllStages {
		if m := byStage[s]; m != nil {
			summary.Stages = append(summary.Stages, *m)
		} else if !s.Closed() {
			summary.Stages = append(summary.Stages, model.StageMetric{Stage: s})
		}
	}

	if err = z.put(ctx, pipelineCollection, summary.ID, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// GetPipelineSummary returns the stored pipeline summary for (user, scope),
// or store.ErrNotFound when it was never computed.
func (z *ServingZone) GetPipelineSummary(ctx context.Context, userID string, scope visibility.Scope) (*model.PipelineSummary, error) {
	var doc, err = z.store.Collection(pipelineCollection).Get(ctx, model.PipelineSummaryID(userID, string(scope)))
	if err != nil {
		return nil, err
	}
	var summary = new(model.PipelineSummary)
	if err = store.Decode(doc, summary); err != nil {
		return nil, fmt.Errorf("decoding pipeline summary: %w", err)
	}
	return summary, nil
}

// RecordKPISnapshot stores a user's KPI readings for a date, replacing any
// snapshot already recorded for that date. An unset date means today.
func (z *ServingZone) RecordKPISnapshot(ctx context.Context, snap *model.KPISnapshot) error {
	if snap.UserID == "" {
		return fmt.Errorf("kpi snapshot requires a user_id")
	}
	var now = z.nowFn()
	if snap.Date == "" {
		snap.Date = now.Time.Format(model.KPIDateLayout)
	} else if _, err := time.Parse(model.KPIDateLayout, snap.Date); err != nil {
		return fmt.Errorf("malformed kpi date %q: %w", snap.Date, err)
	}
	snap.ID = model.KPIID(snap.UserID, snap.Date)
	snap.ComputedAt = now
	snap.ComputeAchievement()

	return z.put(ctx, kpiCollection, snap.ID, snap)
}

// GetKPITrend returns a user's snapshots between two dates inclusive,
// oldest first. Empty bounds are open ends.
func (z *ServingZone) GetKPITrend(ctx context.Context, userID, fromDate, toDate string, limit int) ([]model.KPISnapshot, error) {
	var preds = []store.Predicate{store.Eq("user_id", userID)}
	if fromDate != "" {
		preds = append(preds, store.Gte("date", fromDate))
	}
	if toDate != "" {
		preds = append(preds, store.Lte("date", toDate))
	}

	var docs, err = z.store.Collection(kpiCollection).Find(ctx, store.Query{
		Where: store.And(preds...),
		Sort:  []store.Sort{{Field: "date"}},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}

	var out = make([]model.KPISnapshot, 0, len(docs))
	for _, doc := range docs {
		var snap model.KPISnapshot
		if err = store.Decode(doc, &snap); err != nil {
			return nil, fmt.Errorf("decoding kpi snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// AddFeedItem appends one event to a user's activity feed.
func (z *ServingZone) AddFeedItem(ctx context.Context, item *model.FeedItem) error {
	if item.UserID == "" {
		return fmt.Errorf("feed item requires a user_id")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.At.IsZero() {
		item.At = z.nowFn()
	}

	var doc, err = store.Encode(item)
	if err != nil {
		return err
	}
	if err = z.store.Collection(feedCollection).Insert(ctx, item.ID, doc); err != nil {
		return fmt.Errorf("appending feed item: %w", err)
	}
	return nil
}

// GetFeed returns a user's feed, newest first.
func (z *ServingZone) GetFeed(ctx context.Context, userID string, limit, skip int) ([]model.FeedItem, error) {
	var docs, err = z.store.Collection(feedCollection).Find(ctx, store.Query{
		Where:  store.Eq("user_id", userID),
		Sort:   []store.Sort{{Field: "at", Desc: true}},
		Limit:  limit,
		Offset: skip,
	})
	if err != nil {
		return nil, err
	}

	var out = make([]model.FeedItem, 0, len(docs))
	for _, doc := range docs {
		var item model.FeedItem
		if err = store.Decode(doc, &item); err != nil {
			return nil, fmt.Errorf("decoding feed item: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

// put writes a derived document under a fixed key, creating or replacing.
func (z *ServingZone) put(ctx context.Context, collection, id string, v any) error {
	var doc, err = store.Encode(v)
	if err != nil {
		return err
	}
	var coll = z.store.Collection(collection)

	err = coll.Replace(ctx, id, doc)
	if errors.Is(err, store.ErrNotFound) {
		if err = coll.Insert(ctx, id, doc); errors.Is(err, store.ErrDuplicate) {
			err = coll.Replace(ctx, id, doc)
		}
	}
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, id, err)
	}
	return nil
}
