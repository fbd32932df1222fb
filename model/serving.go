package model

import "fmt"

// The serving zone holds documents derived from the canonical zone,
// pre-aggregated per user so dashboard reads don't scan canonical
// collections. Views are eventually consistent: they're refreshed after
// syncs and on demand, and carry the time they were computed.

// Period selects the reporting window of a dashboard aggregation.
type Period string

const (
	PeriodDaily     Period = "daily"
	PeriodWeekly    Period = "weekly"
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
	PeriodYearly    Period = "yearly"
)

// AllPeriods is every reporting window, shortest first.
var AllPeriods = []Period{
	PeriodDaily,
	PeriodWeekly,
	PeriodMonthly,
	PeriodQuarterly,
	PeriodYearly,
}

// ParsePeriod maps a string to a Period, defaulting to daily.
func ParsePeriod(s string) (Period, error) {
	if s == "" {
		return PeriodDaily, nil
	}
	for _, p := range AllPeriods {
		if s == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// AccountStats counts a user's accounts within a stats period.
type AccountStats struct {
	Total  int64 `json:"total"`
	New    int64 `json:"new"`
	Active int64 `json:"active"`
}

// OpportunityStats counts and sums a user's opportunities.
type OpportunityStats struct {
	Total         int64   `json:"total"`
	Open          int64   `json:"open"`
	Won           int64   `json:"won"`
	Lost          int64   `json:"lost"`
	PipelineValue float64 `json:"pipeline_value"`
	WonValue      float64 `json:"won_value"`
}

// ActivityStats counts a user's activities. Overdue counts not-completed
// activities past their due date; upcoming counts those due within the
// next seven days. The two sets are disjoint.
type ActivityStats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Overdue   int64 `json:"overdue"`
	Upcoming  int64 `json:"upcoming"`
}

// DashboardStats is one user's pre-aggregated dashboard for one period.
// The (UserID, Period) pair is the document key.
type DashboardStats struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Period Period `json:"period"`

	Accounts      AccountStats     `json:"accounts"`
	Opportunities OpportunityStats `json:"opportunities"`
	Activities    ActivityStats    `json:"activities"`

	// WinRate is won / (won + lost) × 100; zero when nothing has closed.
	WinRate float64 `json:"win_rate"`
	// AvgDealSize is won value / won count; zero when nothing is won.
	AvgDealSize float64 `json:"avg_deal_size"`
	// ConversionRate is won / total × 100; zero when there are none.
	ConversionRate float64 `json:"conversion_rate"`

	PeriodStart Time `json:"period_start"`
	PeriodEnd   Time `json:"period_end"`
	ComputedAt  Time `json:"computed_at"`
}

// DashboardStatsID returns the serving document ID for (user, period).
func DashboardStatsID(userID string, period Period) string {
	return "stats:" + userID + ":" + string(period)
}

// StageMetric aggregates the open opportunities sitting in one stage.
type StageMetric struct {
	Stage    Stage   `json:"stage"`
	Count    int64   `json:"count"`
	Value    float64 `json:"value"`
	Weighted float64 `json:"weighted"`
}

// PipelineSummary is one user's open pipeline, broken down by stage. The
// (UserID, Scope) pair is the document key: the same user sees different
// pipelines at different visibility scopes.
type PipelineSummary struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`

	Stages []StageMetric `json:"stages"`

	TotalCount    int64   `json:"total_count"`
	TotalValue    float64 `json:"total_value"`
	TotalWeighted float64 `json:"total_weighted"`

	// AvgAgeDays is the mean age of open opportunities since creation.
	AvgAgeDays float64 `json:"avg_age_days"`
	// StalledCount counts open opportunities not updated in 14 days.
	StalledCount int64 `json:"stalled_count"`

	ComputedAt Time `json:"computed_at"`
}

// StalledAfter is how long an open opportunity may go without an update
// before the pipeline summary counts it as stalled.
const StalledAfterDays = 14

// PipelineSummaryID returns the serving document ID for (user, scope).
func PipelineSummaryID(userID, scope string) string {
	return "pipeline:" + userID + ":" + scope
}

// KPIDateLayout encodes KPI snapshot dates.
const KPIDateLayout = "2006-01-02"

// KPISnapshot is one user's KPI readings for one date. Snapshots are keyed
// by (user, date): the trend is append-only across days, while re-recording
// the same day replaces that day's snapshot.
type KPISnapshot struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Date   string `json:"date"`

	KPIs  map[string]float64 `json:"kpis"`
	Goals map[string]float64 `json:"goals,omitempty"`
	// Achievement holds kpi/goal × 100 clamped to [0, 100], for each KPI
	// with a positive goal.
	Achievement map[string]float64 `json:"achievement,omitempty"`

	ComputedAt Time `json:"computed_at"`
}

// KPIID returns the serving document ID of a user's snapshot for a date in
// KPIDateLayout form.
func KPIID(userID, date string) string {
	return "kpi:" + userID + ":" + date
}

// ComputeAchievement fills Achievement from KPIs and Goals.
func (s *KPISnapshot) ComputeAchievement() {
	s.Achievement = nil
	for name, goal := range s.Goals {
		if goal <= 0 {
			continue
		}
		var pct = s.KPIs[name] / goal * 100
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}
		if s.Achievement == nil {
			s.Achievement = make(map[string]float64)
		}
		s.Achievement[name] = pct
	}
}

// FeedItem is one event of a user's activity feed. The feed is append-only
// and read newest-first.
type FeedItem struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// EventType classifies the event: "sync", "record-created", "merge",
	// "stage-change", and so on. Free vocabulary, surfaced verbatim.
	EventType string `json:"event_type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`

	// EntityType and EntityID link the event to a canonical record.
	EntityType EntityType `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	At Time `json:"at"`
}
