package worker

import (
	"context"
	"time"

	"github.com/pipewise/lake/model"
)

// Health states, ordered by severity.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
	StatusStale    = "stale"
)

// defaultIntervalMinutes is the staleness yardstick when no schedule is
// enabled.
const defaultIntervalMinutes int64 = 60

// HealthStatus is a point-in-time diagnosis of the sync machinery, derived
// from the last 24 hours of finished jobs.
type HealthStatus struct {
	Status             string      `json:"status"`
	IsRunning          bool        `json:"is_running"`
	IntervalMinutes    int64       `json:"interval_minutes"`
	RecentSuccesses24h int64       `json:"recent_successes_24h"`
	RecentFailures24h  int64       `json:"recent_failures_24h"`
	SuccessRate24h     float64     `json:"success_rate_24h"`
	LastSuccess        *model.Time `json:"last_success,omitempty"`
	LastFailure        *model.Time `json:"last_failure,omitempty"`
	LastFailureError   string      `json:"last_failure_error,omitempty"`
	QueueDepth         int64       `json:"queue_depth"`
	CheckedAt          model.Time  `json:"checked_at"`
}

// Health diagnoses the worker from its queue and schedules.
type Health struct {
	queue     *Queue
	schedules *Schedules
	running   func() bool
	nowFn     func() model.Time
}

// NewHealth returns a Health over the queue and schedules. running reports
// whether a worker loop is active in this process; Worker.IsRunning fits.
func NewHealth(queue *Queue, schedules *Schedules, running func() bool) *Health {
	return &Health{queue: queue, schedules: schedules, running: running, nowFn: model.Now}
}

// Snapshot computes the current health.
//
//   - critical: under half of the last day's jobs succeeded and at least
//     three failed.
//   - degraded: under 80% succeeded, or any job failed in the last two
//     hours.
//   - stale: schedules are enabled but no job has succeeded within twice
//     the shortest interval.
//
// More severe states win; a system with no finished jobs counts as a 100%
// success rate.
func (h *Health) Snapshot(ctx context.Context) (*HealthStatus, error) {
	var now = h.nowFn()
	var dayAgo = now.Add(-24 * time.Hour)

	var s = &HealthStatus{IsRunning: h.running(), CheckedAt: now}
	var err error

	if s.RecentSuccesses24h, err = h.queue.FinishedSince(ctx, model.JobCompleted, dayAgo); err != nil {
		return nil, err
	}
	if s.RecentFailures24h, err = h.queue.FinishedSince(ctx, model.JobFailed, dayAgo); err != nil {
		return nil, err
	}
	s.SuccessRate24h = 100
	if total := s.RecentSuccesses24h + s.RecentFailures24h; total > 0 {
		s.SuccessRate24h = float64(s.RecentSuccesses24h) / float64(total) * 100
	}

	var lastSuccess, lastFailure *model.SyncJob
	if lastSuccess, err = h.queue.Latest(ctx, model.JobCompleted); err != nil {
		return nil, err
	}
	if lastSuccess != nil {
		s.LastSuccess = lastSuccess.CompletedAt
	}
	if lastFailure, err = h.queue.Latest(ctx, model.JobFailed); err != nil {
		return nil, err
	}
	if lastFailure != nil {
		s.LastFailure = lastFailure.CompletedAt
		s.LastFailureError = lastFailure.Error
	}

	if s.QueueDepth, err = h.queue.Depth(ctx); err != nil {
		return nil, err
	}

	var scheduled bool
	var interval int64
	if interval, err = h.schedules.MinInterval(ctx); err != nil {
		return nil, err
	}
	scheduled = interval > 0
	if !scheduled {
		interval = defaultIntervalMinutes
	}
	s.IntervalMinutes = interval

	s.Status = classify(s, now, scheduled)
	return s, nil
}

// classify orders diagnoses by severity. Staleness only applies when a
// schedule is enabled: a system nobody asked to sync isn't overdue.
func classify(s *HealthStatus, now model.Time, scheduled bool) string {
	var staleAfter = time.Duration(2*s.IntervalMinutes) * time.Minute
	var stale = scheduled &&
		(s.LastSuccess == nil || s.LastSuccess.Before(now.Add(-staleAfter)))

	switch {
	case s.SuccessRate24h < 50 && s.RecentFailures24h >= 3:
		return StatusCritical
	case s.SuccessRate24h < 80 ||
		(s.LastFailure != nil && s.LastFailure.After(now.Add(-2*time.Hour))):
		return StatusDegraded
	case stale:
		return StatusStale
	default:
		return StatusHealthy
	}
}
