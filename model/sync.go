package model

import "fmt"

// SyncMode selects how much of a source a job pulls.
type SyncMode string

const (
	// SyncFull pulls every record regardless of watermarks.
	SyncFull SyncMode = "full"
	// SyncIncremental pulls records modified since the last completed
	// batch's watermark.
	SyncIncremental SyncMode = "incremental"
)

// ParseSyncMode maps a string to a SyncMode, defaulting to incremental.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", string(SyncIncremental):
		return SyncIncremental, nil
	case string(SyncFull):
		return SyncFull, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// JobStatus is the lifecycle state of a queued sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job priorities run 1..10; lower runs first.
const (
	PriorityMin       int64 = 1
	PriorityScheduled int64 = 3
	PriorityDefault   int64 = 5
	PriorityMax       int64 = 10
)

// JobResult carries a finished job's batch reference and counts.
type JobResult struct {
	BatchID string      `json:"batch_id"`
	Counts  BatchCounts `json:"counts"`
}

// SyncJob is a queued request to run one sync. Workers claim pending jobs
// atomically: lowest priority value first, oldest first within a priority.
type SyncJob struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	EntityType EntityType `json:"entity_type"`
	Mode       SyncMode   `json:"mode"`
	Priority   int64      `json:"priority"`
	Status     JobStatus  `json:"status"`

	CreatedAt   Time   `json:"created_at"`
	StartedAt   *Time  `json:"started_at,omitempty"`
	CompletedAt *Time  `json:"completed_at,omitempty"`
	ClaimedBy   string `json:"claimed_by,omitempty"`

	Result   *JobResult     `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the job's request fields.
func (j *SyncJob) Validate() error {
	if j.Source == "" {
		return fmt.Errorf("missing source")
	}
	if _, err := ParseEntityType(string(j.EntityType)); err != nil {
		return err
	}
	if _, err := ParseSyncMode(string(j.Mode)); err != nil {
		return err
	}
	if j.Priority < PriorityMin || j.Priority > PriorityMax {
		return fmt.Errorf("priority %d outside [%d, %d]", j.Priority, PriorityMin, PriorityMax)
	}
	return nil
}

// SyncSchedule asks the scheduler to enqueue a job for (source, entity
// type) every IntervalMinutes.
type SyncSchedule struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	EntityType      EntityType `json:"entity_type"`
	Mode            SyncMode   `json:"mode"`
	IntervalMinutes int64      `json:"interval_minutes"`
	Enabled         bool       `json:"enabled"`

	LastRun   *Time `json:"last_run,omitempty"`
	NextRun   Time  `json:"next_run"`
	CreatedAt Time  `json:"created_at"`
	UpdatedAt Time  `json:"updated_at"`
}

// Validate returns an error if the schedule can't be run.
func (s *SyncSchedule) Validate() error {
	if s.Source == "" {
		return fmt.Errorf("missing source")
	}
	if _, err := ParseEntityType(string(s.EntityType)); err != nil {
		return err
	}
	if _, err := ParseSyncMode(string(s.Mode)); err != nil {
		return err
	}
	if s.IntervalMinutes <= 0 {
		return fmt.Errorf("interval must be positive, got %d", s.IntervalMinutes)
	}
	return nil
}
