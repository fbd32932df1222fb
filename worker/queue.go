// Package worker runs sync jobs: a queue of prioritized requests, a
// scheduler that enqueues them on intervals, and executors that claim and
// run them through source pipelines. Claims go through the store's atomic
// find-and-update, so a job runs exactly once even with several executors.
package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// jobCollection holds queued, running, and finished sync jobs.
const jobCollection = "sync_jobs"

// Queue is the persistent sync-job queue.
type Queue struct {
	store store.Store
	nowFn func() model.Time
}

// NewQueue returns the queue over s, creating its indexes.
func NewQueue(ctx context.Context, s store.Store) (*Queue, error) {
	for _, idx := range []store.Index{
		{Name: "sync_jobs_status", Field: "status"},
		{Name: "sync_jobs_created", Field: "created_at"},
		{Name: "sync_jobs_completed", Field: "completed_at"},
		{Name: "sync_jobs_source", Field: "source"},
	} {
		if err := s.EnsureIndex(ctx, jobCollection, idx); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", jobCollection, err)
		}
	}
	return &Queue{store: s, nowFn: model.Now}, nil
}

func (q *Queue) col() store.Collection { return q.store.Collection(jobCollection) }

// Enqueue persists a new pending job, filling defaults: an incremental
// run at the default priority.
func (q *Queue) Enqueue(ctx context.Context, job *model.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Mode == "" {
		job.Mode = model.SyncIncremental
	}
	if job.Priority == 0 {
		job.Priority = model.PriorityDefault
	}
	job.Status = model.JobPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.nowFn()
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueueing sync job: %w", err)
	}

	var doc, err = store.Encode(job)
	if err != nil {
		return err
	}
	if err = q.col().Insert(ctx, job.ID, doc); err != nil {
		return fmt.Errorf("enqueueing %s/%s: %w", job.Source, job.EntityType, err)
	}
	return nil
}

// Get returns one job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*model.SyncJob, error) {
	var doc, err = q.col().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeJob(doc)
}

// claimOrder is the dequeue order: lowest priority value first, oldest
// first within a priority, ID as the final tiebreak.
var claimOrder = []store.Sort{{Field: "priority"}, {Field: "created_at"}, {Field: "id"}}

// Pending returns up to limit pending jobs in claim order.
func (q *Queue) Pending(ctx context.Context, limit int) ([]model.SyncJob, error) {
	return q.find(ctx, store.Query{
		Where: store.Eq("status", string(model.JobPending)),
		Sort:  claimOrder,
		Limit: limit,
	})
}

// Claim flips one specific pending job to running on behalf of workerID.
// It returns (nil, nil) when the job is no longer pending, which a racing
// claimer or a cancellation can both cause.
func (q *Queue) Claim(ctx context.Context, id, workerID string) (*model.SyncJob, error) {
	var doc, err = q.col().FindOneAndUpdate(ctx,
		store.And(store.Eq("id", id), store.Eq("status", string(model.JobPending))),
		nil,
		map[string]any{
			"status":     string(model.JobRunning),
			"started_at": q.nowFn(),
			"claimed_by": workerID,
		})
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}
	return decodeJob(doc)
}

// Complete marks a running job finished with its result.
func (q *Queue) Complete(ctx context.Context, id string, result *model.JobResult) (*model.SyncJob, error) {
	return q.finish(ctx, id, map[string]any{
		"status":       string(model.JobCompleted),
		"completed_at": q.nowFn(),
		"result":       result,
	})
}

// Fail marks a running job failed. A result is still recorded when the
// batch got far enough to have one.
func (q *Queue) Fail(ctx context.Context, id string, result *model.JobResult, cause string) (*model.SyncJob, error) {
	var set = map[string]any{
		"status":       string(model.JobFailed),
		"completed_at": q.nowFn(),
		"error":        cause,
	}
	if result != nil {
		set["result"] = result
	}
	return q.finish(ctx, id, set)
}

func (q *Queue) finish(ctx context.Context, id string, set map[string]any) (*model.SyncJob, error) {
	var doc, err = q.col().FindOneAndUpdate(ctx,
		store.And(store.Eq("id", id), store.Eq("status", string(model.JobRunning))),
		nil, set)
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("job %s is not running", id)
	}
	if err != nil {
		return nil, fmt.Errorf("finishing job %s: %w", id, err)
	}
	return decodeJob(doc)
}

// Cancel moves a pending job to cancelled. Running jobs are never
// cancelled through the queue; they stop only with the worker.
func (q *Queue) Cancel(ctx context.Context, id string) (*model.SyncJob, error) {
	var doc, err = q.col().FindOneAndUpdate(ctx,
		store.And(store.Eq("id", id), store.Eq("status", string(model.JobPending))),
		nil,
		map[string]any{
			"status":       string(model.JobCancelled),
			"completed_at": q.nowFn(),
		})
	if err == store.ErrNotFound {
		var job, errGet = q.Get(ctx, id)
		if errGet != nil {
			return nil, errGet
		}
		return nil, fmt.Errorf("job %s is %s; only pending jobs can be cancelled", id, job.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job %s: %w", id, err)
	}
	return decodeJob(doc)
}

// Requeue returns running jobs to pending. The worker calls it once at
// startup: a deployment runs one worker process, so anything still
// running then is an orphan of the previous process.
func (q *Queue) Requeue(ctx context.Context) (int64, error) {
	var jobs, err = q.find(ctx, store.Query{
		Where: store.Eq("status", string(model.JobRunning)),
	})
	if err != nil {
		return 0, err
	}

	var n int64
	for i := range jobs {
		var set = map[string]any{
			"status":     string(model.JobPending),
			"started_at": nil,
			"claimed_by": nil,
		}
		if _, err = q.col().FindOneAndUpdate(ctx,
			store.And(store.Eq("id", jobs[i].ID), store.Eq("status", string(model.JobRunning))),
			nil, set); err == store.ErrNotFound {
			continue
		} else if err != nil {
			return n, fmt.Errorf("requeueing job %s: %w", jobs[i].ID, err)
		}
		n++
	}
	return n, nil
}

// HasActive reports whether a pending or running job exists for the
// (source, entity type) pair. The scheduler uses it to avoid piling jobs
// onto a sync that runs longer than its interval.
func (q *Queue) HasActive(ctx context.Context, source string, et model.EntityType) (bool, error) {
	var n, err = q.col().Count(ctx, store.And(
		store.In("status", string(model.JobPending), string(model.JobRunning)),
		store.Eq("source", source),
		store.Eq("entity_type", string(et)),
	))
	return n > 0, err
}

// Depth counts pending jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.col().Count(ctx, store.Eq("status", string(model.JobPending)))
}

// List returns jobs newest first, optionally filtered by source.
func (q *Queue) List(ctx context.Context, source string, limit int) ([]model.SyncJob, error) {
	var where store.Predicate
	if source != "" {
		where = store.Eq("source", source)
	}
	return q.find(ctx, store.Query{
		Where: where,
		Sort:  []store.Sort{{Field: "created_at", Desc: true}},
		Limit: limit,
	})
}

// FinishedSince counts jobs that reached status at or after since.
func (q *Queue) FinishedSince(ctx context.Context, status model.JobStatus, since model.Time) (int64, error) {
	return q.col().Count(ctx, store.And(
		store.Eq("status", string(status)),
		store.Gte("completed_at", since),
	))
}

// Latest returns the newest job with status, or nil when none finished.
func (q *Queue) Latest(ctx context.Context, status model.JobStatus) (*model.SyncJob, error) {
	var jobs, err = q.find(ctx, store.Query{
		Where: store.Eq("status", string(status)),
		Sort:  []store.Sort{{Field: "completed_at", Desc: true}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (q *Queue) find(ctx context.Context, query store.Query) ([]model.SyncJob, error) {
	var docs, err = q.col().Find(ctx, query)
	if err != nil {
		return nil, err
	}
	var out = make([]model.SyncJob, 0, len(docs))
	for _, doc := range docs {
		var job, errDecode = decodeJob(doc)
		if errDecode != nil {
			return nil, errDecode
		}
		out = append(out, *job)
	}
	return out, nil
}

func decodeJob(doc store.Doc) (*model.SyncJob, error) {
	var job model.SyncJob
	if err := store.Decode(doc, &job); err != nil {
		return nil, fmt.Errorf("decoding sync job: %w", err)
	}
	return &job, nil
}
