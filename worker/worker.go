// Package worker runs the background sync machinery: a persistent job
// queue, a scheduler that turns recurring schedules into queued jobs, and
// executor loops that claim jobs and drive source pipelines. Claims are
// atomic compare-and-set transitions, so multiple executors never run the
// same job, and an in-process reservation keeps two executors from syncing
// the same (source, entity type) pair concurrently.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pipewise/lake/model"
)

// finishTimeout bounds the terminal job write when shutdown already
// cancelled the run context.
const finishTimeout = 5 * time.Second

// claimScanLimit bounds how many pending jobs one claim attempt inspects.
// Executors skip past jobs whose pair is reserved, so the scan must see
// more than one candidate.
const claimScanLimit = 16

// Runner executes one sync batch for a single source.
// *pipeline.Pipeline implements it.
type Runner interface {
	Execute(ctx context.Context, et model.EntityType, mode model.SyncMode, since *model.Time) (*model.SyncBatch, error)
}

// Pruner removes aged sync log entries. *pipeline.StoreLogger implements it.
type Pruner interface {
	Prune(ctx context.Context, olderThan model.Time) (int64, error)
}

// Config tunes the worker loops.
type Config struct {
	// WorkerID names this process in job claims.
	WorkerID string
	// Executors is the number of concurrent job executors.
	Executors int
	// PollInterval is an idle executor's wait between queue scans.
	PollInterval time.Duration
	// ScanInterval is the scheduler's wait between schedule scans.
	ScanInterval time.Duration
	// LogRetention is the age beyond which sync log entries are pruned.
	LogRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Executors <= 0 {
		c.Executors = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	return c
}

// Worker owns the scheduler and executor loops of one process.
type Worker struct {
	cfg       Config
	queue     *Queue
	schedules *Schedules
	runners   map[string]Runner
	logs      Pruner

	nowFn   func() model.Time
	running atomic.Bool

	mu       sync.Mutex
	reserved map[string]struct{}
}

// New assembles a worker over its queue, schedules, and per-source runners.
// logs may be nil to disable sync log pruning.
func New(cfg Config, queue *Queue, schedules *Schedules, runners map[string]Runner, logs Pruner) *Worker {
	return &Worker{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		schedules: schedules,
		runners:   runners,
		logs:      logs,
		nowFn:     model.Now,
		reserved:  make(map[string]struct{}),
	}
}

// IsRunning reports whether Run is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Run requeues jobs orphaned by a prior crash, then drives the scheduler
// and executor loops until ctx is cancelled. A job in flight at shutdown
// finishes its accounting under a fresh deadline before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	var requeued, err = w.queue.Requeue(ctx)
	if err != nil {
		return fmt.Errorf("requeuing orphaned jobs: %w", err)
	}
	if requeued > 0 {
		log.WithField("jobs", requeued).Info("requeued jobs orphaned by prior shutdown")
	}

	log.WithFields(log.Fields{
		"workerID":  w.cfg.WorkerID,
		"executors": w.cfg.Executors,
		"sources":   len(w.runners),
	}).Info("worker started")

	var grp, gctx = errgroup.WithContext(ctx)
	grp.Go(func() error { return w.scheduler(gctx) })
	grp.Go(func() error { return w.pruner(gctx) })
	for i := 0; i != w.cfg.Executors; i++ {
		var execID = fmt.Sprintf("%s-%d", w.cfg.WorkerID, i)
		grp.Go(func() error { return w.executor(gctx, execID) })
	}

	err = grp.Wait()
	log.Info("worker stopped")
	return err
}

// executor claims and runs jobs until ctx is cancelled, sleeping
// PollInterval whenever the queue has nothing claimable.
func (w *Worker) executor(ctx context.Context, execID string) error {
	for {
		var job, err = w.claimNext(ctx, execID)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.WithFields(log.Fields{"executor": execID, "err": err}).Warn("queue scan failed")
		case job != nil:
			w.runJob(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// claimNext scans pending jobs in claim order and atomically claims the
// first whose (source, entity type) pair isn't already executing in this
// process. Two concurrent jobs of one pair would race the same watermark.
func (w *Worker) claimNext(ctx context.Context, execID string) (*model.SyncJob, error) {
	var pending, err = w.queue.Pending(ctx, claimScanLimit)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		var pair = ScheduleID(pending[i].Source, pending[i].EntityType)
		if !w.tryReserve(pair) {
			continue
		}
		var claimed *model.SyncJob
		if claimed, err = w.queue.Claim(ctx, pending[i].ID, execID); err != nil {
			w.release(pair)
			return nil, err
		}
		if claimed == nil {
			// Lost the race to another claimer, or the job was cancelled.
			w.release(pair)
			continue
		}
		return claimed, nil
	}
	return nil, nil
}

// runJob executes one claimed job and writes its terminal state.
func (w *Worker) runJob(ctx context.Context, job *model.SyncJob) {
	defer w.release(ScheduleID(job.Source, job.EntityType))

	var fields = log.Fields{
		"job":        job.ID,
		"source":     job.Source,
		"entityType": job.EntityType,
		"mode":       job.Mode,
		"priority":   job.Priority,
	}
	log.WithFields(fields).Info("sync job started")

	var runner, ok = w.runners[job.Source]
	if !ok {
		w.finishJob(ctx, job, nil, fmt.Errorf("no pipeline configured for source %q", job.Source))
		return
	}

	var started = time.Now()
	var batch, err = runner.Execute(ctx, job.EntityType, job.Mode, nil)
	jobDurations.WithLabelValues(job.Source, string(job.EntityType)).
		Observe(time.Since(started).Seconds())

	w.finishJob(ctx, job, batch, err)
}

// finishJob maps the batch disposition onto the job and persists it. A
// failed batch fails the job; completed, partial, and shutdown-cancelled
// batches finish it, with the result's batch carrying the exact status.
// When ctx was cancelled mid-run the write gets a fresh deadline, so an
// interrupted job never stays claimed forever.
func (w *Worker) finishJob(ctx context.Context, job *model.SyncJob, batch *model.SyncBatch, execErr error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}

	var result *model.JobResult
	if batch != nil {
		result = &model.JobResult{BatchID: batch.ID, Counts: batch.Counts}
	}

	var status model.JobStatus
	var err error
	switch {
	case execErr != nil:
		status = model.JobFailed
		_, err = w.queue.Fail(ctx, job.ID, result, execErr.Error())
	case batch == nil || batch.Status == model.BatchFailed:
		status = model.JobFailed
		_, err = w.queue.Fail(ctx, job.ID, result, firstError(batch))
	default:
		status = model.JobCompleted
		_, err = w.queue.Complete(ctx, job.ID, result)
	}
	if err != nil {
		log.WithFields(log.Fields{"job": job.ID, "status": status, "err": err}).
			Error("job status write failed")
		return
	}

	jobsCounter.WithLabelValues(job.Source, string(job.EntityType), string(status)).Inc()
	observeBatch(job.Source, job.EntityType, batch)

	var fields = log.Fields{
		"job":        job.ID,
		"source":     job.Source,
		"entityType": job.EntityType,
		"status":     status,
	}
	if batch != nil {
		fields["batch"] = batch.ID
		fields["batchStatus"] = batch.Status
		fields["processed"] = batch.Counts.Processed
		fields["failed"] = batch.Counts.Failed
	}
	if status == model.JobFailed {
		log.WithFields(fields).Warn("sync job failed")
	} else {
		log.WithFields(fields).Info("sync job finished")
	}
}

// firstError surfaces the root cause of a failed batch.
func firstError(batch *model.SyncBatch) string {
	if batch == nil {
		return "sync produced no batch"
	}
	if len(batch.Errors) > 0 {
		return batch.Errors[0]
	}
	return fmt.Sprintf("all %d records failed", batch.Counts.Processed)
}

func observeBatch(source string, et model.EntityType, batch *model.SyncBatch) {
	if batch == nil {
		return
	}
	recordsCounter.WithLabelValues(source, string(et), "created").Add(float64(batch.Counts.Created))
	recordsCounter.WithLabelValues(source, string(et), "updated").Add(float64(batch.Counts.Updated))
	recordsCounter.WithLabelValues(source, string(et), "failed").Add(float64(batch.Counts.Failed))
}

// scheduler turns due schedules into queued jobs every ScanInterval.
func (w *Worker) scheduler(ctx context.Context) error {
	var ticker = time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := w.ScanSchedules(ctx); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("schedule scan failed")
		}
		if depth, err := w.queue.Depth(ctx); err == nil {
			queueDepthGauge.Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// entityRank is each type's position in model.AllEntityTypes, which lists
// reference targets before their dependents.
var entityRank = func() map[model.EntityType]int {
	var m = make(map[model.EntityType]int, len(model.AllEntityTypes))
	for i, et := range model.AllEntityTypes {
		m[et] = i
	}
	return m
}()

// ScanSchedules enqueues one job per due schedule. A pair with a job still
// pending or running is left due rather than stacked: the next scan fires
// it as soon as the pair frees up, and a pair that missed several intervals
// still runs exactly once.
func (w *Worker) ScanSchedules(ctx context.Context) error {
	var now = w.nowFn()
	var due, err = w.schedules.Due(ctx, now)
	if err != nil {
		return err
	}
	// Enqueue order is claim order within a priority. Within one source,
	// schedules fire in dependency order; unresolved references still
	// tolerate any gaps.
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Source != due[j].Source {
			return due[i].Source < due[j].Source
		}
		return entityRank[due[i].EntityType] < entityRank[due[j].EntityType]
	})

	for i := range due {
		var sched = &due[i]
		var active bool
		if active, err = w.queue.HasActive(ctx, sched.Source, sched.EntityType); err != nil {
			return err
		}
		if active {
			continue
		}

		var job = &model.SyncJob{
			Source:     sched.Source,
			EntityType: sched.EntityType,
			Mode:       sched.Mode,
			Priority:   model.PriorityScheduled,
			Metadata:   map[string]any{"schedule_id": sched.ID},
		}
		if err = w.queue.Enqueue(ctx, job); err != nil {
			return err
		}
		if err = w.schedules.MarkFired(ctx, sched, now); err != nil {
			return err
		}
		schedulesFiredCounter.WithLabelValues(sched.Source, string(sched.EntityType)).Inc()

		log.WithFields(log.Fields{
			"schedule":   sched.ID,
			"job":        job.ID,
			"nextRun":    sched.NextRun,
			"intervalMn": sched.IntervalMinutes,
		}).Info("scheduled sync enqueued")
	}
	return nil
}

// pruner trims aged sync log entries once a day.
func (w *Worker) pruner(ctx context.Context) error {
	if w.logs == nil {
		return nil
	}
	var ticker = time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		var cutoff = w.nowFn().Add(-w.cfg.LogRetention)
		if pruned, err := w.logs.Prune(ctx, cutoff); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("sync log prune failed")
		} else if pruned > 0 {
			log.WithFields(log.Fields{"pruned": pruned, "olderThan": cutoff}).Info("sync logs pruned")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) tryReserve(pair string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, held := w.reserved[pair]; held {
		return false
	}
	w.reserved[pair] = struct{}{}
	return true
}

func (w *Worker) release(pair string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.reserved, pair)
}
