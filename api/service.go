// Package api is the lake's surface for external collaborators.
//
// A Service wraps the lake manager, the sync queue and schedules, the
// field-mapping registry, and the per-source pipelines behind
// transport-agnostic operations: HTTP handlers and CLI commands call the
// same methods. Query operations take the caller's visibility context and
// resolve it in-core, so no transport can widen what a caller may see, and
// callers never touch the raw zone directly.
package api

import (
	"context"
	"fmt"
	"sort"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
	"github.com/pipewise/lake/worker"
)

// Service exposes the lake's operations over one store.
type Service struct {
	manager   *lake.Manager
	queue     *worker.Queue
	schedules *worker.Schedules
	registry  *pipeline.Registry
	logs      *pipeline.StoreLogger
	health    *worker.Health
	pipes     map[string]*pipeline.Pipeline
	nowFn     func() model.Time
}

// New assembles a Service. The pipes map holds one configured pipeline per
// source system and bounds which sources can be synced or replayed.
func New(manager *lake.Manager, queue *worker.Queue, schedules *worker.Schedules,
	registry *pipeline.Registry, logs *pipeline.StoreLogger, health *worker.Health,
	pipes map[string]*pipeline.Pipeline) *Service {

	return &Service{
		manager:   manager,
		queue:     queue,
		schedules: schedules,
		registry:  registry,
		logs:      logs,
		health:    health,
		pipes:     pipes,
		nowFn:     model.Now,
	}
}

// Sources lists the configured source systems, sorted.
func (s *Service) Sources() []string {
	var names = make([]string, 0, len(s.pipes))
	for name := range s.pipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) pipe(source string) (*pipeline.Pipeline, error) {
	var p, ok = s.pipes[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	return p, nil
}

// TestSource probes the named source system without starting a sync.
func (s *Service) TestSource(ctx context.Context, source string) (pipeline.ConnectionStatus, error) {
	var p, err = s.pipe(source)
	if err != nil {
		return pipeline.ConnectionStatus{}, err
	}
	return p.Connector.TestConnection(ctx), nil
}

// SyncRequest asks for one sync job. Zero Mode and Priority take the queue
// defaults (incremental, priority 5).
type SyncRequest struct {
	Source     string           `json:"source"`
	EntityType model.EntityType `json:"entity_type"`
	Mode       model.SyncMode   `json:"mode,omitempty"`
	Priority   int64            `json:"priority,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// EnqueueSync queues a sync job against a configured source and returns
// the job as persisted.
func (s *Service) EnqueueSync(ctx context.Context, req SyncRequest) (*model.SyncJob, error) {
	if _, err := s.pipe(req.Source); err != nil {
		return nil, err
	}
	var job = &model.SyncJob{
		Source:     req.Source,
		EntityType: req.EntityType,
		Mode:       req.Mode,
		Priority:   req.Priority,
		Metadata:   req.Metadata,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Job returns one sync job by ID.
func (s *Service) Job(ctx context.Context, id string) (*model.SyncJob, error) {
	return s.queue.Get(ctx, id)
}

// CancelJob cancels a pending job and returns it.
func (s *Service) CancelJob(ctx context.Context, id string) (*model.SyncJob, error) {
	return s.queue.Cancel(ctx, id)
}

// ListJobs returns recent jobs, newest first, optionally restricted to one
// source.
func (s *Service) ListJobs(ctx context.Context, source string, limit int) ([]model.SyncJob, error) {
	return s.queue.List(ctx, source, limit)
}

// SyncHistory returns finished and running batches, newest first. Source
// and entity type are each optional.
func (s *Service) SyncHistory(ctx context.Context, source string, et model.EntityType, limit, skip int) ([]*model.SyncBatch, error) {
	return s.manager.GetSyncHistory(ctx, source, et, limit, skip)
}

// SyncLog returns recent operational log entries, newest first.
func (s *Service) SyncLog(ctx context.Context, source string, limit int) ([]model.SyncLogEntry, error) {
	return s.logs.History(ctx, source, limit)
}

// ReplayBatch re-runs a finished batch's raw records through the pipeline
// and returns the replay's own batch.
func (s *Service) ReplayBatch(ctx context.Context, batchID string) (*model.SyncBatch, error) {
	var batch, err = s.manager.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var p *pipeline.Pipeline
	if p, err = s.pipe(batch.Source); err != nil {
		return nil, err
	}
	return p.Replay(ctx, batchID)
}

// SyncRecord syncs a single record by its source-native ID, outside any
// scheduled run.
func (s *Service) SyncRecord(ctx context.Context, source string, et model.EntityType, sourceID string) (*model.SyncBatch, error) {
	var p, err = s.pipe(source)
	if err != nil {
		return nil, err
	}
	return p.SyncOne(ctx, et, sourceID)
}

// WorkerHealth classifies the worker's recent sync record.
func (s *Service) WorkerHealth(ctx context.Context) (*worker.HealthStatus, error) {
	return s.health.Snapshot(ctx)
}

// PutMapping stores a field-mapping override for one (source, entity type)
// pair. It takes effect at the next batch start.
func (s *Service) PutMapping(ctx context.Context, spec *model.MappingSpec) error {
	return s.registry.Put(ctx, spec)
}

// Mappings returns stored mapping overrides, optionally for one source.
func (s *Service) Mappings(ctx context.Context, source string) ([]model.MappingSpec, error) {
	return s.registry.List(ctx, source)
}

// DeleteMapping removes a stored override; the built-in mapping for the
// pair, if any, applies again.
func (s *Service) DeleteMapping(ctx context.Context, source string, et model.EntityType) error {
	return s.registry.Delete(ctx, source, et)
}

// PutSchedule creates or updates the recurring sync for one (source,
// entity type) pair.
func (s *Service) PutSchedule(ctx context.Context, sched *model.SyncSchedule) error {
	if _, err := s.pipe(sched.Source); err != nil {
		return err
	}
	return s.schedules.Put(ctx, sched)
}

// Schedules lists recurring syncs, optionally for one source.
func (s *Service) Schedules(ctx context.Context, source string) ([]model.SyncSchedule, error) {
	return s.schedules.List(ctx, source)
}

// EnableSchedule flips one schedule on or off.
func (s *Service) EnableSchedule(ctx context.Context, id string, enabled bool) error {
	return s.schedules.SetEnabled(ctx, id, enabled)
}

// DeleteSchedule removes a recurring sync.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	return s.schedules.Delete(ctx, id)
}

// VerifyIntegrity checks one canonical collection against its provenance
// and, when source is named, against that source's raw zone.
func (s *Service) VerifyIntegrity(ctx context.Context, et model.EntityType, source string) (*lake.IntegrityReport, error) {
	return s.manager.VerifyDataIntegrity(ctx, et, source)
}
