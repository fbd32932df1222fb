package api

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/worker"
)

// stubConnector serves a small fixed set of CRM records by source ID.
type stubConnector struct {
	byID   map[string]*pipeline.SourceRecord
	status pipeline.ConnectionStatus
}

func (c *stubConnector) Connect(context.Context) error    { return nil }
func (c *stubConnector) Disconnect(context.Context) error { return nil }

func (c *stubConnector) TestConnection(context.Context) pipeline.ConnectionStatus {
	return c.status
}

func (c *stubConnector) FetchRecords(context.Context, model.EntityType, *model.Time, int) (pipeline.RecordIterator, error) {
	return stubIter{}, nil
}

func (c *stubConnector) FetchRecord(_ context.Context, _ model.EntityType, id string) (*pipeline.SourceRecord, error) {
	return c.byID[id], nil
}

func (c *stubConnector) RecordCount(context.Context, model.EntityType, *model.Time) (int64, error) {
	return int64(len(c.byID)), nil
}

type stubIter struct{}

func (stubIter) Next(context.Context) (*pipeline.SourceRecord, error) { return nil, io.EOF }
func (stubIter) Close() error                                         { return nil }

func crmContactSpec() *model.MappingSpec {
	return &model.MappingSpec{
		Source:        "crm",
		EntityType:    model.EntityContact,
		IDField:       "id",
		ModifiedField: "write_date",
		Fields: []model.FieldMapping{
			{SourceField: "name", TargetField: "name", Required: true},
			{SourceField: "email", TargetField: "email"},
		},
	}
}

func newTestService(t *testing.T) (*Service, *lake.Manager) {
	var ctx = context.Background()
	var st = store.NewMemory()

	var m, err = lake.NewManager(ctx, st)
	require.NoError(t, err)

	var reg = pipeline.NewRegistry(st)
	require.NoError(t, reg.RegisterBuiltin(crmContactSpec()))

	var logs *pipeline.StoreLogger
	logs, err = pipeline.NewStoreLogger(ctx, st, m.Audit)
	require.NoError(t, err)

	var queue *worker.Queue
	queue, err = worker.NewQueue(ctx, st)
	require.NoError(t, err)

	var schedules *worker.Schedules
	schedules, err = worker.NewSchedules(ctx, st)
	require.NoError(t, err)

	var stub = &stubConnector{
		status: pipeline.ConnectionStatus{OK: true, Source: "crm"},
		byID: map[string]*pipeline.SourceRecord{
			"9": {
				ID:         "9",
				Data:       map[string]any{"id": "9", "name": "Ada Lovelace", "email": "ada@x.io"},
				ModifiedAt: model.At(time.Date(2026, time.April, 2, 12, 0, 0, 0, time.UTC)),
			},
		},
	}

	var p *pipeline.Pipeline
	p, err = pipeline.New(m, reg, logs, stub, "crm", 0)
	require.NoError(t, err)

	var health = worker.NewHealth(queue, schedules, func() bool { return false })
	return New(m, queue, schedules, reg, logs, health,
		map[string]*pipeline.Pipeline{"crm": p}), m
}

func TestSourcesAndProbe(t *testing.T) {
	var ctx = context.Background()
	var svc, _ = newTestService(t)

	require.Equal(t, []string{"crm"}, svc.Sources())

	var status, err = svc.TestSource(ctx, "crm")
	require.NoError(t, err)
	require.True(t, status.OK)
	require.Equal(t, "crm", status.Source)

	_, err = svc.TestSource(ctx, "erp")
	require.ErrorContains(t, err, `unknown source "erp"`)
}

func TestEnqueueAndManageJobs(t *testing.T) {
	var ctx = context.Background()
	var svc, _ = newTestService(t)

	var job, err = svc.EnqueueSync(ctx, SyncRequest{Source: "crm", EntityType: model.EntityContact})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, model.JobPending, job.Status)
	require.Equal(t, model.SyncIncremental, job.Mode)
	require.Equal(t, model.PriorityDefault, job.Priority)

	_, err = svc.EnqueueSync(ctx, SyncRequest{Source: "erp", EntityType: model.EntityContact})
	require.ErrorContains(t, err, "unknown source")

	var got *model.SyncJob
	got, err = svc.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)

	var cancelled *model.SyncJob
	cancelled, err = svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, cancelled.Status)

	var jobs []model.SyncJob
	jobs, err = svc.ListJobs(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestSyncRecordReplayAndHistory(t *testing.T) {
	var ctx = context.Background()
	var svc, m = newTestService(t)

	var batch, err = svc.SyncRecord(ctx, "crm", model.EntityContact, "9")
	require.NoError(t, err)
	require.Equal(t, model.BatchCompleted, batch.Status)
	require.Equal(t, int64(1), batch.Counts.Created)

	var e model.Entity
	e, err = m.Canonical.GetBySource(ctx, model.EntityContact, "crm", "9")
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", e.(*model.Contact).Name)

	var replay *model.SyncBatch
	replay, err = svc.ReplayBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.ID, replay.ReplayOf())
	require.Equal(t, int64(1), replay.Counts.Updated)

	_, err = svc.ReplayBatch(ctx, "no-such-batch")
	require.Error(t, err)

	var history []*model.SyncBatch
	history, err = svc.SyncHistory(ctx, "crm", model.EntityContact, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var entries []model.SyncLogEntry
	entries, err = svc.SyncLog(ctx, "crm", 20)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	_, err = svc.SyncRecord(ctx, "erp", model.EntityContact, "9")
	require.ErrorContains(t, err, "unknown source")
}

func TestWorkerHealthSnapshot(t *testing.T) {
	var ctx = context.Background()
	var svc, _ = newTestService(t)

	var status, err = svc.WorkerHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, worker.StatusHealthy, status.Status)
	require.False(t, status.IsRunning)
	require.Zero(t, status.QueueDepth)
}

func TestMappingOverrides(t *testing.T) {
	var ctx = context.Background()
	var svc, _ = newTestService(t)

	var spec = crmContactSpec()
	spec.Fields = append(spec.Fields, model.FieldMapping{SourceField: "mobile", TargetField: "mobile"})
	require.NoError(t, svc.PutMapping(ctx, spec))

	var specs, err = svc.Mappings(ctx, "crm")
	require.NoError(t, err)
	require.Len(t, specs, 1)
	require.Len(t, specs[0].Fields, 3)

	require.NoError(t, svc.DeleteMapping(ctx, "crm", model.EntityContact))
	specs, err = svc.Mappings(ctx, "crm")
	require.NoError(t, err)
	require.Empty(t, specs)
}

func TestScheduleManagement(t *testing.T) {
	var ctx = context.Background()
	var svc, _ = newTestService(t)

	var sched = &model.SyncSchedule{
		Source:          "crm",
		EntityType:      model.EntityContact,
		IntervalMinutes: 30,
		Enabled:         true,
	}
	require.NoError(t, svc.PutSchedule(ctx, sched))
	require.Equal(t, "crm:contact", sched.ID)

	var err = svc.PutSchedule(ctx, &model.SyncSchedule{
		Source: "erp", EntityType: model.EntityContact, IntervalMinutes: 30,
	})
	require.ErrorContains(t, err, "unknown source")

	var scheds []model.SyncSchedule
	scheds, err = svc.Schedules(ctx, "crm")
	require.NoError(t, err)
	require.Len(t, scheds, 1)

	require.NoError(t, svc.EnableSchedule(ctx, sched.ID, false))
	scheds, err = svc.Schedules(ctx, "")
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	require.False(t, scheds[0].Enabled)

	require.NoError(t, svc.DeleteSchedule(ctx, sched.ID))
	scheds, err = svc.Schedules(ctx, "")
	require.NoError(t, err)
	require.Empty(t, scheds)
}

func TestVerifyIntegrityAfterSync(t *testing.T) {
	var ctx = context.Background()
	var svc, _ = newTestService(t)

	var batch, err = svc.SyncRecord(ctx, "crm", model.EntityContact, "9")
	require.NoError(t, err)
	require.Equal(t, model.BatchCompleted, batch.Status)

	var report *lake.IntegrityReport
	report, err = svc.VerifyIntegrity(ctx, model.EntityContact, "crm")
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
	require.Empty(t, report.Issues)
	require.Equal(t, int64(1), report.Stats["canonical_total"])
}
