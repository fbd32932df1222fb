package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pipewise/lake/api"
	"github.com/pipewise/lake/model"
)

type cmdSyncEnqueue struct {
	connectFlags
	Source   string `long:"source" required:"true" description:"Source system to sync"`
	Entity   string `long:"entity" required:"true" description:"Entity type to sync"`
	Mode     string `long:"mode" default:"incremental" choice:"incremental" choice:"full" description:"Sync mode"`
	Priority int64  `long:"priority" default:"0" description:"Claim priority, 1 (first) to 10 (last). Zero picks the default"`
}

func (cmd cmdSyncEnqueue) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var et model.EntityType
	if et, err = model.ParseEntityType(cmd.Entity); err != nil {
		return err
	}
	var job *model.SyncJob
	if job, err = s.service.EnqueueSync(ctx, api.SyncRequest{
		Source:     cmd.Source,
		EntityType: et,
		Mode:       model.SyncMode(cmd.Mode),
		Priority:   cmd.Priority,
	}); err != nil {
		return err
	}
	fmt.Printf("queued job %s (%s %s, mode %s, priority %d)\n",
		job.ID, job.Source, job.EntityType, job.Mode, job.Priority)
	return nil
}

type cmdSyncStatus struct {
	connectFlags
	Args struct {
		JobID string `positional-arg-name:"job-id" required:"true" description:"Job to show"`
	} `positional-args:"true"`
}

func (cmd cmdSyncStatus) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var job *model.SyncJob
	if job, err = s.service.Job(ctx, cmd.Args.JobID); err != nil {
		return err
	}
	fmt.Printf("job %s: %s %s, mode %s\n", job.ID, job.Source, job.EntityType, job.Mode)
	fmt.Printf("  status:    %s\n", job.Status)
	if job.ClaimedBy != "" {
		fmt.Printf("  claimed:   %s\n", job.ClaimedBy)
	}
	fmt.Printf("  created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  started:   %s\n", fmtTime(job.StartedAt))
	fmt.Printf("  completed: %s\n", fmtTime(job.CompletedAt))
	if job.Error != "" {
		fmt.Printf("  error:     %s\n", job.Error)
	}
	if job.Result != nil {
		fmt.Printf("  batch:     %s (%s)\n", job.Result.BatchID, fmtCounts(job.Result.Counts))
	}
	return nil
}

type cmdSyncCancel struct {
	connectFlags
	Args struct {
		JobID string `positional-arg-name:"job-id" required:"true" description:"Job to cancel"`
	} `positional-args:"true"`
}

func (cmd cmdSyncCancel) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var job *model.SyncJob
	if job, err = s.service.CancelJob(ctx, cmd.Args.JobID); err != nil {
		return err
	}
	fmt.Printf("cancelled job %s (%s %s)\n", job.ID, job.Source, job.EntityType)
	return nil
}

type cmdSyncHistory struct {
	connectFlags
	Source string `long:"source" description:"Restrict to one source"`
	Entity string `long:"entity" description:"Restrict to one entity type"`
	Limit  int    `long:"limit" default:"20" description:"Maximum batches to list"`
}

func (cmd cmdSyncHistory) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var et model.EntityType
	if cmd.Entity != "" {
		if et, err = model.ParseEntityType(cmd.Entity); err != nil {
			return err
		}
	}
	var batches []*model.SyncBatch
	if batches, err = s.service.SyncHistory(ctx, cmd.Source, et, cmd.Limit, 0); err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("no batches")
		return nil
	}
	for _, b := range batches {
		var suffix string
		if id := b.ReplayOf(); id != "" {
			suffix = fmt.Sprintf(", replay of %s", id)
		}
		if b.Watermark != nil {
			suffix += fmt.Sprintf(", watermark %s", b.Watermark.Format(time.RFC3339))
		}
		fmt.Printf("%s  %s  %-10s %-11s %s  %s%s\n",
			b.StartedAt.Format(time.RFC3339), b.ID, b.Source, b.EntityType,
			b.Status, fmtCounts(b.Counts), suffix)
	}
	return nil
}

type cmdSyncReplay struct {
	connectFlags
	Args struct {
		BatchID string `positional-arg-name:"batch-id" required:"true" description:"Batch to re-process"`
	} `positional-args:"true"`
}

func (cmd cmdSyncReplay) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var batch *model.SyncBatch
	if batch, err = s.service.ReplayBatch(ctx, cmd.Args.BatchID); err != nil {
		return err
	}
	fmt.Printf("replayed %s as %s: %s, %s\n",
		cmd.Args.BatchID, batch.ID, batch.Status, fmtCounts(batch.Counts))
	for _, msg := range batch.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}

type cmdSyncRecord struct {
	connectFlags
	Source string `long:"source" required:"true" description:"Source system to fetch from"`
	Entity string `long:"entity" required:"true" description:"Entity type of the record"`
	Args   struct {
		SourceID string `positional-arg-name:"source-id" required:"true" description:"Record ID in the source's namespace"`
	} `positional-args:"true"`
}

func (cmd cmdSyncRecord) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var et model.EntityType
	if et, err = model.ParseEntityType(cmd.Entity); err != nil {
		return err
	}
	var batch *model.SyncBatch
	if batch, err = s.service.SyncRecord(ctx, cmd.Source, et, cmd.Args.SourceID); err != nil {
		return err
	}
	fmt.Printf("synced %s %s from %s: %s, %s\n",
		et, cmd.Args.SourceID, cmd.Source, batch.Status, fmtCounts(batch.Counts))
	for _, msg := range batch.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}

type cmdSyncTest struct {
	connectFlags
	Args struct {
		Source string `positional-arg-name:"source" required:"true" description:"Source system to probe"`
	} `positional-args:"true"`
}

func (cmd cmdSyncTest) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	status, err := s.service.TestSource(ctx, cmd.Args.Source)
	if err != nil {
		return err
	}
	if status.OK {
		fmt.Printf("%s %s: %s\n", green("reachable"), status.Source, status.Detail)
		return nil
	}
	fmt.Printf("%s %s: %s\n", red("unreachable"), status.Source, status.Detail)
	return nil
}

type cmdSyncLog struct {
	connectFlags
	Source string `long:"source" description:"Restrict to one source"`
	Limit  int    `long:"limit" default:"50" description:"Maximum entries to list"`
}

func (cmd cmdSyncLog) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var entries []model.SyncLogEntry
	if entries, err = s.service.SyncLog(ctx, cmd.Source, cmd.Limit); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no log entries")
		return nil
	}
	for _, e := range entries {
		var detail string
		switch e.Event {
		case model.LogEventRecord:
			detail = fmt.Sprintf("%s %s", e.Outcome, e.SourceID)
			if e.Error != "" {
				detail += fmt.Sprintf(" (%s: %s)", e.ErrorKind, e.Error)
			}
		default:
			detail = e.Event
			if e.Error != "" {
				detail += fmt.Sprintf(" (%s)", e.Error)
			}
		}
		fmt.Printf("%s  %-10s %-11s batch %s  %s\n",
			e.At.Format(time.RFC3339), e.Source, e.EntityType, e.BatchID, detail)
	}
	return nil
}

func fmtTime(t *model.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func fmtCounts(c model.BatchCounts) string {
	return fmt.Sprintf("processed %d, created %d, updated %d, failed %d",
		c.Processed, c.Created, c.Updated, c.Failed)
}
