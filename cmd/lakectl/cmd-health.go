package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/pipewise/lake/worker"
)

type cmdHealth struct {
	connectFlags
}

func (cmd cmdHealth) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var h *worker.HealthStatus
	if h, err = s.service.WorkerHealth(ctx); err != nil {
		return err
	}

	var status string
	switch h.Status {
	case worker.StatusHealthy:
		status = green(h.Status)
	case worker.StatusDegraded, worker.StatusStale:
		status = yellow(h.Status)
	default:
		status = red(h.Status)
	}
	fmt.Printf("worker %s (checked %s)\n", status, fmtTime(&h.CheckedAt))

	var running = "no"
	if h.IsRunning {
		running = "yes"
	}
	fmt.Printf("  running in this process: %s\n", running)
	fmt.Printf("  queue depth:             %d\n", h.QueueDepth)
	fmt.Printf("  jobs last 24h:           %d succeeded, %d failed (%.0f%%)\n",
		h.RecentSuccesses24h, h.RecentFailures24h, h.SuccessRate24h)
	fmt.Printf("  last success:            %s\n", fmtTime(h.LastSuccess))
	fmt.Printf("  last failure:            %s\n", fmtTime(h.LastFailure))
	if h.LastFailureError != "" {
		fmt.Printf("  last failure error:      %s\n", h.LastFailureError)
	}
	if h.IntervalMinutes > 0 {
		fmt.Printf("  shortest interval:       %dm\n", h.IntervalMinutes)
	}
	return nil
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()
