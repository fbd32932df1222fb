package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pipewise/lake/model"
)

type cmdSchedulesList struct {
	connectFlags
	Source string `long:"source" description:"Restrict to one source"`
}

func (cmd cmdSchedulesList) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var scheds []model.SyncSchedule
	if scheds, err = s.service.Schedules(ctx, cmd.Source); err != nil {
		return err
	}
	if len(scheds) == 0 {
		fmt.Println("no schedules")
		return nil
	}
	for _, sc := range scheds {
		var state = green("enabled")
		if !sc.Enabled {
			state = yellow("disabled")
		}
		fmt.Printf("%-28s %s  every %dm, mode %s, last run %s, next run %s\n",
			sc.ID, state, sc.IntervalMinutes, sc.Mode,
			fmtTime(sc.LastRun), sc.NextRun.Format(time.RFC3339))
	}
	return nil
}

type cmdSchedulesSet struct {
	connectFlags
	Source   string `long:"source" required:"true" description:"Source system to sync"`
	Entity   string `long:"entity" required:"true" description:"Entity type to sync"`
	Interval int64  `long:"interval" required:"true" description:"Minutes between runs"`
	Mode     string `long:"mode" default:"incremental" choice:"incremental" choice:"full" description:"Sync mode"`
	Disabled bool   `long:"disabled" description:"Create the schedule disabled"`
}

func (cmd cmdSchedulesSet) Execute(_ []string) error {
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
	var sched = &model.SyncSchedule{
		Source:          cmd.Source,
		EntityType:      et,
		Mode:            model.SyncMode(cmd.Mode),
		IntervalMinutes: cmd.Interval,
		Enabled:         !cmd.Disabled,
	}
	if err = s.service.PutSchedule(ctx, sched); err != nil {
		return err
	}
	fmt.Printf("stored schedule %s: every %dm, mode %s, next run %s\n",
		sched.ID, sched.IntervalMinutes, sched.Mode, sched.NextRun.Format(time.RFC3339))
	return nil
}

type cmdSchedulesEnable struct {
	connectFlags
	Args struct {
		ID string `positional-arg-name:"schedule-id" required:"true" description:"Schedule to enable, as shown by list"`
	} `positional-args:"true"`
}

func (cmd cmdSchedulesEnable) Execute(_ []string) error {
	return setScheduleEnabled(cmd.connectFlags, cmd.Args.ID, true)
}

type cmdSchedulesDisable struct {
	connectFlags
	Args struct {
		ID string `positional-arg-name:"schedule-id" required:"true" description:"Schedule to disable, as shown by list"`
	} `positional-args:"true"`
}

func (cmd cmdSchedulesDisable) Execute(_ []string) error {
	return setScheduleEnabled(cmd.connectFlags, cmd.Args.ID, false)
}

func setScheduleEnabled(f connectFlags, id string, enabled bool) error {
	var ctx = context.Background()
	var s, err = f.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err = s.service.EnableSchedule(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("enabled schedule %s\n", id)
	} else {
		fmt.Printf("disabled schedule %s\n", id)
	}
	return nil
}

type cmdSchedulesDelete struct {
	connectFlags
	Args struct {
		ID string `positional-arg-name:"schedule-id" required:"true" description:"Schedule to delete, as shown by list"`
	} `positional-args:"true"`
}

func (cmd cmdSchedulesDelete) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err = s.service.DeleteSchedule(ctx, cmd.Args.ID); err != nil {
		return err
	}
	fmt.Printf("deleted schedule %s\n", cmd.Args.ID)
	return nil
}
