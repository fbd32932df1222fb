package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
)

type cmdIntegrity struct {
	connectFlags
	Entity string `long:"entity" required:"true" description:"Entity type to check"`
	Source string `long:"source" description:"Also reconcile against this source's raw zone"`
}

func (cmd cmdIntegrity) Execute(_ []string) error {
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
	var report *lake.IntegrityReport
	if report, err = s.service.VerifyIntegrity(ctx, et, cmd.Source); err != nil {
		return err
	}

	if report.IsHealthy {
		fmt.Printf("%s %s\n", green("healthy"), et)
	} else {
		fmt.Printf("%s %s: %d issues\n", red("unhealthy"), et, len(report.Issues))
		for _, issue := range report.Issues {
			var subject = issue.EntityID
			if subject == "" {
				subject = issue.Source
			}
			fmt.Printf("  %s %s: %s\n", yellow(issue.Kind), subject, issue.Detail)
		}
	}

	var keys = make([]string, 0, len(report.Stats))
	for k := range report.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, report.Stats[k])
	}
	return nil
}
