package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	// Register the built-in source drivers.
	_ "github.com/pipewise/lake/pipeline/driver/odoo"
	_ "github.com/pipewise/lake/pipeline/driver/outlook"
	_ "github.com/pipewise/lake/pipeline/driver/salesforce"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	serve, err := parser.Command.AddCommand("serve", "Serve a lake component", "", &struct{}{})
	must(err, "failed to add command")

	_, _ = serve.AddCommand("worker", "Serve the sync worker", `
Run the sync worker with the provided configuration, until signaled to
exit (via SIGTERM or SIGINT). The worker claims queued jobs, fires
recurring schedules, and prunes aged sync logs. Schedules declared in the
integrations file are installed before the first scan.
`, &cmdServeWorker{})

	sync, err := parser.Command.AddCommand("sync", "Inspect and control sync jobs", "", &struct{}{})
	must(err, "failed to add command")

	_, _ = sync.AddCommand("enqueue", "Queue a sync job", `
Queue one sync job for a configured integration. A running worker claims
it on its next scan; use "sync status" to follow it.
`, &cmdSyncEnqueue{})
	_, _ = sync.AddCommand("status", "Show a sync job", "", &cmdSyncStatus{})
	_, _ = sync.AddCommand("cancel", "Cancel a pending sync job", "", &cmdSyncCancel{})
	_, _ = sync.AddCommand("history", "List recent sync batches", "", &cmdSyncHistory{})
	_, _ = sync.AddCommand("replay", "Re-process a batch from its raw records", `
Re-process a finished batch's raw records through the mapping pipeline.
Replays never contact the source and never write the raw zone, so they are
safe to run after fixing a mapping override.
`, &cmdSyncReplay{})
	_, _ = sync.AddCommand("record", "Sync a single record by source ID", "", &cmdSyncRecord{})
	_, _ = sync.AddCommand("test", "Probe a source connection", "", &cmdSyncTest{})
	_, _ = sync.AddCommand("log", "Show recent sync log entries", "", &cmdSyncLog{})

	mappings, err := parser.Command.AddCommand("mappings", "Manage field-mapping overrides", "", &struct{}{})
	must(err, "failed to add command")

	_, _ = mappings.AddCommand("list", "List active field mappings", "", &cmdMappingsList{})
	_, _ = mappings.AddCommand("set", "Store a field-mapping override", `
Store a field-mapping override from a YAML file. The override shadows the
driver's built-in mapping for its (source, entity type) pair and takes
effect at the next batch start.
`, &cmdMappingsSet{})
	_, _ = mappings.AddCommand("delete", "Delete a field-mapping override", "", &cmdMappingsDelete{})

	schedules, err := parser.Command.AddCommand("schedules", "Manage recurring syncs", "", &struct{}{})
	must(err, "failed to add command")

	_, _ = schedules.AddCommand("list", "List schedules", "", &cmdSchedulesList{})
	_, _ = schedules.AddCommand("set", "Create or update a schedule", "", &cmdSchedulesSet{})
	_, _ = schedules.AddCommand("enable", "Enable a schedule", "", &cmdSchedulesEnable{})
	_, _ = schedules.AddCommand("disable", "Disable a schedule", "", &cmdSchedulesDisable{})
	_, _ = schedules.AddCommand("delete", "Delete a schedule", "", &cmdSchedulesDelete{})

	_, _ = parser.AddCommand("integrity", "Check canonical data integrity", `
Check one canonical collection: every record must carry provenance, and
when --source is given its records are reconciled against that source's
raw zone. The check reports; it never repairs.
`, &cmdIntegrity{})

	_, _ = parser.AddCommand("health", "Show sync worker health", `
Diagnose the sync machinery from the last 24 hours of finished jobs, the
queue depth, and the staleness of enabled schedules.
`, &cmdHealth{})

	if _, err = parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
