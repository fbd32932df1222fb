package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pipewise/lake/api"
	"github.com/pipewise/lake/lake"
	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/pipeline"
	"github.com/pipewise/lake/pipeline/driver"
	"github.com/pipewise/lake/store"
	"github.com/pipewise/lake/worker"
)

// StoreConfig selects the document store every command runs against.
type StoreConfig struct {
	Engine string `long:"engine" env:"ENGINE" default:"sqlite" choice:"sqlite" choice:"memory" description:"Document store engine"`
	Path   string `long:"path" env:"PATH" default:"lake.db" description:"SQLite database path"`
}

// Open the configured store.
func (cfg StoreConfig) Open() (store.Store, error) {
	if cfg.Engine == "memory" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.Path)
}

// IntegrationsConfig is the operator-facing YAML file: the source systems
// to sync from, and the recurring schedules to keep installed.
type IntegrationsConfig struct {
	Integrations []driver.Config  `yaml:"integrations"`
	Schedules    []ScheduleConfig `yaml:"schedules"`
}

// ScheduleConfig declares one recurring sync in the integrations file.
type ScheduleConfig struct {
	Source          string `yaml:"source"`
	EntityType      string `yaml:"entity_type"`
	Mode            string `yaml:"mode"`
	IntervalMinutes int64  `yaml:"interval_minutes"`
	Disabled        bool   `yaml:"disabled"`
}

func loadIntegrations(path string) (*IntegrationsConfig, error) {
	var buf, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading integrations: %w", err)
	}
	var cfg IntegrationsConfig
	if err = yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(cfg.Integrations) == 0 {
		return nil, fmt.Errorf("%s configures no integrations", path)
	}
	return &cfg, nil
}

// decodeYAML reads a YAML file into a JSON-tagged structure by round-
// tripping through JSON, so operator files use the same field names as
// stored documents.
func decodeYAML(path string, out any) error {
	var buf, err = os.ReadFile(path)
	if err != nil {
		return err
	}
	var tree any
	if err = yaml.Unmarshal(buf, &tree); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if buf, err = json.Marshal(tree); err != nil {
		return fmt.Errorf("re-encoding %s: %w", path, err)
	}
	if err = json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// connectFlags are the store and integration flags shared by every command.
type connectFlags struct {
	Store        StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
	Log          LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Integrations string      `long:"integrations" env:"INTEGRATIONS" default:"integrations.yaml" description:"Integrations configuration file"`
}

// open initializes logging and assembles the lake stack. Commands that
// don't host a worker loop pass a nil running probe.
func (f connectFlags) open(ctx context.Context, running func() bool) (*stack, error) {
	initLog(f.Log)

	var cfg, err = loadIntegrations(f.Integrations)
	if err != nil {
		return nil, err
	}
	var st store.Store
	if st, err = f.Store.Open(); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var s *stack
	if s, err = buildStack(ctx, st, cfg, running); err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

// stack is the assembled lake a command runs against: the store, the zone
// manager, one pipeline per configured integration, and the service
// fronting them.
type stack struct {
	store     store.Store
	manager   *lake.Manager
	registry  *pipeline.Registry
	logs      *pipeline.StoreLogger
	queue     *worker.Queue
	schedules *worker.Schedules
	pipes     map[string]*pipeline.Pipeline
	service   *api.Service

	cfg *IntegrationsConfig
}

func buildStack(ctx context.Context, st store.Store, cfg *IntegrationsConfig, running func() bool) (*stack, error) {
	var s = &stack{
		store: st,
		pipes: make(map[string]*pipeline.Pipeline, len(cfg.Integrations)),
		cfg:   cfg,
	}
	var err error

	if s.manager, err = lake.NewManager(ctx, st); err != nil {
		return nil, fmt.Errorf("opening lake: %w", err)
	}
	s.registry = pipeline.NewRegistry(st)
	if s.logs, err = pipeline.NewStoreLogger(ctx, st, s.manager.Audit); err != nil {
		return nil, fmt.Errorf("opening sync log: %w", err)
	}
	if s.queue, err = worker.NewQueue(ctx, st); err != nil {
		return nil, fmt.Errorf("opening job queue: %w", err)
	}
	if s.schedules, err = worker.NewSchedules(ctx, st); err != nil {
		return nil, fmt.Errorf("opening schedules: %w", err)
	}

	for _, ic := range cfg.Integrations {
		var source = ic.Source()
		if _, dup := s.pipes[source]; dup {
			return nil, fmt.Errorf("integration %q configured twice", source)
		}

		var conn pipeline.Connector
		if conn, err = driver.New(ic); err != nil {
			return nil, err
		}
		var specs []*model.MappingSpec
		if specs, err = driver.Specs(ic); err != nil {
			return nil, err
		}
		for _, spec := range specs {
			if err = s.registry.RegisterBuiltin(spec); err != nil {
				return nil, fmt.Errorf("integration %s: %w", source, err)
			}
		}

		var p *pipeline.Pipeline
		if p, err = pipeline.New(s.manager, s.registry, s.logs, conn, source, ic.BatchSize); err != nil {
			return nil, fmt.Errorf("integration %s: %w", source, err)
		}
		s.pipes[source] = p
	}

	if running == nil {
		running = func() bool { return false }
	}
	var health = worker.NewHealth(s.queue, s.schedules, running)
	s.service = api.New(s.manager, s.queue, s.schedules, s.registry, s.logs, health, s.pipes)
	return s, nil
}

// installSchedules reconciles schedules declared in the integrations file
// into the store, so `serve worker` restarts converge on the file.
func (s *stack) installSchedules(ctx context.Context) error {
	for _, sc := range s.cfg.Schedules {
		var et, err = model.ParseEntityType(sc.EntityType)
		if err != nil {
			return fmt.Errorf("schedule for %s: %w", sc.Source, err)
		}
		var sched = &model.SyncSchedule{
			Source:          sc.Source,
			EntityType:      et,
			Mode:            model.SyncMode(sc.Mode),
			IntervalMinutes: sc.IntervalMinutes,
			Enabled:         !sc.Disabled,
		}
		if err = s.service.PutSchedule(ctx, sched); err != nil {
			return fmt.Errorf("schedule %s/%s: %w", sc.Source, sc.EntityType, err)
		}
	}
	return nil
}

// Close releases the store.
func (s *stack) Close() {
	if err := s.store.Close(); err != nil {
		log.WithField("err", err).Warn("failed to close store")
	}
}
