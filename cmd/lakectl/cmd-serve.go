package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pipewise/lake/worker"
)

type cmdServeWorker struct {
	connectFlags

	WorkerID     string        `long:"worker-id" env:"WORKER_ID" description:"Name stamped onto job claims. Defaults to a generated name"`
	Executors    int           `long:"executors" env:"EXECUTORS" default:"2" description:"Concurrent job executors"`
	PollInterval time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"3s" description:"Idle executor wait between queue scans"`
	ScanInterval time.Duration `long:"scan-interval" env:"SCAN_INTERVAL" default:"1m" description:"Scheduler wait between schedule scans"`
	LogRetention time.Duration `long:"log-retention" env:"LOG_RETENTION" default:"720h" description:"Sync log retention"`
	MetricsPort  uint16        `long:"metrics-port" env:"METRICS_PORT" description:"Port to serve Prometheus metrics on. Zero disables the listener"`
}

func (cmd cmdServeWorker) Execute(_ []string) error {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var w *worker.Worker
	var s, err = cmd.open(ctx, func() bool { return w != nil && w.IsRunning() })
	if err != nil {
		return err
	}
	defer s.Close()

	if err = s.installSchedules(ctx); err != nil {
		return err
	}

	var runners = make(map[string]worker.Runner, len(s.pipes))
	for source, p := range s.pipes {
		runners[source] = p
	}
	w = worker.New(worker.Config{
		WorkerID:     cmd.WorkerID,
		Executors:    cmd.Executors,
		PollInterval: cmd.PollInterval,
		ScanInterval: cmd.ScanInterval,
		LogRetention: cmd.LogRetention,
	}, s.queue, s.schedules, runners, s.logs)

	if cmd.MetricsPort != 0 {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		var srv = &http.Server{Addr: fmt.Sprintf(":%d", cmd.MetricsPort), Handler: mux}

		go func() {
			log.WithField("addr", srv.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				log.WithField("err", err).Error("metrics listener failed")
			}
		}()
		defer srv.Close()
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	log.WithFields(log.Fields{
		"store":     cmd.Store.Engine,
		"sources":   len(s.pipes),
		"schedules": len(s.cfg.Schedules),
	}).Info("lake worker starting")

	if err = w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	log.Info("goodbye")
	return nil
}
