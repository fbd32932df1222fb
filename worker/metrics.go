package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lake_worker_jobs_total",
	Help: "counter of sync jobs finished by the worker, by terminal status",
}, []string{"source", "entity_type", "status"})

var jobDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "lake_worker_job_duration_seconds",
	Help:    "duration in seconds of sync job executions",
	Buckets: []float64{0.1, 0.5, 2, 10, 30, 120, 600},
}, []string{"source", "entity_type"})

var recordsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lake_sync_records_total",
	Help: "counter of records processed by finished sync jobs, by outcome",
}, []string{"source", "entity_type", "outcome"})

var schedulesFiredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lake_worker_schedules_fired_total",
	Help: "counter of jobs enqueued by the scheduler from due schedules",
}, []string{"source", "entity_type"})

var queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lake_worker_queue_depth",
	Help: "gauge of sync jobs currently pending in the queue",
})
