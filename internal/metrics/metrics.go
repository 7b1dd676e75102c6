// Package metrics exposes scheduler and shard execution metrics to
// Prometheus. A nil *Collector is valid and records nothing.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "jobcore"

// Job outcomes as reported by the engine.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

type Collector struct {
	jobsDispatched prometheus.Counter
	jobExecutions  *prometheus.CounterVec
	lockContention prometheus.Counter
	lockErrors     prometheus.Counter
	shards         *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	phaseDuration  *prometheus.HistogramVec
	stuckJobs      prometheus.Gauge
	locksSwept     prometheus.Counter
	triggersQueued prometheus.Counter
	registerer     prometheus.Registerer
}

// PoolStats is the view of the worker pool the gauges read.
type PoolStats interface {
	QueueDepth() int
	Busy() int
}

// NewRegistry returns a registry preloaded with Go runtime, process and
// connection pool collectors. db may be nil.
func NewRegistry(db *sql.DB) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	if db != nil {
		reg.MustRegister(collectors.NewDBStatsCollector(db, namespace))
	}
	return reg
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs handed to the execution engine",
		}),
		jobExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "Job execution cycles by kind and outcome",
		}, []string{"kind", "outcome"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Lock attempts that found the job held by another node",
		}),
		lockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_release_failures_total",
			Help:      "Lock releases that did not delete a record",
		}),
		shards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_total",
			Help:      "Finished shards by terminal status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of a job execution cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of sharding, map and reduce phases",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		stuckJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_jobs",
			Help:      "RUNNING jobs older than the stuck threshold at the last check",
		}),
		locksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_swept_total",
			Help:      "Expired lock records deleted by the maintenance sweep",
		}),
		triggersQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_enqueued_total",
			Help:      "Manual trigger requests handed to the trigger queue",
		}),
		registerer: reg,
	}

	if reg != nil {
		reg.MustRegister(
			c.jobsDispatched,
			c.jobExecutions,
			c.lockContention,
			c.lockErrors,
			c.shards,
			c.jobDuration,
			c.phaseDuration,
			c.stuckJobs,
			c.locksSwept,
			c.triggersQueued,
		)
	}
	return c
}

// RegisterPool publishes queue depth and busy workers of p.
func (c *Collector) RegisterPool(p PoolStats) {
	if c == nil || c.registerer == nil {
		return
	}
	c.registerer.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Shard tasks waiting for a worker",
		}, func() float64 { return float64(p.QueueDepth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_busy_workers",
			Help:      "Workers currently running a shard task",
		}, func() float64 { return float64(p.Busy()) }),
	)
}

func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

func (c *Collector) RecordExecution(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobExecutions.WithLabelValues(kind, outcome).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) RecordLockContention() {
	if c == nil {
		return
	}
	c.lockContention.Inc()
}

func (c *Collector) RecordReleaseFailure() {
	if c == nil {
		return
	}
	c.lockErrors.Inc()
}

func (c *Collector) RecordShard(status string) {
	if c == nil {
		return
	}
	c.shards.WithLabelValues(status).Inc()
}

func (c *Collector) RecordPhase(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (c *Collector) SetStuckJobs(n int) {
	if c == nil {
		return
	}
	c.stuckJobs.Set(float64(n))
}

func (c *Collector) RecordLocksSwept(n int64) {
	if c == nil {
		return
	}
	c.locksSwept.Add(float64(n))
}

func (c *Collector) RecordTriggerEnqueued() {
	if c == nil {
		return
	}
	c.triggersQueued.Inc()
}
