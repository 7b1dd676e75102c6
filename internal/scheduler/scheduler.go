// Package scheduler polls for due jobs and runs each one under its lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xcancloud/AngusInfra-sub001/internal/engine"
	"github.com/xcancloud/AngusInfra-sub001/internal/lock"
	"github.com/xcancloud/AngusInfra-sub001/internal/metrics"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	NodeID              string
	PollInterval        time.Duration
	LockTTL             time.Duration
	// LeaseRenewInterval is how often a node extends the lease of a cycle
	// it is running. Defaults to a third of LockTTL.
	LeaseRenewInterval  time.Duration
	MaxConcurrentJobs   int
	BatchSize           int
	LockSweepInterval   time.Duration
	StuckJobThreshold   time.Duration
	HealthCheckInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.NodeID == "" {
		c.NodeID = DefaultNodeID()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 300 * time.Second
	}
	if c.LeaseRenewInterval <= 0 || c.LeaseRenewInterval >= c.LockTTL {
		c.LeaseRenewInterval = c.LockTTL / 3
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// DefaultNodeID is the hostname with a random suffix, so two processes on
// one host never share a lease owner.
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

type Scheduler struct {
	cfg     Config
	jobs    *store.JobStore
	locks   *lock.Manager
	engine  *engine.Engine
	metrics *metrics.Collector
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	// dispatchCtx outlives Stop so in-flight cycles can finish.
	dispatchCtx context.Context
}

func New(cfg Config, jobs *store.JobStore, locks *lock.Manager, eng *engine.Engine, m *metrics.Collector) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		locks:   locks,
		engine:  eng,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.Component("scheduler").With().Str("node", cfg.NodeID).Logger(),
	}
}

func (s *Scheduler) NodeID() string { return s.cfg.NodeID }

// Start launches the poll loop and the maintenance loops. It returns
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.dispatchCtx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go s.loop("poll", s.cfg.PollInterval, func() { s.Tick(s.dispatchCtx) })

	if s.cfg.LockSweepInterval > 0 {
		s.wg.Add(1)
		go s.loop("lock-sweep", s.cfg.LockSweepInterval, func() { s.SweepLocks(s.dispatchCtx) })
	}
	if s.cfg.StuckJobThreshold > 0 && s.cfg.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go s.loop("health", s.cfg.HealthCheckInterval, func() { s.CheckStuckJobs(s.dispatchCtx) })
	}

	s.log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("lock_ttl", s.cfg.LockTTL).
		Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs).
		Msg("scheduler started")
	return nil
}

// Stop stops issuing ticks and waits for in-flight cycles until ctx is
// done. Cycles still running after that keep their lease until it expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with cycles still running")
		return ctx.Err()
	}
}

func (s *Scheduler) loop(name string, interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.safely(name, fn)
		}
	}
}

func (s *Scheduler) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("loop", name).Msg("scheduler loop iteration panicked")
		}
	}()
	fn()
}

// Tick runs one polling cycle and blocks until every dispatched job has
// finished. It returns how many jobs were executed.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, err := s.jobs.FindDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query due jobs")
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	var (
		g        errgroup.Group
		executed atomic.Int32
	)
	g.SetLimit(s.cfg.MaxConcurrentJobs)
	for i := range due {
		job := due[i]
		g.Go(func() error {
			if s.dispatch(ctx, &job) {
				executed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(executed.Load())
}

// dispatch runs job under its lease. Contention is the expected outcome
// when another node got there first and is not reported as an error.
func (s *Scheduler) dispatch(ctx context.Context, candidate *models.Job) bool {
	key := lock.JobKey(candidate.ID)
	if !s.locks.TryLock(ctx, key, s.cfg.NodeID, s.cfg.LockTTL) {
		s.metrics.RecordLockContention()
		s.log.Debug().Uint("job_id", candidate.ID).Str("lock_key", key).Msg("job locked elsewhere, skipping")
		return false
	}
	defer func() {
		if !s.locks.Release(context.WithoutCancel(ctx), key, s.cfg.NodeID) {
			s.metrics.RecordReleaseFailure()
			s.log.Warn().Uint("job_id", candidate.ID).Str("lock_key", key).Msg("lock was not released")
		}
	}()

	// The candidate list may be stale: another node could have run the job
	// between the query and the lock.
	job, err := s.jobs.Get(ctx, candidate.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error().Err(err).Uint("job_id", candidate.ID).Msg("failed to reload job")
		}
		return false
	}
	if job.Status != models.JobStatusReady || job.NextExecutionTime == nil || job.NextExecutionTime.After(s.now()) {
		return false
	}

	stopRenew := s.holdLease(ctx, job.ID, key)
	defer stopRenew()
	err = s.engine.Execute(ctx, job)
	switch {
	case errors.Is(err, engine.ErrNotReady):
		return false
	case err != nil:
		s.log.Debug().Err(err).Uint("job_id", job.ID).Msg("job cycle failed")
	}
	return true
}

// holdLease extends the lease on key until the returned func is called,
// so cycles longer than the TTL keep it.
func (s *Scheduler) holdLease(ctx context.Context, jobID uint, key string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !s.locks.Renew(ctx, key, s.cfg.NodeID, s.cfg.LockTTL) {
					s.log.Warn().Uint("job_id", jobID).Str("lock_key", key).Msg("lease renewal failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// SweepLocks deletes expired leases.
func (s *Scheduler) SweepLocks(ctx context.Context) {
	n, err := s.locks.Sweep(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("lock sweep failed")
		return
	}
	s.metrics.RecordLocksSwept(n)
}

// CheckStuckJobs warns about RUNNING jobs untouched for longer than the
// stuck threshold. It changes no state.
func (s *Scheduler) CheckStuckJobs(ctx context.Context) int {
	if s.cfg.StuckJobThreshold <= 0 {
		return 0
	}
	stuck, err := s.jobs.FindStuck(ctx, s.now().Add(-s.cfg.StuckJobThreshold))
	if err != nil {
		s.log.Warn().Err(err).Msg("stuck job check failed")
		return 0
	}
	for _, job := range stuck {
		s.log.Warn().Uint("job_id", job.ID).Str("job", job.Name).Str("group", job.Group).
			Time("updated_at", job.UpdatedAt).Msg("job has been RUNNING longer than the stuck threshold")
	}
	s.metrics.SetStuckJobs(len(stuck))
	return len(stuck)
}
