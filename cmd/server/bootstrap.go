package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xcancloud/AngusInfra-sub001/internal/config"
	"github.com/xcancloud/AngusInfra-sub001/internal/engine"
	"github.com/xcancloud/AngusInfra-sub001/internal/events"
	"github.com/xcancloud/AngusInfra-sub001/internal/executor"
	"github.com/xcancloud/AngusInfra-sub001/internal/lock"
	"github.com/xcancloud/AngusInfra-sub001/internal/metrics"
	"github.com/xcancloud/AngusInfra-sub001/internal/middleware"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/pool"
	"github.com/xcancloud/AngusInfra-sub001/internal/retry"
	"github.com/xcancloud/AngusInfra-sub001/internal/schedule"
	"github.com/xcancloud/AngusInfra-sub001/internal/scheduler"
	"github.com/xcancloud/AngusInfra-sub001/internal/services"
	"github.com/xcancloud/AngusInfra-sub001/internal/shard"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
	"github.com/xcancloud/AngusInfra-sub001/internal/utils"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
	"gorm.io/gorm"
)

// app holds every long-lived component of a scheduler node.
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	registry   *prometheus.Registry
	pool       *pool.Pool
	scheduler  *scheduler.Scheduler
	events     *events.Hub
	jobService *services.JobService
	dashboard  *services.DashboardService
	taskQueue  services.TriggerQueue
	worker     *services.Worker
	limiter    *middleware.RateLimiter
	closeLocks func()
}

// bootstrap wires the database, lock backend, execution engine, scheduler
// and management services. Nothing is started yet.
func bootstrap(cfg *config.Config) (*app, error) {
	utils.SetJWTSecret(cfg.Server.JWTSecret)

	if err := models.InitDB(&cfg.Database); err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db := models.GetDB()

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	registry := metrics.NewRegistry(sqlDB)
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registry)
	}

	locks, closeLocks, err := newLockManager(cfg, db)
	if err != nil {
		return nil, err
	}

	policy, err := newRetryPolicy(&cfg.Retry)
	if err != nil {
		closeLocks()
		return nil, err
	}

	nodeID := cfg.Scheduler.NodeID
	if nodeID == "" {
		nodeID = scheduler.DefaultNodeID()
	}

	stores := store.New(db)
	hub := events.NewHub()
	executors := executor.NewRegistry()
	executor.RegisterBuiltins(executors)
	evaluator := schedule.NewCronEvaluator()

	workers := pool.New(cfg.Shard.PoolSize, cfg.Shard.QueueSize)
	collector.RegisterPool(workers)

	shards := shard.NewManager(stores.Shards, stores.Logs, workers, collector, shard.Config{
		Node:                 nodeID,
		MapPhaseTimeout:      cfg.Shard.MapPhaseTimeout,
		ShardingPhaseTimeout: cfg.Shard.ShardingPhaseTimeout,
	})
	eng := engine.New(engine.Deps{
		Jobs:      stores.Jobs,
		Logs:      stores.Logs,
		Shards:    shards,
		Registry:  executors,
		Evaluator: evaluator,
		Policy:    policy,
		Metrics:   collector,
		Events:    hub,
		Node:      nodeID,
	})
	sched := scheduler.New(scheduler.Config{
		NodeID:              nodeID,
		PollInterval:        cfg.Scheduler.PollInterval,
		LockTTL:             cfg.Scheduler.LockTTL,
		LeaseRenewInterval:  cfg.Scheduler.LeaseRenewInterval,
		MaxConcurrentJobs:   cfg.Scheduler.MaxConcurrentJobs,
		LockSweepInterval:   cfg.Scheduler.LockSweepInterval,
		StuckJobThreshold:   cfg.Scheduler.StuckJobThreshold,
		HealthCheckInterval: cfg.Scheduler.HealthCheckInterval,
	}, stores.Jobs, locks, eng, collector)

	taskQueue := services.NewTriggerQueue(&cfg.Redis)
	jobService := services.NewJobService(stores, executors, evaluator, locks, taskQueue, collector)
	jobService.SetEventHub(hub)

	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis, cfg.Scheduler.MaxConcurrentJobs)
		worker.SetProcessor(jobService.ApplyTrigger)
	} else if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(jobService.ApplyTrigger)
	}

	logger.Info().Str("node", nodeID).Str("db", cfg.Database.Driver).Str("lock_backend", cfg.Lock.Backend).
		Strs("executors", executors.Names()).Msg("Scheduler node initialized")

	return &app{
		cfg:        cfg,
		db:         db,
		registry:   registry,
		pool:       workers,
		scheduler:  sched,
		events:     hub,
		jobService: jobService,
		dashboard:  services.NewDashboardService(stores),
		taskQueue:  taskQueue,
		worker:     worker,
		limiter:    middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		closeLocks: closeLocks,
	}, nil
}

// newLockManager builds the lease store selected by lock.backend. The
// returned func releases the backend's connections.
func newLockManager(cfg *config.Config, db *gorm.DB) (*lock.Manager, func(), error) {
	switch cfg.Lock.Backend {
	case "", "database":
		return lock.NewManager(lock.NewGormStore(db)), func() {}, nil
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis lock backend at %s: %w", cfg.Redis.Addr, err)
		}
		return lock.NewManager(lock.NewRedisStore(rdb)), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend: %s", cfg.Lock.Backend)
	}
}

func newRetryPolicy(cfg *config.RetryConfig) (*retry.Policy, error) {
	backoff, err := retry.NewBackoff(cfg.Strategy, cfg.Delay, cfg.MaxDelay)
	if err != nil {
		return nil, err
	}
	return retry.NewPolicy(backoff), nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.pool.Start(); err != nil {
		return fmt.Errorf("start shard pool: %w", err)
	}
	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return err
		}
	}
	return a.scheduler.Start(ctx)
}

// shutdown stops polling first so no new cycle starts, then drains the
// shard pool and closes the queue and lock backends.
func (a *app) shutdown(ctx context.Context) {
	a.events.Close()
	a.limiter.Close()
	if err := a.scheduler.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("Scheduler did not stop cleanly")
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	a.pool.Stop()
	if a.taskQueue != nil {
		if err := a.taskQueue.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close trigger queue")
		}
	}
	a.closeLocks()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info().Msg("Scheduler node stopped")
}
