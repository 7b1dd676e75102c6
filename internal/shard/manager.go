// Package shard fans a job out over its shards on the worker pool and
// collects the per-shard outcomes.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/xcancloud/AngusInfra-sub001/internal/executor"
	"github.com/xcancloud/AngusInfra-sub001/internal/metrics"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/pool"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

var (
	ErrPhaseTimeout = errors.New("shard phase timed out")
	ErrShardFailed  = errors.New("shard failed")
)

const (
	PhaseSharding = "sharding"
	PhaseMap      = "map"
)

// Outcome is the result of one shard of a sharded job.
type Outcome struct {
	Index   int
	Param   string
	Success bool
	Message string
	Err     error
}

// PartialResult is the map output of one shard.
type PartialResult struct {
	Index  int
	Values []string
}

type Config struct {
	Node                 string
	MapPhaseTimeout      time.Duration
	ShardingPhaseTimeout time.Duration
}

type Manager struct {
	shards  *store.ShardStore
	logs    *store.ExecutionLogStore
	pool    *pool.Pool
	metrics *metrics.Collector
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger
}

func NewManager(shards *store.ShardStore, logs *store.ExecutionLogStore, p *pool.Pool, m *metrics.Collector, cfg Config) *Manager {
	if cfg.MapPhaseTimeout <= 0 {
		cfg.MapPhaseTimeout = 5 * time.Minute
	}
	if cfg.ShardingPhaseTimeout <= 0 {
		cfg.ShardingPhaseTimeout = 10 * time.Minute
	}
	return &Manager{
		shards:  shards,
		logs:    logs,
		pool:    p,
		metrics: m,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.Component("shard"),
	}
}

// Create replaces the job's shard rows with a fresh PENDING set covering
// indices [0, shardCount).
func (m *Manager) Create(ctx context.Context, job *models.Job) ([]models.JobShard, error) {
	n := job.EffectiveShardCount()
	rows := make([]models.JobShard, n)
	for i := 0; i < n; i++ {
		rows[i] = models.JobShard{
			JobID:      job.ID,
			ShardItem:  i,
			ShardParam: job.ShardParam(i),
			Status:     models.ShardStatusPending,
		}
	}
	if err := m.shards.Replace(ctx, job.ID, rows); err != nil {
		return nil, fmt.Errorf("create shards for job %d: %w", job.ID, err)
	}
	return rows, nil
}

// RunSharded runs exec once per shard and waits for all of them up to the
// sharding phase timeout.
func (m *Manager) RunSharded(ctx context.Context, job *models.Job, ec *executor.Context, exec executor.ShardingExecutor) ([]Outcome, error) {
	results, err := m.runPhase(ctx, job, ec, PhaseSharding, m.cfg.ShardingPhaseTimeout,
		func(ctx context.Context, sc *executor.Context) ([]string, string, error) {
			res, err := exec.ExecuteSharding(ctx, sc, sc.ShardIndex, sc.ShardParam)
			if err != nil {
				return nil, res.Message, err
			}
			if !res.Success {
				return nil, res.Message, reportedFailure(res.Message)
			}
			return nil, res.Message, nil
		})

	outcomes := make([]Outcome, 0, len(results))
	for _, r := range results {
		outcomes = append(outcomes, Outcome{
			Index:   r.index,
			Param:   r.param,
			Success: r.err == nil,
			Message: r.message,
			Err:     r.err,
		})
	}
	return outcomes, err
}

// RunMapPhase runs the map capability once per shard and returns every
// shard's partial results ordered by shard index.
func (m *Manager) RunMapPhase(ctx context.Context, job *models.Job, ec *executor.Context, exec executor.MapReduceExecutor) ([]PartialResult, error) {
	results, err := m.runPhase(ctx, job, ec, PhaseMap, m.cfg.MapPhaseTimeout,
		func(ctx context.Context, sc *executor.Context) ([]string, string, error) {
			values, err := exec.Map(ctx, sc, sc.ShardIndex, sc.ShardParam)
			if err != nil {
				return nil, "", err
			}
			if values == nil {
				values = []string{}
			}
			return values, fmt.Sprintf("%d partial results", len(values)), nil
		})
	if err != nil {
		return nil, err
	}

	partials := make([]PartialResult, 0, len(results))
	for _, r := range results {
		partials = append(partials, PartialResult{Index: r.index, Values: r.values})
	}
	return partials, nil
}

type shardFunc func(ctx context.Context, sc *executor.Context) (values []string, message string, err error)

type shardResult struct {
	index   int
	param   string
	values  []string
	message string
	err     error
}

func (m *Manager) runPhase(ctx context.Context, job *models.Job, ec *executor.Context, phase string, timeout time.Duration, fn shardFunc) ([]shardResult, error) {
	start := m.now()
	defer func() { m.metrics.RecordPhase(phase, m.now().Sub(start)) }()

	rows, err := m.Create(ctx, job)
	if err != nil {
		return nil, err
	}

	// Shards are not cancelled when the phase gives up on them; they run
	// to completion and record their own outcome.
	taskCtx := context.WithoutCancel(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make(chan shardResult, len(rows))
	for i := range rows {
		row := rows[i]
		sc := ec.ForShard(row.ShardItem, row.ShardParam)
		submitErr := m.pool.Submit(waitCtx, func() {
			out <- m.runShard(taskCtx, job, row, sc, fn)
		})
		if submitErr != nil {
			out <- m.rejectShard(taskCtx, job, row, submitErr)
		}
	}

	results := make([]shardResult, 0, len(rows))
	for len(results) < len(rows) {
		select {
		case r := <-out:
			results = append(results, r)
		case <-waitCtx.Done():
			sortResults(results)
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				m.log.Warn().Uint("job_id", job.ID).Str("phase", phase).
					Int("finished", len(results)).Int("shards", len(rows)).
					Dur("timeout", timeout).Msg("shard phase timed out")
				return results, fmt.Errorf("%w: %s phase of job %d after %s, %d of %d shards finished",
					ErrPhaseTimeout, phase, job.ID, timeout, len(results), len(rows))
			}
			return results, fmt.Errorf("%s phase of job %d: %w", phase, job.ID, waitCtx.Err())
		}
	}
	sortResults(results)

	var failed []shardResult
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%w: %d of %d shards of job %d failed, first (shard %d): %v",
			ErrShardFailed, len(failed), len(rows), job.ID, failed[0].index, failed[0].err)
	}
	return results, nil
}

// runShard moves one shard through RUNNING to its terminal state and
// mirrors the outcome in a shard-level log entry.
func (m *Manager) runShard(ctx context.Context, job *models.Job, row models.JobShard, sc *executor.Context, fn shardFunc) (res shardResult) {
	res = shardResult{index: row.ShardItem, param: row.ShardParam}
	start := m.now()

	if err := m.shards.MarkRunning(ctx, row.ID, m.cfg.Node, start); err != nil {
		m.log.Warn().Err(err).Uint("job_id", job.ID).Int("shard", row.ShardItem).Msg("failed to mark shard running")
	}
	item := row.ShardItem
	entry := &models.JobExecutionLog{
		JobID:        job.ID,
		JobName:      job.Name,
		ShardItem:    &item,
		StartTime:    start,
		ExecutorNode: m.cfg.Node,
	}
	m.startLog(ctx, job, entry)

	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("shard %d panicked: %v", row.ShardItem, r)
		}
		m.finishShard(ctx, job, row, entry, &res)
	}()

	res.values, res.message, res.err = fn(ctx, sc)
	return res
}

// rejectShard records a shard that never reached a worker.
func (m *Manager) rejectShard(ctx context.Context, job *models.Job, row models.JobShard, cause error) shardResult {
	res := shardResult{
		index: row.ShardItem,
		param: row.ShardParam,
		err:   fmt.Errorf("shard %d not scheduled: %w", row.ShardItem, cause),
	}
	item := row.ShardItem
	entry := &models.JobExecutionLog{
		JobID:        job.ID,
		JobName:      job.Name,
		ShardItem:    &item,
		StartTime:    m.now(),
		ExecutorNode: m.cfg.Node,
	}
	m.startLog(ctx, job, entry)
	m.finishShard(ctx, job, row, entry, &res)
	return res
}

// startLog opens the shard's log entry. A job deleted mid-phase gets no
// new entries; finishShard skips entries that were never created.
func (m *Manager) startLog(ctx context.Context, job *models.Job, entry *models.JobExecutionLog) {
	err := m.logs.Start(ctx, entry)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		m.log.Debug().Uint("job_id", job.ID).Int("shard", *entry.ShardItem).Msg("job deleted, shard not logged")
	default:
		m.log.Warn().Err(err).Uint("job_id", job.ID).Int("shard", *entry.ShardItem).Msg("failed to create shard log")
	}
}

func (m *Manager) finishShard(ctx context.Context, job *models.Job, row models.JobShard, entry *models.JobExecutionLog, res *shardResult) {
	end := m.now()
	status := models.ShardStatusCompleted
	outcome := store.Outcome{
		Status:  models.ExecutionStatusSuccess,
		Result:  res.message,
		EndTime: end,
	}
	if res.err != nil {
		status = models.ShardStatusFailed
		outcome.Status = models.ExecutionStatusFailure
		outcome.ErrorMessage = res.err.Error()
	}

	if err := m.shards.Finish(ctx, row.ID, status, res.values, end); err != nil {
		m.log.Warn().Err(err).Uint("job_id", job.ID).Int("shard", row.ShardItem).Msg("failed to finish shard")
	}
	if entry.ID != 0 {
		if err := m.logs.Finish(ctx, entry, outcome); err != nil {
			m.log.Warn().Err(err).Uint("job_id", job.ID).Int("shard", row.ShardItem).Msg("failed to finish shard log")
		}
	}
	m.metrics.RecordShard(string(status))

	event := m.log.Debug()
	if res.err != nil {
		event = m.log.Warn().Err(res.err)
	}
	event.Uint("job_id", job.ID).Int("shard", row.ShardItem).Str("status", string(status)).
		Dur("elapsed", end.Sub(entry.StartTime)).Msg("shard finished")
}

func sortResults(results []shardResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
}

func reportedFailure(message string) error {
	if message == "" {
		return errors.New("executor reported failure")
	}
	return fmt.Errorf("executor reported failure: %s", message)
}
