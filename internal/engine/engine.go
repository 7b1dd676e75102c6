// Package engine executes one cycle of a job whose lease the caller holds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xcancloud/AngusInfra-sub001/internal/events"
	"github.com/xcancloud/AngusInfra-sub001/internal/executor"
	"github.com/xcancloud/AngusInfra-sub001/internal/metrics"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/retry"
	"github.com/xcancloud/AngusInfra-sub001/internal/schedule"
	"github.com/xcancloud/AngusInfra-sub001/internal/shard"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

// ErrNotReady means the job left READY before the cycle could start.
var ErrNotReady = errors.New("job is not ready")

type Engine struct {
	jobs      *store.JobStore
	logs      *store.ExecutionLogStore
	shards    *shard.Manager
	registry  *executor.Registry
	evaluator schedule.Evaluator
	policy    *retry.Policy
	metrics   *metrics.Collector
	events    *events.Hub
	node      string
	now       func() time.Time
	log       zerolog.Logger
}

type Deps struct {
	Jobs      *store.JobStore
	Logs      *store.ExecutionLogStore
	Shards    *shard.Manager
	Registry  *executor.Registry
	Evaluator schedule.Evaluator
	Policy    *retry.Policy
	Metrics   *metrics.Collector
	Events    *events.Hub
	Node      string
}

func New(d Deps) *Engine {
	if d.Policy == nil {
		d.Policy = retry.NewPolicy(nil)
	}
	return &Engine{
		jobs:      d.Jobs,
		logs:      d.Logs,
		shards:    d.Shards,
		registry:  d.Registry,
		evaluator: d.Evaluator,
		policy:    d.Policy,
		metrics:   d.Metrics,
		events:    d.Events,
		node:      d.Node,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Component("engine"),
	}
}

// Execute runs one cycle of job. The job is flipped to RUNNING before any
// executor code runs and its scheduling state is written back exactly
// once when the cycle ends, whatever the outcome. The returned error is
// the cycle's failure cause, already handled by the retry policy.
func (e *Engine) Execute(ctx context.Context, job *models.Job) (runErr error) {
	started, err := e.jobs.MarkRunning(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark job %d running: %w", job.ID, err)
	}
	if !started {
		e.metrics.RecordExecution(string(job.Kind), metrics.OutcomeSkipped, 0)
		return ErrNotReady
	}
	job.Status = models.JobStatusRunning
	e.metrics.RecordDispatch()
	e.events.Publish(events.Event{
		Type:    events.TypeCycleStarted,
		JobID:   job.ID,
		JobName: job.Name,
		Status:  job.Status,
		Node:    e.node,
	})

	start := e.now()
	scheduled := start
	if job.NextExecutionTime != nil {
		scheduled = *job.NextExecutionTime
	}

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("job %d panicked: %v", job.ID, r)
		}
		e.finish(context.WithoutCancel(ctx), job, start, runErr)
	}()

	ec := executor.NewContext(job, e.node, scheduled)
	switch job.Kind {
	case models.JobKindSimple:
		return e.runSimple(ctx, job, ec)
	case models.JobKindSharding:
		return e.runSharding(ctx, job, ec)
	case models.JobKindMapReduce:
		return e.runMapReduce(ctx, job, ec)
	default:
		err := fmt.Errorf("%w: unknown kind %q", executor.ErrUnsupported, job.Kind)
		e.recordFailure(ctx, job, start, models.ExecutionStatusFailure, err)
		return err
	}
}

func (e *Engine) runSimple(ctx context.Context, job *models.Job, ec *executor.Context) error {
	return e.record(ctx, job, nil, func() (string, error) {
		exec, err := e.registry.Simple(job.ExecutorRef)
		if err != nil {
			return "", err
		}
		res, err := exec.Execute(ctx, ec)
		if err != nil {
			return res.Message, err
		}
		if !res.Success {
			return res.Message, reportedFailure(res.Message)
		}
		return res.Message, nil
	})
}

func (e *Engine) runSharding(ctx context.Context, job *models.Job, ec *executor.Context) error {
	exec, err := e.registry.Sharding(job.ExecutorRef)
	if err != nil {
		e.recordFailure(ctx, job, e.now(), models.ExecutionStatusFailure, err)
		return err
	}

	start := e.now()
	_, err = e.shards.RunSharded(ctx, job, ec, exec)
	if errors.Is(err, shard.ErrPhaseTimeout) {
		e.recordFailure(ctx, job, start, models.ExecutionStatusTimeout, err)
	}
	return err
}

func (e *Engine) runMapReduce(ctx context.Context, job *models.Job, ec *executor.Context) error {
	exec, err := e.registry.MapReduce(job.ExecutorRef)
	if err != nil {
		e.recordFailure(ctx, job, e.now(), models.ExecutionStatusFailure, err)
		return err
	}

	start := e.now()
	partials, err := e.shards.RunMapPhase(ctx, job, ec, exec)
	if err != nil {
		if errors.Is(err, shard.ErrPhaseTimeout) {
			e.recordFailure(ctx, job, start, models.ExecutionStatusTimeout, err)
		}
		return err
	}

	var collected []string
	for _, p := range partials {
		collected = append(collected, p.Values...)
	}

	reduceStart := e.now()
	defer func() { e.metrics.RecordPhase("reduce", e.now().Sub(reduceStart)) }()

	item := models.ReduceShardItem
	return e.record(ctx, job, &item, func() (string, error) {
		return exec.Reduce(ctx, ec, collected)
	})
}

// record wraps fn in an execution log entry. Panics in fn are converted to
// errors so the entry is always finalized.
func (e *Engine) record(ctx context.Context, job *models.Job, shardItem *int, fn func() (string, error)) (err error) {
	entry := &models.JobExecutionLog{
		JobID:        job.ID,
		JobName:      job.Name,
		ShardItem:    shardItem,
		StartTime:    e.now(),
		ExecutorNode: e.node,
	}
	if startErr := e.logs.Start(ctx, entry); startErr != nil {
		e.logStartFailed(job, startErr)
	}

	var result string
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor %q panicked: %v", job.ExecutorRef, r)
		}
		if entry.ID == 0 {
			return
		}
		out := store.Outcome{
			Status:  models.ExecutionStatusSuccess,
			Result:  result,
			EndTime: e.now(),
		}
		if err != nil {
			out.Status = models.ExecutionStatusFailure
			out.ErrorMessage = err.Error()
		}
		if finErr := e.logs.Finish(context.WithoutCancel(ctx), entry, out); finErr != nil {
			e.log.Warn().Err(finErr).Uint("job_id", job.ID).Msg("failed to finish execution log")
		}
	}()

	result, err = fn()
	return err
}

// recordFailure writes a job-level entry for a failure that happened
// outside any executor call.
func (e *Engine) recordFailure(ctx context.Context, job *models.Job, start time.Time, status models.ExecutionStatus, cause error) {
	entry := &models.JobExecutionLog{
		JobID:        job.ID,
		JobName:      job.Name,
		StartTime:    start,
		ExecutorNode: e.node,
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.logs.Start(ctx, entry); err != nil {
		e.logStartFailed(job, err)
		return
	}
	err := e.logs.Finish(ctx, entry, store.Outcome{
		Status:       status,
		ErrorMessage: cause.Error(),
		EndTime:      e.now(),
	})
	if err != nil {
		e.log.Warn().Err(err).Uint("job_id", job.ID).Msg("failed to finish execution log")
	}
}

func (e *Engine) logStartFailed(job *models.Job, err error) {
	if errors.Is(err, store.ErrNotFound) {
		e.log.Debug().Uint("job_id", job.ID).Msg("job deleted during its cycle, execution not logged")
		return
	}
	e.log.Warn().Err(err).Uint("job_id", job.ID).Msg("failed to create execution log")
}

// finish applies the success or retry rules and persists the job.
func (e *Engine) finish(ctx context.Context, job *models.Job, start time.Time, runErr error) {
	now := e.now()
	job.LastExecutionTime = &start

	outcome := metrics.OutcomeSuccess
	if runErr == nil {
		next, err := e.evaluator.Next(job.Schedule, now)
		if err != nil {
			// Left RUNNING so it is not due again. The stuck job check
			// reports it and a trigger or pause revives it once the lease
			// is released.
			e.log.Error().Err(err).Uint("job_id", job.ID).Str("schedule", job.Schedule).
				Msg("failed to compute next execution time, job stays RUNNING")
			job.RetryCount = 0
		} else {
			next = next.UTC()
			e.policy.ApplySuccess(job, &next)
		}
	} else {
		d := e.policy.ApplyFailure(job, now)
		outcome = metrics.OutcomeRetry
		if d.Terminal() {
			outcome = metrics.OutcomeFailed
		}
		e.log.Warn().Err(runErr).Uint("job_id", job.ID).Str("job", job.Name).
			Int("retry_count", job.RetryCount).Int("max_retry_count", job.MaxRetryCount).
			Str("status", string(job.Status)).Msg("job execution failed")
	}

	saved, err := e.jobs.SaveOutcome(ctx, job)
	switch {
	case err != nil:
		e.log.Error().Err(err).Uint("job_id", job.ID).Msg("failed to persist job outcome")
	case !saved:
		e.log.Warn().Uint("job_id", job.ID).Msg("job changed during execution, outcome not persisted")
	}

	elapsed := now.Sub(start)
	e.metrics.RecordExecution(string(job.Kind), outcome, elapsed)
	ev := events.Event{
		Type:    events.TypeCycleFinished,
		JobID:   job.ID,
		JobName: job.Name,
		Status:  job.Status,
		Outcome: outcome,
		Node:    e.node,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	e.events.Publish(ev)
	e.log.Info().Uint("job_id", job.ID).Str("job", job.Name).Str("kind", string(job.Kind)).
		Str("outcome", outcome).Dur("elapsed", elapsed).Msg("job cycle finished")
}

func reportedFailure(message string) error {
	if message == "" {
		return errors.New("executor reported failure")
	}
	return fmt.Errorf("executor reported failure: %s", message)
}
