package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xcancloud/AngusInfra-sub001/internal/events"
	"github.com/xcancloud/AngusInfra-sub001/internal/executor"
	"github.com/xcancloud/AngusInfra-sub001/internal/lock"
	"github.com/xcancloud/AngusInfra-sub001/internal/metrics"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/schedule"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

const (
	DefaultGroup         = "default"
	DefaultMaxRetryCount = 3
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job with this name already exists in the group")
	ErrInvalidJob   = errors.New("invalid job definition")
	// ErrInvalidState means the job's current status does not allow the
	// requested transition.
	ErrInvalidState = errors.New("job state does not allow this operation")
)

type JobService struct {
	jobs      *store.JobStore
	shards    *store.ShardStore
	logs      *store.ExecutionLogStore
	registry  *executor.Registry
	evaluator schedule.Evaluator
	locks     *lock.Manager
	queue     TriggerQueue
	metrics   *metrics.Collector
	events    *events.Hub
	now       func() time.Time
	log       zerolog.Logger
}

func NewJobService(stores *store.Stores, registry *executor.Registry, evaluator schedule.Evaluator, locks *lock.Manager, queue TriggerQueue, m *metrics.Collector) *JobService {
	return &JobService{
		jobs:      stores.Jobs,
		shards:    stores.Shards,
		logs:      stores.Logs,
		registry:  registry,
		evaluator: evaluator,
		locks:     locks,
		queue:     queue,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Component("job-service"),
	}
}

// SetEventHub makes lifecycle operations visible on the event stream.
func (s *JobService) SetEventHub(hub *events.Hub) {
	s.events = hub
}

func (s *JobService) publish(typ events.Type, job *models.Job) {
	s.events.Publish(events.Event{Type: typ, JobID: job.ID, JobName: job.Name, Status: job.Status})
}

type CreateJobRequest struct {
	Name          string         `json:"name" binding:"required,max=200"`
	Group         string         `json:"group" binding:"max=200"`
	Description   string         `json:"description" binding:"max=500"`
	Schedule      string         `json:"schedule" binding:"required"`
	ExecutorRef   string         `json:"executor_ref" binding:"required"`
	Kind          models.JobKind `json:"kind"`
	ShardCount    int            `json:"shard_count"`
	ShardParams   []string       `json:"shard_params"`
	MaxRetryCount *int           `json:"max_retry_count"`
}

type JobListRequest struct {
	Page     int              `form:"page"`
	PageSize int              `form:"page_size"`
	Status   models.JobStatus `form:"status"`
	Group    string           `form:"group"`
}

type JobListResponse struct {
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Items    []models.Job `json:"items"`
}

// LockStatus describes the lease currently guarding a job.
type LockStatus struct {
	Key        string     `json:"lock_key"`
	Held       bool       `json:"held"`
	Value      string     `json:"lock_value,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ExecutorInfo lists a registered executor and the kinds it can run.
type ExecutorInfo struct {
	Name  string           `json:"name"`
	Kinds []models.JobKind `json:"kinds"`
}

// Create validates req and stores a READY job due at the schedule's next
// activation.
func (s *JobService) Create(ctx context.Context, req *CreateJobRequest) (*models.Job, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return nil, err
	}

	next, err := s.evaluator.Next(job.Schedule, s.now())
	if err != nil {
		return nil, err
	}
	next = next.UTC()
	job.NextExecutionTime = &next

	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateJob
		}
		return nil, err
	}
	s.log.Info().Uint("job_id", job.ID).Str("job", job.Name).Str("group", job.Group).
		Str("kind", string(job.Kind)).Time("next_execution_time", next).Msg("job created")
	s.publish(events.TypeJobCreated, job)
	return job, nil
}

func (s *JobService) buildJob(req *CreateJobRequest) (*models.Job, error) {
	job := &models.Job{
		Name:          strings.TrimSpace(req.Name),
		Group:         strings.TrimSpace(req.Group),
		Description:   req.Description,
		Schedule:      strings.TrimSpace(req.Schedule),
		ExecutorRef:   strings.TrimSpace(req.ExecutorRef),
		Kind:          req.Kind,
		ShardCount:    req.ShardCount,
		ShardParams:   req.ShardParams,
		Status:        models.JobStatusReady,
		MaxRetryCount: DefaultMaxRetryCount,
	}
	if job.Group == "" {
		job.Group = DefaultGroup
	}
	if job.Kind == "" {
		job.Kind = models.JobKindSimple
	}
	if req.MaxRetryCount != nil {
		job.MaxRetryCount = *req.MaxRetryCount
	}

	switch {
	case job.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	case job.ExecutorRef == "":
		return nil, fmt.Errorf("%w: executor_ref is required", ErrInvalidJob)
	case !job.Kind.Valid():
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, job.Kind)
	case job.MaxRetryCount < 0:
		return nil, fmt.Errorf("%w: max_retry_count must not be negative", ErrInvalidJob)
	}

	if job.Kind.Sharded() {
		if job.ShardCount < 1 {
			return nil, fmt.Errorf("%w: shard_count must be at least 1", ErrInvalidJob)
		}
	} else {
		job.ShardCount = 1
		job.ShardParams = nil
	}

	if err := s.evaluator.Validate(job.Schedule); err != nil {
		return nil, err
	}
	if err := s.registry.Supports(job.ExecutorRef, job.Kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id uint) (*models.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return job, nil
}

func (s *JobService) List(ctx context.Context, req *JobListRequest) (*JobListResponse, error) {
	offset, limit := store.Page(req.Page, req.PageSize)
	page := offset/limit + 1

	jobs, total, err := s.jobs.List(ctx, store.JobFilter{
		Status:   req.Status,
		Group:    req.Group,
		Page:     page,
		PageSize: limit,
	})
	if err != nil {
		return nil, err
	}
	return &JobListResponse{Total: total, Page: page, PageSize: limit, Items: jobs}, nil
}

// Pause stops scheduling the job until it is resumed. A job whose cycle
// is in flight cannot be paused.
func (s *JobService) Pause(ctx context.Context, id uint) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkNotInFlight(ctx, job); err != nil {
		return nil, err
	}
	if err := s.jobs.Pause(ctx, id, job.Status); err != nil {
		return nil, mapStoreError(err)
	}
	s.log.Info().Uint("job_id", id).Str("from", string(job.Status)).Msg("job paused")
	job, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(events.TypeJobPaused, job)
	return job, nil
}

// checkNotInFlight refuses to touch a RUNNING job while its lease is held.
// A RUNNING job without a lease was abandoned by a node that died
// mid-cycle, and may be reset.
func (s *JobService) checkNotInFlight(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusRunning {
		return nil
	}
	rec, err := s.locks.Lookup(ctx, lock.JobKey(job.ID))
	if err != nil {
		return fmt.Errorf("check lease of job %d: %w", job.ID, err)
	}
	if rec != nil {
		return fmt.Errorf("%w: job is %s on %s", ErrInvalidState, job.Status, rec.Owner)
	}
	s.log.Warn().Uint("job_id", job.ID).Str("job", job.Name).Msg("resetting RUNNING job that holds no lease")
	return nil
}

// Resume makes a paused job READY again, due at the schedule's next
// activation.
func (s *JobService) Resume(ctx context.Context, id uint) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPaused {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}

	next, err := s.evaluator.Next(job.Schedule, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Resume(ctx, id, next.UTC()); err != nil {
		return nil, mapStoreError(err)
	}
	s.log.Info().Uint("job_id", id).Time("next_execution_time", next).Msg("job resumed")
	job, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(events.TypeJobResumed, job)
	return job, nil
}

// Trigger asks for an immediate run. The request goes through the trigger
// queue, so with an asynchronous queue the job may not be READY yet when
// Trigger returns.
func (s *JobService) Trigger(ctx context.Context, id uint) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkNotInFlight(ctx, job); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, &TriggerTask{JobID: id, RequestedAt: s.now()}); err != nil {
		return err
	}
	s.metrics.RecordTriggerEnqueued()
	return nil
}

// ApplyTrigger makes the job due now with a fresh retry budget. It is the
// processor behind the trigger queue.
func (s *JobService) ApplyTrigger(ctx context.Context, task *TriggerTask) error {
	job, err := s.Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	if err := s.checkNotInFlight(ctx, job); err != nil {
		return err
	}
	if err := s.jobs.Trigger(ctx, task.JobID, job.Status, s.now()); err != nil {
		return mapStoreError(err)
	}
	s.log.Info().Uint("job_id", task.JobID).Str("from", string(job.Status)).
		Time("requested_at", task.RequestedAt).Msg("job triggered")
	s.events.Publish(events.Event{Type: events.TypeJobTriggered, JobID: task.JobID, JobName: job.Name, Status: models.JobStatusReady})
	return nil
}

// Delete removes the job with its shards and execution history.
func (s *JobService) Delete(ctx context.Context, id uint) error {
	if err := s.jobs.Delete(ctx, id); err != nil {
		return mapStoreError(err)
	}
	s.log.Info().Uint("job_id", id).Msg("job deleted")
	s.events.Publish(events.Event{Type: events.TypeJobDeleted, JobID: id})
	return nil
}

// History returns one page of the job's execution log, newest first.
func (s *JobService) History(ctx context.Context, id uint, page, pageSize int) ([]models.JobExecutionLog, int64, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.logs.ListByJob(ctx, id, page, pageSize)
}

func (s *JobService) Stats(ctx context.Context, id uint) (*store.ExecutionStats, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.Stats(ctx, id)
}

// Shards returns the shard rows of the job's latest sharded cycle.
func (s *JobService) Shards(ctx context.Context, id uint) ([]models.JobShard, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.shards.ListByJob(ctx, id)
}

// Lock reports the lease currently held on the job, if any.
func (s *JobService) Lock(ctx context.Context, id uint) (*LockStatus, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	key := lock.JobKey(id)
	rec, err := s.locks.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	status := &LockStatus{Key: key}
	if rec != nil {
		acquired, expires := rec.AcquiredAt, rec.ExpiresAt
		status.Held = true
		status.Value = rec.LockValue
		status.Owner = rec.Owner
		status.AcquiredAt = &acquired
		status.ExpiresAt = &expires
	}
	return status, nil
}

func (s *JobService) Executors() []ExecutorInfo {
	names := s.registry.Names()
	infos := make([]ExecutorInfo, 0, len(names))
	for _, name := range names {
		kinds, err := s.registry.Capabilities(name)
		if err != nil {
			continue
		}
		infos = append(infos, ExecutorInfo{Name: name, Kinds: kinds})
	}
	return infos
}

// SweepLocks deletes expired leases on demand.
func (s *JobService) SweepLocks(ctx context.Context) (int64, error) {
	return s.locks.Sweep(ctx)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}
