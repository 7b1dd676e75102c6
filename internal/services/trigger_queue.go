package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/xcancloud/AngusInfra-sub001/internal/config"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

const (
	TaskTypeTrigger = "job:trigger"
	// triggerQueueName keeps manual triggers apart from any other asynq
	// traffic sharing the Redis instance.
	triggerQueueName = "jobcore"
)

var ErrNoProcessor = errors.New("trigger queue has no processor")

// TriggerTask asks for a job to become due immediately.
type TriggerTask struct {
	JobID       uint      `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// TriggerProcessor applies a trigger request.
type TriggerProcessor func(context.Context, *TriggerTask) error

// TriggerQueue delivers manual trigger requests to a processor.
type TriggerQueue interface {
	Enqueue(ctx context.Context, task *TriggerTask) error
	// IsAsync reports whether Enqueue returns before the task is applied.
	IsAsync() bool
	Close() error
}

// NewTriggerQueue returns an asynq-backed queue when Redis is enabled and
// reachable, and an in-process queue otherwise.
func NewTriggerQueue(cfg *config.RedisConfig) TriggerQueue {
	if !cfg.Enabled {
		logger.Infof("[TriggerQueue] Sync queue initialized (Redis disabled)")
		return NewSyncQueue()
	}
	queue, err := NewAsyncQueue(cfg)
	if err != nil {
		logger.Warnf("[TriggerQueue] Redis unavailable, falling back to sync mode: %v", err)
		return NewSyncQueue()
	}
	logger.Infof("[TriggerQueue] Async queue initialized with Redis at %s", cfg.Addr)
	return queue
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue implements TriggerQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}
	return &AsyncQueue{client: client}, nil
}

func (q *AsyncQueue) Enqueue(ctx context.Context, task *TriggerTask) error {
	t, err := newTriggerTask(task)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(triggerQueueName),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue trigger for job %d: %w", task.JobID, err)
	}

	logger.Infof("[AsyncQueue] Trigger enqueued: id=%s, queue=%s, job_id=%d", info.ID, info.Queue, task.JobID)
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

func newTriggerTask(task *TriggerTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTrigger, payload), nil
}

// SyncQueue applies triggers inline so the caller sees the outcome.
type SyncQueue struct {
	processor TriggerProcessor
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

func (q *SyncQueue) SetProcessor(processor TriggerProcessor) {
	q.processor = processor
}

func (q *SyncQueue) Enqueue(ctx context.Context, task *TriggerTask) error {
	if q.processor == nil {
		return ErrNoProcessor
	}
	return q.processor(ctx, task)
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

func (q *SyncQueue) Close() error {
	return nil
}
