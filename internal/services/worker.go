package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/xcancloud/AngusInfra-sub001/internal/config"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

// Worker consumes trigger tasks from the asynq queue.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor TriggerProcessor
	running   bool
	mu        sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, concurrency int) *Worker {
	if !cfg.Enabled {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 2
	}

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				triggerQueueName: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warnf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

func (w *Worker) SetProcessor(processor TriggerProcessor) {
	w.processor = processor
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeTrigger, w.handleTriggerTask)
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start trigger worker: %w", err)
	}
	w.running = true
	logger.Infof("[Worker] Trigger worker started")
	return nil
}

// Stop waits for in-flight tasks and shuts the worker down.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleTriggerTask(ctx context.Context, t *asynq.Task) error {
	var task TriggerTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		// A malformed payload will never succeed.
		return fmt.Errorf("decode trigger task: %v: %w", err, asynq.SkipRetry)
	}

	logger.Infof("[Worker] Processing trigger: job_id=%d", task.JobID)

	if w.processor == nil {
		return ErrNoProcessor
	}

	// A job that started running since the request was accepted is
	// retried by asynq once the cycle ends; a deleted job is dropped.
	err := w.processor(ctx, &task)
	if errors.Is(err, ErrJobNotFound) {
		logger.Warnf("[Worker] Trigger for job %d dropped: %v", task.JobID, err)
		return nil
	}
	return err
}
