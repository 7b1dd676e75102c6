// Package pool provides the long-lived worker pool shard tasks run on.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Task is a unit of work. Panics inside a task are recovered and logged;
// callers that need the outcome report it through their own channel.
type Task func()

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	size  int
	tasks chan Task

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	busy atomic.Int64
}

// New creates a pool with size workers and a queue holding queueSize
// pending tasks. A full queue makes Submit block.
func New(size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		size:  size,
		tasks: make(chan Task, queueSize),
	}
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.started = true
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("[Pool] task panicked")
		}
	}()
	task()
}

// Submit enqueues task, waiting for queue space until ctx is done. The read
// lock is held across the send so Stop cannot close the queue under it.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, lets queued ones drain and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.tasks)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
}

func (p *Pool) Size() int { return p.size }

// QueueDepth is the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.tasks) }

// Busy is the number of workers currently running a task.
func (p *Pool) Busy() int { return int(p.busy.Load()) }
