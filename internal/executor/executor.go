// Package executor defines the capabilities a job implementation can offer
// and the registry that resolves a job's executor reference to one.
package executor

import (
	"context"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

// Context describes the execution a capability is invoked for.
// ShardIndex is -1 for job-level invocations.
type Context struct {
	JobID         uint
	JobName       string
	JobGroup      string
	Kind          models.JobKind
	ShardIndex    int
	ShardParam    string
	ScheduledTime time.Time
	Node          string
}

// NewContext builds the job-level context for job.
func NewContext(job *models.Job, node string, scheduled time.Time) *Context {
	return &Context{
		JobID:         job.ID,
		JobName:       job.Name,
		JobGroup:      job.Group,
		Kind:          job.Kind,
		ShardIndex:    -1,
		ScheduledTime: scheduled,
		Node:          node,
	}
}

// ForShard returns a copy of c scoped to one shard.
func (c *Context) ForShard(index int, param string) *Context {
	shard := *c
	shard.ShardIndex = index
	shard.ShardParam = param
	return &shard
}

// Result is what a Simple or Sharding capability reports back. A false
// Success with a nil error still counts as a failed execution.
type Result struct {
	Success bool
	Message string
}

func OK(message string) Result {
	return Result{Success: true, Message: message}
}

func Fail(message string) Result {
	return Result{Success: false, Message: message}
}

// SimpleExecutor runs a job once per cycle.
type SimpleExecutor interface {
	Execute(ctx context.Context, ec *Context) (Result, error)
}

// ShardingExecutor runs one shard of a sharded job.
type ShardingExecutor interface {
	ExecuteSharding(ctx context.Context, ec *Context, shardIndex int, shardParam string) (Result, error)
}

// MapReduceExecutor produces partial results per shard and folds them.
type MapReduceExecutor interface {
	Map(ctx context.Context, ec *Context, shardIndex int, shardParam string) ([]string, error)
	Reduce(ctx context.Context, ec *Context, partials []string) (string, error)
}

// SimpleFunc adapts a function to SimpleExecutor.
type SimpleFunc func(ctx context.Context, ec *Context) (Result, error)

func (f SimpleFunc) Execute(ctx context.Context, ec *Context) (Result, error) {
	return f(ctx, ec)
}

// ShardingFunc adapts a function to ShardingExecutor.
type ShardingFunc func(ctx context.Context, ec *Context, shardIndex int, shardParam string) (Result, error)

func (f ShardingFunc) ExecuteSharding(ctx context.Context, ec *Context, shardIndex int, shardParam string) (Result, error) {
	return f(ctx, ec, shardIndex, shardParam)
}

// MapReduceFuncs adapts a pair of functions to MapReduceExecutor.
type MapReduceFuncs struct {
	MapFn    func(ctx context.Context, ec *Context, shardIndex int, shardParam string) ([]string, error)
	ReduceFn func(ctx context.Context, ec *Context, partials []string) (string, error)
}

func (m MapReduceFuncs) Map(ctx context.Context, ec *Context, shardIndex int, shardParam string) ([]string, error) {
	return m.MapFn(ctx, ec, shardIndex, shardParam)
}

func (m MapReduceFuncs) Reduce(ctx context.Context, ec *Context, partials []string) (string, error) {
	return m.ReduceFn(ctx, ec, partials)
}
