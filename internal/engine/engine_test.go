package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xcancloud/AngusInfra-sub001/internal/events"
	"github.com/xcancloud/AngusInfra-sub001/internal/executor"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/pool"
	"github.com/xcancloud/AngusInfra-sub001/internal/retry"
	"github.com/xcancloud/AngusInfra-sub001/internal/schedule"
	"github.com/xcancloud/AngusInfra-sub001/internal/shard"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
	"github.com/xcancloud/AngusInfra-sub001/internal/testutil"
)

const retryDelay = 5 * time.Minute

type fixture struct {
	stores   *store.Stores
	registry *executor.Registry
	hub      *events.Hub
	engine   *Engine
}

func newFixture(t *testing.T, shardCfg shard.Config) *fixture {
	t.Helper()
	stores := store.New(testutil.NewDB(t))
	p := pool.New(4, 16)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	shardCfg.Node = "node-a"
	registry := executor.NewRegistry()
	hub := events.NewHub()
	return &fixture{
		stores:   stores,
		registry: registry,
		hub:      hub,
		engine: New(Deps{
			Jobs:      stores.Jobs,
			Logs:      stores.Logs,
			Shards:    shard.NewManager(stores.Shards, stores.Logs, p, nil, shardCfg),
			Registry:  registry,
			Evaluator: schedule.NewCronEvaluator(),
			Policy:    retry.NewPolicy(retry.Fixed{Interval: retryDelay}),
			Events:    hub,
			Node:      "node-a",
		}),
	}
}

func (f *fixture) createJob(t *testing.T, name string, kind models.JobKind, ref string, shards int, params ...string) *models.Job {
	t.Helper()
	due := time.Now().UTC().Add(-time.Second)
	job := &models.Job{
		Name:              name,
		Group:             "default",
		Schedule:          "@hourly",
		ExecutorRef:       ref,
		Kind:              kind,
		ShardCount:        shards,
		ShardParams:       params,
		Status:            models.JobStatusReady,
		MaxRetryCount:     3,
		NextExecutionTime: &due,
	}
	require.NoError(t, f.stores.Jobs.Create(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id uint) *models.Job {
	t.Helper()
	job, err := f.stores.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) logs(t *testing.T, id uint) []models.JobExecutionLog {
	t.Helper()
	entries, _, err := f.stores.Logs.ListByJob(context.Background(), id, 1, 100)
	require.NoError(t, err)
	return entries
}

func TestExecute_SimpleSuccess(t *testing.T) {
	f := newFixture(t, shard.Config{})
	var got *executor.Context
	f.registry.MustRegister("hello", executor.SimpleFunc(func(_ context.Context, ec *executor.Context) (executor.Result, error) {
		got = ec
		return executor.OK("hi"), nil
	}))
	job := f.createJob(t, "hello", models.JobKindSimple, "hello", 1)

	before := time.Now().UTC()
	require.NoError(t, f.engine.Execute(context.Background(), job))

	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, "default", got.JobGroup)
	assert.Equal(t, -1, got.ShardIndex)

	stored := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusReady, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	require.NotNil(t, stored.NextExecutionTime)
	assert.True(t, stored.NextExecutionTime.After(before))
	assert.NotNil(t, stored.LastExecutionTime)

	entries := f.logs(t, job.ID)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ShardItem)
	assert.Equal(t, models.ExecutionStatusSuccess, entries[0].Status)
	assert.Equal(t, "hi", entries[0].Result)
	assert.Equal(t, "node-a", entries[0].ExecutorNode)
	assert.NotNil(t, entries[0].EndTime)
}

func TestExecute_PublishesCycleEvents(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("broken", executor.SimpleFunc(func(context.Context, *executor.Context) (executor.Result, error) {
		return executor.Result{}, errors.New("boom")
	}))
	job := f.createJob(t, "broken", models.JobKindSimple, "broken", 1)
	stream := f.hub.Subscribe("test")

	require.Error(t, f.engine.Execute(context.Background(), job))

	require.Len(t, stream, 2)
	started, finished := <-stream, <-stream
	assert.Equal(t, events.TypeCycleStarted, started.Type)
	assert.Equal(t, models.JobStatusRunning, started.Status)
	assert.Equal(t, events.TypeCycleFinished, finished.Type)
	assert.Equal(t, job.ID, finished.JobID)
	assert.Equal(t, "retry", finished.Outcome)
	assert.Equal(t, models.JobStatusReady, finished.Status)
	assert.Contains(t, finished.Error, "boom")
	assert.Equal(t, "node-a", finished.Node)
}

func TestExecute_RetryBoundaryAndReset(t *testing.T) {
	f := newFixture(t, shard.Config{})
	fail := true
	f.registry.MustRegister("flaky", executor.SimpleFunc(func(context.Context, *executor.Context) (executor.Result, error) {
		if fail {
			return executor.Result{}, errors.New("boom")
		}
		return executor.OK("ok"), nil
	}))
	job := f.createJob(t, "flaky", models.JobKindSimple, "flaky", 1)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		err := f.engine.Execute(ctx, f.reload(t, job.ID))
		require.Error(t, err)
		stored := f.reload(t, job.ID)
		assert.Equal(t, models.JobStatusReady, stored.Status, "failure %d", want)
		assert.Equal(t, want, stored.RetryCount)
		require.NotNil(t, stored.NextExecutionTime)
		assert.WithinDuration(t, time.Now().Add(retryDelay), *stored.NextExecutionTime, 5*time.Second)
	}

	fail = false
	require.NoError(t, f.engine.Execute(ctx, f.reload(t, job.ID)))
	assert.Equal(t, 0, f.reload(t, job.ID).RetryCount, "success resets the retry count")

	fail = true
	for i := 0; i < 3; i++ {
		require.Error(t, f.engine.Execute(ctx, f.reload(t, job.ID)))
	}
	require.Error(t, f.engine.Execute(ctx, f.reload(t, job.ID)))
	stored := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)

	assert.ErrorIs(t, f.engine.Execute(ctx, stored), ErrNotReady, "failed jobs are not run again")
}

func TestExecute_ExecutorNotFound(t *testing.T) {
	f := newFixture(t, shard.Config{})
	job := f.createJob(t, "ghost", models.JobKindSimple, "missing", 1)

	err := f.engine.Execute(context.Background(), job)
	assert.ErrorIs(t, err, executor.ErrNotFound)

	stored := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusReady, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	entries := f.logs(t, job.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ExecutionStatusFailure, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "executor not found")
}

func TestExecute_ShardingExecutorNotFoundIsLogged(t *testing.T) {
	f := newFixture(t, shard.Config{})
	job := f.createJob(t, "ghost", models.JobKindSharding, "missing", 3)

	assert.ErrorIs(t, f.engine.Execute(context.Background(), job), executor.ErrNotFound)
	entries := f.logs(t, job.ID)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ShardItem)
	assert.Equal(t, models.ExecutionStatusFailure, entries[0].Status)
}

func TestExecute_PanicIsContained(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("panicky", executor.SimpleFunc(func(context.Context, *executor.Context) (executor.Result, error) {
		panic("kaboom")
	}))
	job := f.createJob(t, "panicky", models.JobKindSimple, "panicky", 1)

	err := f.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	stored := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusReady, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	entries := f.logs(t, job.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ExecutionStatusFailure, entries[0].Status)
}

func TestExecute_UnsuccessfulResultIsFailure(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("sad", executor.SimpleFunc(func(context.Context, *executor.Context) (executor.Result, error) {
		return executor.Fail("upstream unavailable"), nil
	}))
	job := f.createJob(t, "sad", models.JobKindSimple, "sad", 1)

	require.Error(t, f.engine.Execute(context.Background(), job))
	entries := f.logs(t, job.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "upstream unavailable", entries[0].Result)
	assert.Contains(t, entries[0].ErrorMessage, "upstream unavailable")
}

func TestExecute_SkipsJobThatIsNoLongerReady(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("noop", executor.Noop{})
	job := f.createJob(t, "paused", models.JobKindSimple, "noop", 1)
	require.NoError(t, f.stores.Jobs.Pause(context.Background(), job.ID, models.JobStatusReady))

	assert.ErrorIs(t, f.engine.Execute(context.Background(), job), ErrNotReady)
	assert.Equal(t, models.JobStatusPaused, f.reload(t, job.ID).Status)
	assert.Empty(t, f.logs(t, job.ID))
}

func TestExecute_ShardedFiveShards(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("regions", executor.ShardingFunc(func(_ context.Context, _ *executor.Context, _ int, param string) (executor.Result, error) {
		return executor.OK("synced " + param), nil
	}))
	job := f.createJob(t, "sync", models.JobKindSharding, "regions", 5, "r1", "r2", "r3", "r4", "r5")

	require.NoError(t, f.engine.Execute(context.Background(), job))

	shards, err := f.stores.Shards.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, shards, 5)

	entries := f.logs(t, job.ID)
	require.Len(t, entries, 5)
	for _, e := range entries {
		require.NotNil(t, e.ShardItem)
		assert.Equal(t, models.ExecutionStatusSuccess, e.Status)
	}
	assert.Equal(t, models.JobStatusReady, f.reload(t, job.ID).Status)
}

func TestExecute_MapReduceFanIn(t *testing.T) {
	f := newFixture(t, shard.Config{})

	var (
		mu      sync.Mutex
		reduced []string
	)
	f.registry.MustRegister("wordcount", executor.MapReduceFuncs{
		MapFn: func(_ context.Context, _ *executor.Context, idx int, param string) ([]string, error) {
			return []string{param}, nil
		},
		ReduceFn: func(_ context.Context, ec *executor.Context, partials []string) (string, error) {
			mu.Lock()
			reduced = append([]string(nil), partials...)
			mu.Unlock()
			assert.Equal(t, -1, ec.ShardIndex)
			return strings.Join(partials, "+"), nil
		},
	})
	job := f.createJob(t, "wc", models.JobKindMapReduce, "wordcount", 3, "p0", "p1", "p2")

	require.NoError(t, f.engine.Execute(context.Background(), job))

	sort.Strings(reduced)
	assert.Equal(t, []string{"p0", "p1", "p2"}, reduced)

	var reduceEntry *models.JobExecutionLog
	shardEntries := 0
	for _, e := range f.logs(t, job.ID) {
		e := e
		require.NotNil(t, e.ShardItem)
		if *e.ShardItem == models.ReduceShardItem {
			reduceEntry = &e
		} else {
			shardEntries++
		}
	}
	assert.Equal(t, 3, shardEntries)
	require.NotNil(t, reduceEntry)
	assert.Equal(t, models.ExecutionStatusSuccess, reduceEntry.Status)
	assert.Equal(t, "p0+p1+p2", reduceEntry.Result)
}

func TestExecute_ReduceFailureRetries(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("broken-reduce", executor.MapReduceFuncs{
		MapFn: func(context.Context, *executor.Context, int, string) ([]string, error) {
			return []string{"x"}, nil
		},
		ReduceFn: func(context.Context, *executor.Context, []string) (string, error) {
			return "", errors.New("reduce failed")
		},
	})
	job := f.createJob(t, "mr", models.JobKindMapReduce, "broken-reduce", 2)

	require.Error(t, f.engine.Execute(context.Background(), job))
	stored := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusReady, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestExecute_ShardingTimeoutIsRecorded(t *testing.T) {
	f := newFixture(t, shard.Config{ShardingPhaseTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	f.registry.MustRegister("slow", executor.ShardingFunc(func(context.Context, *executor.Context, int, string) (executor.Result, error) {
		<-release
		return executor.OK(""), nil
	}))
	job := f.createJob(t, "slow", models.JobKindSharding, "slow", 1)

	err := f.engine.Execute(context.Background(), job)
	assert.ErrorIs(t, err, shard.ErrPhaseTimeout)

	var timeouts int
	for _, e := range f.logs(t, job.ID) {
		if e.Status == models.ExecutionStatusTimeout {
			timeouts++
			assert.Nil(t, e.ShardItem)
		}
	}
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, 1, f.reload(t, job.ID).RetryCount)
}

func TestExecute_EvaluatorErrorLeavesJobOutOfDueSet(t *testing.T) {
	f := newFixture(t, shard.Config{})
	f.registry.MustRegister("noop", executor.Noop{})
	job := f.createJob(t, "bad-schedule", models.JobKindSimple, "noop", 1)
	previous := *job.NextExecutionTime

	job.Schedule = "not a schedule"
	require.NoError(t, f.engine.Execute(context.Background(), job))

	stored := f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	require.NotNil(t, stored.NextExecutionTime)
	assert.WithinDuration(t, previous, *stored.NextExecutionTime, time.Millisecond)
	require.NotNil(t, stored.LastExecutionTime)

	due, err := f.stores.Jobs.FindDue(context.Background(), time.Now().UTC(), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "a stale next time must not make the job due again")
}

func TestExecute_DeletedMidRunIsNotResurrected(t *testing.T) {
	f := newFixture(t, shard.Config{})
	var jobID uint
	f.registry.MustRegister("self-delete", executor.SimpleFunc(func(ctx context.Context, _ *executor.Context) (executor.Result, error) {
		return executor.OK(""), f.stores.Jobs.Delete(ctx, jobID)
	}))
	job := f.createJob(t, "doomed", models.JobKindSimple, "self-delete", 1)
	jobID = job.ID

	require.NoError(t, f.engine.Execute(context.Background(), job))
	_, err := f.stores.Jobs.Get(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_DeletedMidPhaseLeavesNoHistory(t *testing.T) {
	f := newFixture(t, shard.Config{})
	var (
		jobID uint
		once  sync.Once
	)
	reduced := false
	f.registry.MustRegister("self-delete-mr", executor.MapReduceFuncs{
		MapFn: func(ctx context.Context, _ *executor.Context, _ int, param string) ([]string, error) {
			var err error
			once.Do(func() { err = f.stores.Jobs.Delete(ctx, jobID) })
			return []string{param}, err
		},
		ReduceFn: func(context.Context, *executor.Context, []string) (string, error) {
			reduced = true
			return "done", nil
		},
	})
	job := f.createJob(t, "doomed-mr", models.JobKindMapReduce, "self-delete-mr", 3, "a", "b", "c")
	jobID = job.ID

	require.NoError(t, f.engine.Execute(context.Background(), job))
	assert.True(t, reduced)
	assert.Empty(t, f.logs(t, job.ID), "entries started after the delete must not be written")

	shards, err := f.stores.Shards.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, shards)
}
