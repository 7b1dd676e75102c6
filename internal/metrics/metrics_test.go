package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testdb "github.com/xcancloud/AngusInfra-sub001/internal/testutil"
)

type stubPool struct{ depth, busy int }

func (s stubPool) QueueDepth() int { return s.depth }
func (s stubPool) Busy() int       { return s.busy }

func TestNewCollector_RegistersEverything(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)

	c.RecordDispatch()
	c.RecordExecution("SIMPLE", OutcomeSuccess, time.Second)
	c.RecordShard("COMPLETED")
	c.RecordPhase("map", time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"jobcore_jobs_dispatched_total",
		"jobcore_job_executions_total",
		"jobcore_shards_total",
		"jobcore_phase_duration_seconds",
		"jobcore_job_duration_seconds",
	} {
		assert.True(t, names[want], want)
	}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordDispatch()
	}
	c.RecordLockContention()
	c.RecordExecution("SHARDING", OutcomeRetry, time.Millisecond)
	c.RecordExecution("SHARDING", OutcomeRetry, time.Millisecond)
	c.RecordLocksSwept(4)
	c.RecordTriggerEnqueued()
	c.SetStuckJobs(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockContention))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobExecutions.WithLabelValues("SHARDING", OutcomeRetry)))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.locksSwept))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.triggersQueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stuckJobs))
}

func TestCollector_PoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RegisterPool(stubPool{depth: 5, busy: 2})

	n, err := testutil.GatherAndCount(reg, "jobcore_pool_queue_depth", "jobcore_pool_busy_workers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordDispatch()
		c.RecordExecution("SIMPLE", OutcomeFailed, time.Second)
		c.RecordLockContention()
		c.RecordReleaseFailure()
		c.RecordShard("FAILED")
		c.RecordPhase("reduce", time.Second)
		c.SetStuckJobs(1)
		c.RecordLocksSwept(1)
		c.RecordTriggerEnqueued()
		c.RegisterPool(stubPool{})
	})
}

func TestCollector_WithoutRegisterer(t *testing.T) {
	c := NewCollector(nil)
	assert.NotPanics(t, func() {
		c.RecordDispatch()
		c.RegisterPool(stubPool{})
	})
}

func TestNewRegistry_RuntimeAndDBCollectors(t *testing.T) {
	sqlDB, err := testdb.NewDB(t).DB()
	require.NoError(t, err)

	reg := NewRegistry(sqlDB)
	NewCollector(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["go_sql_open_connections"])
	assert.True(t, names["jobcore_jobs_dispatched_total"])
}
