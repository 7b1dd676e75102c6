package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := New(4, 16)
	require.NoError(t, p.Start())

	var (
		done atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			done.Add(1)
		}))
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int32(50), done.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2, 8)
	require.NoError(t, p.Start())
	defer p.Stop()

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_SubmitBeforeStartAndAfterStop(t *testing.T) {
	p := New(1, 1)
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolNotStarted)

	require.NoError(t, p.Start())
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
	assert.ErrorIs(t, p.Start(), ErrPoolClosed)

	// idempotent
	p.Stop()
}

func TestPool_SubmitRespectsContextWhenQueueFull(t *testing.T) {
	p := New(1, 0)
	require.NoError(t, p.Start())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started
	assert.Equal(t, 1, p.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Stop()
	assert.Equal(t, 0, p.Busy())
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1, 2)
	require.NoError(t, p.Start())

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { ran.Store(true) }))
	p.Stop()

	assert.True(t, ran.Load(), "worker survives a panicking task")
}
