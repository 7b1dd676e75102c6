package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/testutil"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(NewGormStore(testutil.NewDB(t)))
	m.now = clock.Now
	return m, clock
}

func TestJobKey(t *testing.T) {
	assert.Equal(t, "job_lock_42", JobKey(42))
}

func TestTryLock_MutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if m.TryLock(ctx, "job_lock_1", owner, time.Minute) {
				winners.Add(1)
			}
		}(fmt.Sprintf("node-%d", i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

// A peer can insert the row after this node's count and before its insert.
// The primary key then rejects the insert and the race counts as lost.
func TestGormStore_AcquireLosesInsertRace(t *testing.T) {
	db := testutil.NewDB(t)
	store := NewGormStore(db)
	m := NewManager(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	var raced bool
	err := db.Callback().Create().Before("gorm:create").Register("test:peer_insert", func(tx *gorm.DB) {
		if raced || tx.Statement.Table != "scheduler_locks" {
			return
		}
		raced = true
		_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"INSERT INTO scheduler_locks (lock_key, lock_value, owner, acquired_at, expires_at, version) VALUES (?, ?, ?, ?, ?, 0)",
			"job_lock_1", "peer-token", "node-peer", now, now.Add(time.Minute))
		if err != nil {
			tx.AddError(err)
		}
	})
	require.NoError(t, err)

	rec := &models.SchedulerLock{
		LockKey:    "job_lock_1",
		LockValue:  "own-token",
		Owner:      "node-a",
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Minute),
	}
	err = store.Acquire(ctx, rec, now)
	require.True(t, raced)
	assert.ErrorIs(t, err, ErrLockHeld)

	// the losing transaction rolled back the peer row with it
	assert.True(t, m.TryLock(ctx, "job_lock_1", "node-a", time.Minute))
	got, err := m.Lookup(ctx, "job_lock_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "node-a", got.Owner)
}

func TestTryLock_SameOwnerCannotReenter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.TryLock(ctx, "k", "node-a", time.Minute))
	assert.False(t, m.TryLock(ctx, "k", "node-a", time.Minute))
}

func TestRelease_OnlyOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.TryLock(ctx, "k", "node-a", time.Minute))

	assert.False(t, m.Release(ctx, "k", "node-b"))
	assert.False(t, m.TryLock(ctx, "k", "node-b", time.Minute), "lock must stay with node-a")

	assert.True(t, m.Release(ctx, "k", "node-a"))
	assert.True(t, m.TryLock(ctx, "k", "node-b", time.Minute))
}

func TestRelease_MissingKeyIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.Release(context.Background(), "absent", "node-a"))
}

func TestRenew_OnlyOwner(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.TryLock(ctx, "k", "node-a", time.Minute))

	assert.False(t, m.Renew(ctx, "k", "node-b", time.Hour))

	clock.Advance(50 * time.Second)
	require.True(t, m.Renew(ctx, "k", "node-a", time.Minute))

	rec, err := m.Lookup(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
	assert.True(t, rec.ExpiresAt.Equal(clock.Now().Add(time.Minute)))

	// the original expiry has passed but the renewed lease still holds
	clock.Advance(30 * time.Second)
	assert.False(t, m.TryLock(ctx, "k", "node-b", time.Minute))
}

func TestRenew_ExpiredLeaseIsNotRenewed(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.TryLock(ctx, "k", "node-a", time.Second))
	clock.Advance(2 * time.Second)
	assert.False(t, m.Renew(ctx, "k", "node-a", time.Minute))
}

func TestTryLock_ReclaimsExpiredLease(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.TryLock(ctx, "k", "node-a", 10*time.Second))
	assert.False(t, m.TryLock(ctx, "k", "node-b", 10*time.Second))

	clock.Advance(11 * time.Second)
	require.True(t, m.TryLock(ctx, "k", "node-b", 10*time.Second))

	rec, err := m.Lookup(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "node-b", rec.Owner)

	// the previous owner can no longer release what it lost
	assert.False(t, m.Release(ctx, "k", "node-a"))
}

func TestGet(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)

	require.True(t, m.TryLock(ctx, "k", "node-a", time.Minute))
	value, ok := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.NotEmpty(t, value)

	clock.Advance(2 * time.Minute)
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok, "expired lease is not reported")
}

func TestSweep(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.TryLock(ctx, "short-1", "node-a", time.Second))
	require.True(t, m.TryLock(ctx, "short-2", "node-a", time.Second))
	require.True(t, m.TryLock(ctx, "long", "node-a", time.Hour))

	clock.Advance(5 * time.Second)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok := m.Get(ctx, "long")
	assert.True(t, ok)
}

type failingStore struct{}

var errStorage = errors.New("storage unavailable")

func (failingStore) Acquire(context.Context, *models.SchedulerLock, time.Time) error {
	return errStorage
}
func (failingStore) Release(context.Context, string, string) (bool, error) { return false, errStorage }
func (failingStore) Renew(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, errStorage
}
func (failingStore) Get(context.Context, string, time.Time) (*models.SchedulerLock, error) {
	return nil, errStorage
}
func (failingStore) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, errStorage }

func TestManager_FailsClosedOnStorageError(t *testing.T) {
	m := NewManager(failingStore{})
	ctx := context.Background()

	assert.False(t, m.TryLock(ctx, "k", "node-a", time.Minute))
	assert.False(t, m.Release(ctx, "k", "node-a"))
	assert.False(t, m.Renew(ctx, "k", "node-a", time.Minute))
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)

	_, err := m.Sweep(ctx)
	assert.ErrorIs(t, err, errStorage)
}

func TestTryLock_RejectsNonPositiveTTL(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.TryLock(context.Background(), "k", "node-a", 0))
}
