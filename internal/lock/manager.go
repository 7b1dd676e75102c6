package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

// JobKey is the lease key guarding one job.
func JobKey(jobID uint) string {
	return fmt.Sprintf("job_lock_%d", jobID)
}

// Manager implements the acquire/renew/release protocol on top of a Store.
// Storage failures never escape as errors from TryLock, Release or Renew;
// they are logged and reported as "not acquired" / "not renewed".
type Manager struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.Component("lock"),
	}
}

// TryLock attempts to take the lease on key for ttl. It fails closed.
func (m *Manager) TryLock(ctx context.Context, key, owner string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	now := m.now()
	rec := &models.SchedulerLock{
		LockKey:    key,
		LockValue:  uuid.NewString(),
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := m.store.Acquire(ctx, rec, now)
	switch {
	case err == nil:
		m.log.Debug().Str("lock_key", key).Str("owner", owner).Dur("ttl", ttl).Msg("lock acquired")
		return true
	case errors.Is(err, ErrLockHeld):
		return false
	default:
		m.log.Warn().Err(err).Str("lock_key", key).Str("owner", owner).Msg("lock acquire failed")
		return false
	}
}

// Release drops the lease when owner holds it. It reports whether a
// record was deleted; a lease owned by someone else is left untouched.
func (m *Manager) Release(ctx context.Context, key, owner string) bool {
	released, err := m.store.Release(ctx, key, owner)
	if err != nil {
		m.log.Warn().Err(err).Str("lock_key", key).Str("owner", owner).Msg("lock release failed")
		return false
	}
	if released {
		m.log.Debug().Str("lock_key", key).Str("owner", owner).Msg("lock released")
	}
	return released
}

// Renew extends a lease the caller still validly owns.
func (m *Manager) Renew(ctx context.Context, key, owner string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	now := m.now()
	ok, err := m.store.Renew(ctx, key, owner, now.Add(ttl), now)
	if err != nil {
		m.log.Warn().Err(err).Str("lock_key", key).Str("owner", owner).Msg("lock renew failed")
		return false
	}
	return ok
}

// Get returns the token of the valid lease on key.
func (m *Manager) Get(ctx context.Context, key string) (string, bool) {
	rec, err := m.Lookup(ctx, key)
	if err != nil || rec == nil {
		return "", false
	}
	return rec.LockValue, true
}

// Lookup returns the full valid lease record on key, or nil.
func (m *Manager) Lookup(ctx context.Context, key string) (*models.SchedulerLock, error) {
	return m.store.Get(ctx, key, m.now())
}

// Sweep deletes expired leases. Correctness never depends on it since
// TryLock re-checks expiry itself.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired locks: %w", err)
	}
	if n > 0 {
		m.log.Info().Int64("deleted", n).Msg("expired locks swept")
	}
	return n, nil
}
