// Package lock implements the lease lock that keeps a job from running on
// more than one scheduler node at a time.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

// ErrLockHeld is returned by a Store when a valid lease already exists for
// the key, including when a concurrent insert won the race.
var ErrLockHeld = errors.New("lock held by another owner")

// Store persists lease records. Implementations must make Acquire atomic
// with respect to other callers on other processes.
type Store interface {
	// Acquire installs rec unless a lease on rec.LockKey is still valid at
	// now. An expired record for the key is replaced.
	Acquire(ctx context.Context, rec *models.SchedulerLock, now time.Time) error
	// Release deletes the record when it is owned by owner.
	Release(ctx context.Context, key, owner string) (bool, error)
	// Renew moves the expiry of a valid lease owned by owner and bumps its
	// version.
	Renew(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error)
	// Get returns the valid lease for key, or nil when there is none.
	Get(ctx context.Context, key string, now time.Time) (*models.SchedulerLock, error)
	// DeleteExpired removes leases whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
