package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"gorm.io/gorm"
)

// GormStore keeps leases in the scheduler_locks table. The primary key on
// lock_key is the enforcement point for concurrent acquisition.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Acquire(ctx context.Context, rec *models.SchedulerLock, now time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var held int64
		if err := tx.Model(&models.SchedulerLock{}).
			Where("lock_key = ? AND expires_at > ?", rec.LockKey, now).
			Count(&held).Error; err != nil {
			return err
		}
		if held > 0 {
			return ErrLockHeld
		}

		if err := tx.Where("lock_key = ? AND expires_at <= ?", rec.LockKey, now).
			Delete(&models.SchedulerLock{}).Error; err != nil {
			return err
		}

		return tx.Create(rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrLockHeld
	}
	return err
}

func (s *GormStore) Release(ctx context.Context, key, owner string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("lock_key = ? AND owner = ?", key, owner).
		Delete(&models.SchedulerLock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) Renew(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error) {
	var current models.SchedulerLock
	err := s.db.WithContext(ctx).
		Where("lock_key = ? AND owner = ? AND expires_at > ?", key, owner, now).
		First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Compare-and-swap on the version read above.
	result := s.db.WithContext(ctx).Model(&models.SchedulerLock{}).
		Where("lock_key = ? AND owner = ? AND version = ?", key, owner, current.Version).
		Updates(map[string]interface{}{
			"expires_at": expiresAt,
			"version":    current.Version + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) Get(ctx context.Context, key string, now time.Time) (*models.SchedulerLock, error) {
	var rec models.SchedulerLock
	err := s.db.WithContext(ctx).
		Where("lock_key = ? AND expires_at > ?", key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", key, err)
	}
	return &rec, nil
}

func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.SchedulerLock{})
	return result.RowsAffected, result.Error
}
