package models

import "time"

// SchedulerLock is a lease record guarding one job across scheduler nodes.
// The primary key on LockKey is what makes concurrent acquisition safe.
type SchedulerLock struct {
	LockKey    string    `gorm:"primaryKey;size:150" json:"lock_key"`
	LockValue  string    `gorm:"size:64;not null" json:"lock_value"`
	Owner      string    `gorm:"size:100;not null" json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
	Version    int64     `gorm:"not null;default:0" json:"version"`
}

func (SchedulerLock) TableName() string { return "scheduler_locks" }

// ValidAt reports whether the lease is still held at t.
func (l *SchedulerLock) ValidAt(t time.Time) bool {
	return l.ExpiresAt.After(t)
}
