// Package store persists jobs, their shards and their execution history.
package store

import (
	"errors"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict means a conditional write found the row in another state.
	ErrConflict = errors.New("state conflict")
)

// Stores bundles the three stores over one database handle.
type Stores struct {
	Jobs   *JobStore
	Shards *ShardStore
	Logs   *ExecutionLogStore
}

func New(db *gorm.DB) *Stores {
	return &Stores{
		Jobs:   NewJobStore(db),
		Shards: NewShardStore(db),
		Logs:   NewExecutionLogStore(db),
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

// requireJob returns ErrNotFound once the job row is gone, so history
// written by a cycle that outlives its job is dropped instead of orphaned.
func requireJob(tx *gorm.DB, jobID uint) error {
	var n int64
	if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Page normalizes 1-based paging parameters into an offset and limit.
func Page(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return (page - 1) * pageSize, pageSize
}
