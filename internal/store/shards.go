package store

import (
	"context"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"gorm.io/gorm"
)

type ShardStore struct {
	db *gorm.DB
}

func NewShardStore(db *gorm.DB) *ShardStore {
	return &ShardStore{db: db}
}

// Replace deletes every shard row of the job and inserts shards in one
// transaction. The inserted rows get their IDs filled in. It returns
// ErrNotFound when the job has been deleted.
func (s *ShardStore) Replace(ctx context.Context, jobID uint, shards []models.JobShard) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireJob(tx, jobID); err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", jobID).Delete(&models.JobShard{}).Error; err != nil {
			return err
		}
		if len(shards) == 0 {
			return nil
		}
		return tx.Create(&shards).Error
	})
}

func (s *ShardStore) MarkRunning(ctx context.Context, id uint, node string, start time.Time) error {
	return s.db.WithContext(ctx).Model(&models.JobShard{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.ShardStatusRunning,
			"executor_node": node,
			"start_time":    start.UTC(),
		}).Error
}

// Finish records the terminal state of a shard. mapResult may be nil.
func (s *ShardStore) Finish(ctx context.Context, id uint, status models.ShardStatus, mapResult []string, end time.Time) error {
	end = end.UTC()
	return s.db.WithContext(ctx).Model(&models.JobShard{ID: id}).
		Select("status", "end_time", "map_result").
		Updates(&models.JobShard{
			Status:    status,
			EndTime:   &end,
			MapResult: mapResult,
		}).Error
}

func (s *ShardStore) ListByJob(ctx context.Context, jobID uint) ([]models.JobShard, error) {
	var shards []models.JobShard
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("shard_item ASC").
		Find(&shards).Error
	return shards, err
}
