package store

import (
	"context"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"gorm.io/gorm"
)

type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// JobFilter narrows List. Zero values match everything.
type JobFilter struct {
	Status   models.JobStatus
	Group    string
	Page     int
	PageSize int
}

func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	return translate(s.db.WithContext(ctx).Create(job).Error)
}

func (s *JobStore) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, f JobFilter) ([]models.Job, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Job{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Group != "" {
		query = query.Where("job_group = ?", f.Group)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := Page(f.Page, f.PageSize)
	var jobs []models.Job
	err := query.Order("id ASC").Offset(offset).Limit(limit).Find(&jobs).Error
	return jobs, total, err
}

// CountByStatus returns how many jobs are in each status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// FindDue returns READY jobs whose next execution time is not after now,
// earliest first.
func (s *JobStore) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	query := s.db.WithContext(ctx).
		Where("status = ? AND next_execution_time IS NOT NULL AND next_execution_time <= ?",
			models.JobStatusReady, now.UTC()).
		Order("next_execution_time ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

// FindStuck returns RUNNING jobs not touched since before.
func (s *JobStore) FindStuck(ctx context.Context, before time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.JobStatusRunning, before.UTC()).
		Find(&jobs).Error
	return jobs, err
}

// MarkRunning flips a READY job to RUNNING. It reports false when the job
// is no longer READY.
func (s *JobStore) MarkRunning(ctx context.Context, id uint) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusReady).
		Update("status", models.JobStatusRunning)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SaveOutcome writes the scheduling state computed at the end of a cycle.
// The write only applies while the row is still RUNNING, so a job deleted
// or reset by an operator mid-cycle is not resurrected.
func (s *JobStore) SaveOutcome(ctx context.Context, job *models.Job) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":              job.Status,
			"retry_count":         job.RetryCount,
			"last_execution_time": utcPtr(job.LastExecutionTime),
			"next_execution_time": utcPtr(job.NextExecutionTime),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Pause moves the job to PAUSED and clears its next time. The write only
// applies while the job is still in status from, the status the caller
// based its decision on.
func (s *JobStore) Pause(ctx context.Context, id uint, from models.JobStatus) error {
	return s.transition(ctx, id, "status = ?", from, map[string]interface{}{
		"status":              models.JobStatusPaused,
		"next_execution_time": nil,
	})
}

// Resume moves a PAUSED job back to READY with the given next time.
func (s *JobStore) Resume(ctx context.Context, id uint, next time.Time) error {
	return s.transition(ctx, id, "status = ?", models.JobStatusPaused, map[string]interface{}{
		"status":              models.JobStatusReady,
		"next_execution_time": next.UTC(),
	})
}

// Trigger makes the job due at now with a fresh retry budget, provided it
// is still in status from.
func (s *JobStore) Trigger(ctx context.Context, id uint, from models.JobStatus, now time.Time) error {
	return s.transition(ctx, id, "status = ?", from, map[string]interface{}{
		"status":              models.JobStatusReady,
		"retry_count":         0,
		"next_execution_time": now.UTC(),
	})
}

func (s *JobStore) transition(ctx context.Context, id uint, cond string, arg interface{}, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Where(cond, arg).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// Delete removes the job together with its shards and execution logs.
func (s *JobStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&models.JobShard{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&models.JobExecutionLog{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Job{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
