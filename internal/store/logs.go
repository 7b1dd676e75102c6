package store

import (
	"context"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"gorm.io/gorm"
)

// ExecutionLogStore is append-mostly: entries are created RUNNING and their
// end fields are written once.
type ExecutionLogStore struct {
	db *gorm.DB
}

func NewExecutionLogStore(db *gorm.DB) *ExecutionLogStore {
	return &ExecutionLogStore{db: db}
}

// ExecutionStats aggregates the finished entries of one job.
type ExecutionStats struct {
	TotalExecutions  int64   `json:"total_executions"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	SuccessRate      float64 `json:"success_rate"`
	AvgExecutionTime float64 `json:"avg_execution_time_ms"`
}

// Outcome carries the end fields of an entry.
type Outcome struct {
	Status       models.ExecutionStatus
	Result       string
	ErrorMessage string
	EndTime      time.Time
}

// Start inserts a RUNNING entry. It returns ErrNotFound when the job has
// been deleted.
func (s *ExecutionLogStore) Start(ctx context.Context, entry *models.JobExecutionLog) error {
	entry.Status = models.ExecutionStatusRunning
	entry.StartTime = entry.StartTime.UTC()
	entry.EndTime = nil
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireJob(tx, entry.JobID); err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
}

// Finish sets the end fields of an entry that has not ended yet. A second
// call for the same entry is a no-op and returns ErrConflict.
func (s *ExecutionLogStore) Finish(ctx context.Context, entry *models.JobExecutionLog, out Outcome) error {
	end := out.EndTime.UTC()
	elapsed := end.Sub(entry.StartTime).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	result := s.db.WithContext(ctx).Model(&models.JobExecutionLog{}).
		Where("id = ? AND end_time IS NULL", entry.ID).
		Updates(map[string]interface{}{
			"status":        out.Status,
			"end_time":      end,
			"elapsed_ms":    elapsed,
			"result":        out.Result,
			"error_message": out.ErrorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}

	entry.Status = out.Status
	entry.EndTime = &end
	entry.ElapsedMs = elapsed
	entry.Result = out.Result
	entry.ErrorMessage = out.ErrorMessage
	return nil
}

// ListByJob returns the job's entries, newest start time first.
func (s *ExecutionLogStore) ListByJob(ctx context.Context, jobID uint, page, pageSize int) ([]models.JobExecutionLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.JobExecutionLog{}).Where("job_id = ?", jobID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := Page(page, pageSize)
	var entries []models.JobExecutionLog
	err := query.Order("start_time DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&entries).Error
	return entries, total, err
}

// Stats scans the job's finished entries. TIMEOUT counts as a failure.
func (s *ExecutionLogStore) Stats(ctx context.Context, jobID uint) (*ExecutionStats, error) {
	return aggregate(s.db.WithContext(ctx).Model(&models.JobExecutionLog{}).
		Where("job_id = ? AND end_time IS NOT NULL", jobID))
}

// StatsBetween aggregates finished entries of every job started in [from, to].
func (s *ExecutionLogStore) StatsBetween(ctx context.Context, from, to time.Time) (*ExecutionStats, error) {
	return aggregate(s.db.WithContext(ctx).Model(&models.JobExecutionLog{}).
		Where("end_time IS NOT NULL AND start_time BETWEEN ? AND ?", from.UTC(), to.UTC()))
}

func aggregate(query *gorm.DB) (*ExecutionStats, error) {
	var rows []struct {
		Status  models.ExecutionStatus
		Count   int64
		Elapsed int64
	}
	err := query.
		Select("status, COUNT(*) AS count, COALESCE(SUM(elapsed_ms), 0) AS elapsed").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &ExecutionStats{}
	var totalElapsed int64
	for _, r := range rows {
		stats.TotalExecutions += r.Count
		totalElapsed += r.Elapsed
		switch r.Status {
		case models.ExecutionStatusSuccess:
			stats.SuccessCount += r.Count
		case models.ExecutionStatusFailure, models.ExecutionStatusTimeout:
			stats.FailureCount += r.Count
		}
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) * 100 / float64(stats.TotalExecutions)
		stats.AvgExecutionTime = float64(totalElapsed) / float64(stats.TotalExecutions)
	}
	return stats, nil
}

// JobActivity summarizes one job's finished entries in a time window.
type JobActivity struct {
	JobID        uint    `json:"job_id"`
	JobName      string  `json:"job_name"`
	Executions   int64   `json:"executions"`
	Failures     int64   `json:"failures"`
	AvgElapsedMs float64 `json:"avg_elapsed_ms"`
}

// ActivityBetween ranks jobs by failures, then by executions, over entries
// started in [from, to].
func (s *ExecutionLogStore) ActivityBetween(ctx context.Context, from, to time.Time, limit int) ([]JobActivity, error) {
	var rows []JobActivity
	err := s.db.WithContext(ctx).Model(&models.JobExecutionLog{}).
		Select("job_id, MAX(job_name) AS job_name, COUNT(*) AS executions, "+
			"COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0) AS failures, "+
			"COALESCE(AVG(elapsed_ms), 0) AS avg_elapsed_ms",
			models.ExecutionStatusFailure, models.ExecutionStatusTimeout).
		Where("end_time IS NOT NULL AND start_time BETWEEN ? AND ?", from.UTC(), to.UTC()).
		Group("job_id").
		Order("failures DESC").Order("executions DESC").Order("job_id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

// FailuresBetween returns failed or timed out entries started in
// [from, to], newest first.
func (s *ExecutionLogStore) FailuresBetween(ctx context.Context, from, to time.Time, limit int) ([]models.JobExecutionLog, error) {
	var entries []models.JobExecutionLog
	err := s.db.WithContext(ctx).
		Where("status IN ? AND start_time BETWEEN ? AND ?",
			[]models.ExecutionStatus{models.ExecutionStatusFailure, models.ExecutionStatusTimeout}, from.UTC(), to.UTC()).
		Order("start_time DESC").Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
