package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
	"github.com/xcancloud/AngusInfra-sub001/internal/store"
)

const (
	dashboardDateLayout   = "2006-01-02"
	defaultDashboardDays  = 7
	defaultDashboardLimit = 10
	maxDashboardLimit     = 100
)

var ErrInvalidDateRange = errors.New("invalid date range")

type DashboardService struct {
	jobs *store.JobStore
	logs *store.ExecutionLogStore
	now  func() time.Time
}

func NewDashboardService(stores *store.Stores) *DashboardService {
	return &DashboardService{
		jobs: stores.Jobs,
		logs: stores.Logs,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// DashboardStatsRequest selects the window by calendar day, both ends
// inclusive. Empty dates mean the last seven days.
type DashboardStatsRequest struct {
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	JobLimit  int    `form:"job_limit"`
}

type DashboardStats struct {
	TotalJobs    int64                      `json:"total_jobs"`
	JobsByStatus map[models.JobStatus]int64 `json:"jobs_by_status"`
	Executions   store.ExecutionStats       `json:"executions"`
}

type DashboardResponse struct {
	From           time.Time                `json:"from"`
	To             time.Time                `json:"to"`
	Stats          DashboardStats           `json:"stats"`
	JobActivity    []store.JobActivity      `json:"job_activity"`
	RecentFailures []models.JobExecutionLog `json:"recent_failures"`
}

func (s *DashboardService) GetStats(ctx context.Context, req *DashboardStatsRequest) (*DashboardResponse, error) {
	from, to, err := s.window(req)
	if err != nil {
		return nil, err
	}
	limit := req.JobLimit
	if limit <= 0 {
		limit = defaultDashboardLimit
	}
	if limit > maxDashboardLimit {
		limit = maxDashboardLimit
	}

	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := DashboardStats{JobsByStatus: counts}
	for _, n := range counts {
		stats.TotalJobs += n
	}

	execStats, err := s.logs.StatsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	stats.Executions = *execStats

	activity, err := s.logs.ActivityBetween(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}
	failures, err := s.logs.FailuresBetween(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}

	return &DashboardResponse{
		From:           from,
		To:             to,
		Stats:          stats,
		JobActivity:    activity,
		RecentFailures: failures,
	}, nil
}

func (s *DashboardService) window(req *DashboardStatsRequest) (time.Time, time.Time, error) {
	now := s.now()
	to := now
	from := now.AddDate(0, 0, -defaultDashboardDays)

	if req.EndDate != "" {
		end, err := time.Parse(dashboardDateLayout, req.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date %q", ErrInvalidDateRange, req.EndDate)
		}
		to = end.Add(24*time.Hour - time.Nanosecond)
		if req.StartDate == "" {
			from = end.AddDate(0, 0, -defaultDashboardDays)
		}
	}
	if req.StartDate != "" {
		start, err := time.Parse(dashboardDateLayout, req.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date %q", ErrInvalidDateRange, req.StartDate)
		}
		from = start
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date after end_date", ErrInvalidDateRange)
	}
	return from, to, nil
}
