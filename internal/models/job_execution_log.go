package models

import "time"

type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess ExecutionStatus = "SUCCESS"
	ExecutionStatusFailure ExecutionStatus = "FAILURE"
	ExecutionStatusTimeout ExecutionStatus = "TIMEOUT"
)

// ReduceShardItem marks the log entry written for the reduce phase.
const ReduceShardItem = -1

// JobExecutionLog records one execution attempt. ShardItem is nil for
// job-level attempts. The end fields are written exactly once.
type JobExecutionLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	JobID        uint            `gorm:"index:idx_exec_log_job_start;not null" json:"job_id"`
	JobName      string          `gorm:"size:200" json:"job_name"`
	ShardItem    *int            `json:"shard_item"`
	Status       ExecutionStatus `gorm:"size:20;not null;index" json:"status"`
	StartTime    time.Time       `gorm:"index:idx_exec_log_job_start" json:"start_time"`
	EndTime      *time.Time      `json:"end_time"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	Result       string          `gorm:"type:text" json:"result"`
	ErrorMessage string          `gorm:"type:text" json:"error_message"`
	ExecutorNode string          `gorm:"size:100" json:"executor_node"`
}

func (JobExecutionLog) TableName() string { return "job_execution_logs" }

// Finished reports whether the attempt has been finalized.
func (l *JobExecutionLog) Finished() bool {
	return l.EndTime != nil
}
