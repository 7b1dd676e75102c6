package models

import "time"

// JobKind selects the execution strategy used for a job.
type JobKind string

const (
	JobKindSimple    JobKind = "SIMPLE"
	JobKindSharding  JobKind = "SHARDING"
	JobKindMapReduce JobKind = "MAP_REDUCE"
)

// Valid reports whether k is one of the known kinds.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindSimple, JobKindSharding, JobKindMapReduce:
		return true
	}
	return false
}

// Sharded reports whether jobs of this kind fan out over shards.
func (k JobKind) Sharded() bool {
	return k == JobKindSharding || k == JobKindMapReduce
}

type JobStatus string

const (
	JobStatusReady     JobStatus = "READY"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusPaused    JobStatus = "PAUSED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Job is a recurring unit of work. Name and group are unique together.
// NextExecutionTime is nil only while the job is paused.
type Job struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Name              string     `gorm:"uniqueIndex:idx_job_name_group;size:200;not null" json:"name"`
	Group             string     `gorm:"column:job_group;uniqueIndex:idx_job_name_group;size:200;not null" json:"group"`
	Description       string     `gorm:"size:500" json:"description"`
	Schedule          string     `gorm:"size:100;not null" json:"schedule"`
	ExecutorRef       string     `gorm:"size:200;not null" json:"executor_ref"`
	Kind              JobKind    `gorm:"size:20;not null;default:SIMPLE" json:"kind"`
	ShardCount        int        `gorm:"not null;default:1" json:"shard_count"`
	ShardParams       []string   `gorm:"serializer:json;type:text" json:"shard_params"`
	Status            JobStatus  `gorm:"size:20;not null;index:idx_job_due" json:"status"`
	RetryCount        int        `gorm:"not null" json:"retry_count"`
	MaxRetryCount     int        `gorm:"not null" json:"max_retry_count"`
	LastExecutionTime *time.Time `json:"last_execution_time"`
	NextExecutionTime *time.Time `gorm:"index:idx_job_due" json:"next_execution_time"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// ShardParam returns the parameter slot for shard i, or "" when the
// parameter list is shorter than i+1.
func (j *Job) ShardParam(i int) string {
	if i >= 0 && i < len(j.ShardParams) {
		return j.ShardParams[i]
	}
	return ""
}

// EffectiveShardCount is ShardCount clamped to at least one.
func (j *Job) EffectiveShardCount() int {
	if j.ShardCount < 1 {
		return 1
	}
	return j.ShardCount
}
