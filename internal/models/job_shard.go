package models

import "time"

type ShardStatus string

const (
	ShardStatusPending   ShardStatus = "PENDING"
	ShardStatusRunning   ShardStatus = "RUNNING"
	ShardStatusCompleted ShardStatus = "COMPLETED"
	ShardStatusFailed    ShardStatus = "FAILED"
)

// JobShard is one partition of a sharded or map-reduce job for a single
// execution cycle. The whole set is replaced at the start of every cycle.
type JobShard struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	JobID        uint        `gorm:"uniqueIndex:idx_shard_job_item;not null" json:"job_id"`
	ShardItem    int         `gorm:"uniqueIndex:idx_shard_job_item;not null" json:"shard_item"`
	ShardParam   string      `gorm:"size:1000" json:"shard_param"`
	Status       ShardStatus `gorm:"size:20;not null" json:"status"`
	MapResult    []string    `gorm:"serializer:json;type:text" json:"map_result,omitempty"`
	ExecutorNode string      `gorm:"size:100" json:"executor_node"`
	StartTime    *time.Time  `json:"start_time"`
	EndTime      *time.Time  `json:"end_time"`
	CreatedAt    time.Time   `json:"created_at"`
}

func (JobShard) TableName() string { return "job_shards" }
