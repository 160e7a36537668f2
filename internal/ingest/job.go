package ingest

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	UserID    uint64 `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1" json:"-"`
	SourceDir string `gorm:"type:varchar(512);not null" json:"source_dir"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key,omitempty"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	BuildID   string `gorm:"size:26" json:"build_id,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "ingest_jobs" }

func (j *Job) Finished() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}
