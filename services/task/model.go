package task

import (
	"time"

	"gorm.io/datatypes"
)

// Job is one execution record of a maintenance task.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey"`
	TaskName    string         `gorm:"column:task_name;index"`
	Status      string         `gorm:"column:status"` // pending|running|success|failed
	ErrorMsg    string         `gorm:"column:error_msg"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (Job) TableName() string { return "maintenance_jobs" }
