package store

import (
	"time"
)

// Experiment is one harness invocation.
type Experiment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Command     string    `gorm:"not null" json:"command"`
	RunsPlanned int       `gorm:"not null" json:"runs_planned"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run is one execution of the full suite within an experiment.
type Run struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	ExperimentID uint          `gorm:"index;not null" json:"experiment_id"`
	RunIndex     int           `gorm:"not null" json:"run_index"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	ExitStatus   string        `gorm:"not null" json:"exit_status"`
	ExitCode     int           `json:"exit_code"`
}

// AggregateEntry is the finalized per-test-id aggregate for an
// experiment.
type AggregateEntry struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ExperimentID   uint   `gorm:"index;not null" json:"experiment_id"`
	TestID         string `gorm:"index;not null" json:"test_id"`
	PassCount      int    `json:"pass_count"`
	FailCount      int    `json:"fail_count"`
	ErrorCount     int    `json:"error_count"`
	SkipCount      int    `json:"skip_count"`
	TotalObserved  int    `json:"total_observed"`
	Classification string `gorm:"index" json:"classification"`
}
