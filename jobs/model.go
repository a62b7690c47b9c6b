// Package jobs persists the lifecycle of every logical inference
// submission and implements the business rules over it.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/pitabwire/util"
	"gorm.io/gorm"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// TerminalStatuses lists the states no transition may leave.
var TerminalStatuses = []Status{StatusSucceeded, StatusFailed, StatusCancelled, StatusTimeout}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Job is one row per logical submission. Transitions form a DAG:
// created -> pending -> running -> {succeeded|failed|cancelled|timeout},
// with pending -> cancelled also valid.
type Job struct {
	ID string `gorm:"type:varchar(50);primary_key" json:"id"`

	ModelName    string `gorm:"type:varchar(255);index" json:"model_name"`
	ModelVersion string `gorm:"type:varchar(50)"        json:"model_version"`

	// Payload and Result hold opaque JSON; the engine never inspects
	// their structure.
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	Device string `gorm:"type:varchar(50)"       json:"device"`
	Status Status `gorm:"type:varchar(20);index" json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ErrorType    string `gorm:"type:varchar(100)" json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	LastRetryReason string     `gorm:"type:varchar(100)" json:"last_retry_reason,omitempty"`

	// Wall budgets in seconds; zero means unset.
	MaxRuntimeSecs      float64 `json:"max_runtime_s,omitempty"`
	MaxTotalRuntimeSecs float64 `json:"max_total_runtime_s,omitempty"`

	Cancellable bool `json:"cancellable"`
}

func (Job) TableName() string {
	return "jobs"
}

// GenID creates a new id for the job if it is not set.
func (j *Job) GenID() {
	if j.ID == "" {
		j.ID = util.IDString()
	}
}

func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	j.GenID()
	return nil
}

// Terminal reports whether the job reached a terminal state.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// MaxRuntime is the per-attempt wall budget; zero when unset.
func (j *Job) MaxRuntime() time.Duration {
	return secondsToDuration(j.MaxRuntimeSecs)
}

// MaxTotalRuntime is the budget across all attempts since CreatedAt.
func (j *Job) MaxTotalRuntime() time.Duration {
	return secondsToDuration(j.MaxTotalRuntimeSecs)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
