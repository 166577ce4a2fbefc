package models

import (
	"encoding/json"
	"time"

	"github.com/x-mirror/internal/types"
)

// TaskRun is the persisted lease row of a named job
type TaskRun struct {
	TaskKey     string           `json:"taskKey" db:"task_key"`
	Status      types.TaskStatus `json:"status" db:"status"`
	Payload     json.RawMessage  `json:"payload,omitempty" db:"payload_json"`
	Progress    json.RawMessage  `json:"progress,omitempty" db:"progress_json"`
	Result      json.RawMessage  `json:"result,omitempty" db:"result_json"`
	LastError   *string          `json:"lastError,omitempty" db:"last_error"`
	Attempt     int              `json:"attempt" db:"attempt"`
	NextRetryAt *time.Time       `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	HeartbeatAt *time.Time       `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	StartedAt   *time.Time       `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt  *time.Time       `json:"finishedAt,omitempty" db:"finished_at"`
	UpdatedAt   time.Time        `json:"updatedAt" db:"updated_at"`
}

// IsLive reports whether the row is running with a heartbeat newer than now-staleAfter
func (r *TaskRun) IsLive(now time.Time, staleAfter time.Duration) bool {
	if r.Status != types.TaskRunning || r.HeartbeatAt == nil {
		return false
	}
	return !r.HeartbeatAt.Before(now.Add(-staleAfter))
}
