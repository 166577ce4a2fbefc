// Package models provides data models for the feed mirror.
package models

import (
	"time"

	"github.com/x-mirror/internal/types"
)

// User is a monitored account
type User struct {
	ID                  string              `json:"id" db:"id"`
	Username            string              `json:"username" db:"username"`
	Name                string              `json:"name" db:"name"`
	AvatarURL           *string             `json:"avatarUrl,omitempty" db:"avatar_url"`
	LastSeenAt          time.Time           `json:"lastSeenAt" db:"last_seen_at"`
	MonitorStatus       types.MonitorStatus `json:"monitorStatus" db:"monitor_status"`
	MonitoringStartedAt *time.Time          `json:"monitoringStartedAt,omitempty" db:"monitoring_started_at"`
	MonitoringEndedAt   *time.Time          `json:"monitoringEndedAt,omitempty" db:"monitoring_ended_at"`
}

// MonitorPeriod is one contiguous interval during which an account was active
type MonitorPeriod struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"userId" db:"user_id"`
	Source    string     `json:"source" db:"source"`
	Reason    *string    `json:"reason,omitempty" db:"reason"`
	StartedAt time.Time  `json:"startedAt" db:"started_at"`
	EndedAt   *time.Time `json:"endedAt,omitempty" db:"ended_at"`
}

// UserRateLimit is a per-account cooldown recorded after an upstream 429
type UserRateLimit struct {
	UsernameKey  string    `json:"usernameKey" db:"username_key"`
	BlockedUntil time.Time `json:"blockedUntil" db:"blocked_until"`
	LastError    *string   `json:"lastError,omitempty" db:"last_error"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}
