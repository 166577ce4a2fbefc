// Package types provides common type definitions for the feed mirror.
package types

// MonitorStatus is the lifecycle state of a monitored account
type MonitorStatus string

const (
	// MonitorActive means the account is fetched on every run
	MonitorActive MonitorStatus = "active"
	// MonitorPaused means the account is known but not currently configured
	MonitorPaused MonitorStatus = "paused"
	// MonitorRemoved means the account was dropped from the followings list
	MonitorRemoved MonitorStatus = "removed"
	// MonitorBlockedOrNotFound means the upstream refused to resolve the account
	MonitorBlockedOrNotFound MonitorStatus = "blocked_or_not_found"
	// MonitorUnknown is recorded on tweets captured before status tracking existed
	MonitorUnknown MonitorStatus = "unknown"
)

// Valid reports whether s is a status an account can be put into
func (s MonitorStatus) Valid() bool {
	switch s {
	case MonitorActive, MonitorPaused, MonitorRemoved, MonitorBlockedOrNotFound:
		return true
	}
	return false
}

// TaskStatus represents the state of a task lease row
type TaskStatus string

const (
	// TaskIdle is the state of a freshly created task row
	TaskIdle TaskStatus = "idle"
	// TaskRunning means a holder owns the lease and heartbeats it
	TaskRunning TaskStatus = "running"
	// TaskSuccess means the last run finished cleanly
	TaskSuccess TaskStatus = "success"
	// TaskFailed means the last run failed and may carry a retry deadline
	TaskFailed TaskStatus = "failed"
)

// Task keys
const (
	TaskFetch         = "fetch"
	TaskMediaBackfill = "media-backfill"
	TaskMediaCleanup  = "media-cleanup"
)

// MediaType is the upstream media kind
type MediaType string

const (
	MediaPhoto        MediaType = "photo"
	MediaVideo        MediaType = "video"
	MediaAnimatedGIF  MediaType = "animated_gif"
	MediaVideoPreview MediaType = "video_preview"
)

// RefSource tells where a tweet reference was discovered
type RefSource string

const (
	// RefFromReferencedTweets comes from the referenced_tweets field
	RefFromReferencedTweets RefSource = "referenced_tweets"
	// RefFromURL comes from a status link in the tweet's entities
	RefFromURL RefSource = "url"
)

// IngestSource tells how a tweet entered the store
type IngestSource string

const (
	IngestDirect IngestSource = "direct"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
