package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorizeWrapped(t *testing.T) {
	base := NewLeaseConflictError("fetch", "running")
	wrapped := fmt.Errorf("submit: %w", base)

	got := Categorize(wrapped)
	require.NotNil(t, got)
	assert.Same(t, base, got)
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(wrapped))
	assert.True(t, IsUserError(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestCategorizeUnknown(t *testing.T) {
	got := Categorize(fmt.Errorf("plain"))
	assert.Equal(t, CategorySystem, got.Category)
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.Nil(t, Categorize(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", NewUpstreamError("timeline", 502, nil), true},
		{"storage", NewStorageError("acquire", fmt.Errorf("locked")), true},
		{"media", NewMediaDownloadError("https://x/y.jpg", nil), true},
		{"validation", NewInvalidParameterError("limit", "must be positive"), false},
		{"not found", NewNotFoundError("asset", "ab/cd.jpg"), false},
		{"forbidden path", NewForbiddenPathError("../etc"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewStorageError("touch", fmt.Errorf("disk full"))
	assert.Equal(t, "STORAGE_ERROR: storage error during touch (caused by: disk full)", err.Error())
	assert.EqualError(t, err.Unwrap(), "disk full")

	svc := NewInvalidConfigError("MONITOR_CONCURRENCY", "must be 1..10").ToServiceError()
	assert.Equal(t, "INVALID_CONFIG", svc.Code)
}
