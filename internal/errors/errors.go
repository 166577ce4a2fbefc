// Package errors classifies failures so the HTTP layer and job runner can
// decide on status codes and retry behavior without inspecting messages.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/x-mirror/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryValidation  ErrorCategory = "validation"
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryConflict    ErrorCategory = "conflict"
	CategoryRateLimit   ErrorCategory = "rate_limit"
	CategoryUpstream    ErrorCategory = "upstream"
	CategoryStorage     ErrorCategory = "storage"
	CategoryMediaCache  ErrorCategory = "media_cache"
	CategorySystem      ErrorCategory = "system"
	CategoryForbiddenIO ErrorCategory = "forbidden_path"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire representation
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates a validation error for one parameter
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInvalidConfigError reports a configuration value rejected at load time
func NewInvalidConfigError(key string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_CONFIG",
		Message:    fmt.Sprintf("invalid config %s: %s", key, reason),
		Details: map[string]interface{}{
			"key":    key,
			"reason": reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewForbiddenPathError rejects a media path that escapes the cache root
func NewForbiddenPathError(path string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryForbiddenIO,
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN_PATH",
		Message:    "path escapes media cache root",
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// NewLeaseConflictError describes a trigger that could not take the task lease.
// Callers treat it as "already running" or "cooling down", not as a failure.
func NewLeaseConflictError(taskKey string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "TASK_NOT_ACQUIRED",
		Message:    fmt.Sprintf("task %s not started: %s", taskKey, reason),
		Details: map[string]interface{}{
			"task":   taskKey,
			"reason": reason,
		},
	}
}

// NewRateLimitError creates an inbound rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewStorageError wraps a store failure
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewUpstreamError wraps a non rate-limit failure of the social platform API
func NewUpstreamError(operation string, statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       "UPSTREAM_ERROR",
		Message:    fmt.Sprintf("upstream %s failed", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation":      operation,
			"upstreamStatus": statusCode,
		},
	}
}

// NewMediaDownloadError wraps a failed media download
func NewMediaDownloadError(sourceURL string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMediaCache,
		StatusCode: http.StatusBadGateway,
		Code:       "MEDIA_DOWNLOAD_FAILED",
		Message:    "media download failed",
		Cause:      cause,
		Details: map[string]interface{}{
			"sourceUrl": sourceURL,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying later
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryStorage, CategoryMediaCache, CategoryRateLimit:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
