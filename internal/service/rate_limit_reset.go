package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/x-mirror/internal/adapter"
)

// DefaultCooldown applies when a 429 carries no usable reset time
const DefaultCooldown = 15 * time.Minute

// CooldownUntil picks the end of an account's cooldown after err. Candidates
// are tried in order: the reset parsed by the client, the x-rate-limit-reset
// header, the x-app-limit-24hour-reset header and a rate_limit_reset field of
// the error body. Candidates that are not after now are ignored.
func CooldownUntil(err *adapter.RateLimitError, now time.Time) time.Time {
	if err != nil {
		if err.Reset != nil && err.Reset.After(now) {
			return *err.Reset
		}
		var candidates []string
		if err.Headers != nil {
			candidates = append(candidates,
				err.Headers.Get("x-rate-limit-reset"),
				err.Headers.Get("x-app-limit-24hour-reset"),
			)
		}
		candidates = append(candidates, err.BodyReset)
		for _, raw := range candidates {
			if t, ok := parseEpoch(raw); ok && t.After(now) {
				return t
			}
		}
	}
	return now.Add(DefaultCooldown)
}

// parseEpoch reads a unix timestamp; values below 1e12 are seconds,
// larger ones milliseconds.
func parseEpoch(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n < 1e12 {
		return time.UnixMilli(int64(n * 1000)), true
	}
	return time.UnixMilli(int64(n)), true
}
