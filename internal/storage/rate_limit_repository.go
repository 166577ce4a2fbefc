package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/x-mirror/internal/models"
)

// RateLimitRepository persists per-account cooldowns
type RateLimitRepository struct {
	db *Store
}

// NewRateLimitRepository creates a new rate limit repository
func NewRateLimitRepository(db *Store) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Set records that usernameKey may not be fetched before blockedUntil
func (r *RateLimitRepository) Set(ctx context.Context, usernameKey string, blockedUntil time.Time, lastError string, now time.Time) error {
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO user_rate_limits (username_key, blocked_until, last_error, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (username_key) DO UPDATE SET
			blocked_until = excluded.blocked_until,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`), usernameKey, toMillis(blockedUntil), nonEmpty(lastError), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to set rate limit: %w", err)
	}
	return nil
}

// Get returns the active cooldown deadline of usernameKey. An expired row is
// deleted and reported as absent.
func (r *RateLimitRepository) Get(ctx context.Context, usernameKey string, now time.Time) (*time.Time, error) {
	var blockedUntil int64
	err := r.db.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT blocked_until FROM user_rate_limits WHERE username_key = ?`,
	), usernameKey).Scan(&blockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit: %w", err)
	}
	if blockedUntil <= toMillis(now) {
		if err := r.Clear(ctx, usernameKey); err != nil {
			return nil, err
		}
		return nil, nil
	}
	t := fromMillis(blockedUntil)
	return &t, nil
}

// Clear removes the cooldown of usernameKey
func (r *RateLimitRepository) Clear(ctx context.Context, usernameKey string) error {
	if _, err := r.db.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM user_rate_limits WHERE username_key = ?`,
	), usernameKey); err != nil {
		return fmt.Errorf("failed to clear rate limit: %w", err)
	}
	return nil
}

// CleanupExpired deletes every cooldown that ended at or before now
func (r *RateLimitRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM user_rate_limits WHERE blocked_until <= ?`,
	), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up rate limits: %w", err)
	}
	return res.RowsAffected()
}

// ListActive returns the cooldowns still in force at now
func (r *RateLimitRepository) ListActive(ctx context.Context, now time.Time) ([]*models.UserRateLimit, error) {
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT username_key, blocked_until, last_error, updated_at
		FROM user_rate_limits
		WHERE blocked_until > ?
		ORDER BY blocked_until ASC
	`), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list rate limits: %w", err)
	}
	defer rows.Close()

	var out []*models.UserRateLimit
	for rows.Next() {
		var (
			rl               models.UserRateLimit
			blocked, updated int64
			lastErr          sql.NullString
		)
		if err := rows.Scan(&rl.UsernameKey, &blocked, &lastErr, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit: %w", err)
		}
		rl.BlockedUntil = fromMillis(blocked)
		rl.LastError = fromNullString(lastErr)
		rl.UpdatedAt = fromMillis(updated)
		out = append(out, &rl)
	}
	return out, rows.Err()
}
