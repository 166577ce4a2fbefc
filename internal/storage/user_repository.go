package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// UserRepository handles account persistence and monitoring history
type UserRepository struct {
	db *Store
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *Store) *UserRepository {
	return &UserRepository{db: db}
}

// MonitorChange describes who changed an account's monitor status and when
type MonitorChange struct {
	At     time.Time
	Source string
	Reason string
}

const userColumns = `
	id, username, name, avatar_url, last_seen_at,
	monitor_status, monitoring_started_at, monitoring_ended_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var (
		u              models.User
		avatar         sql.NullString
		lastSeen       int64
		status         string
		started, ended sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Name, &avatar, &lastSeen, &status, &started, &ended); err != nil {
		return nil, err
	}
	u.AvatarURL = fromNullString(avatar)
	u.LastSeenAt = fromMillis(lastSeen)
	u.MonitorStatus = types.MonitorStatus(status)
	u.MonitoringStartedAt = fromNullMillis(started)
	u.MonitoringEndedAt = fromNullMillis(ended)
	return &u, nil
}

// Upsert inserts or refreshes an account. Absent optional fields keep their
// stored values; an active account never carries an end of monitoring.
func (r *UserRepository) Upsert(ctx context.Context, user *models.User) error {
	lastSeen := user.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO users (
			id, username, name, avatar_url, last_seen_at,
			monitor_status, monitoring_started_at, monitoring_ended_at
		)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, 'active'), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			avatar_url = COALESCE(excluded.avatar_url, users.avatar_url),
			last_seen_at = excluded.last_seen_at,
			monitor_status = COALESCE(excluded.monitor_status, users.monitor_status, 'active'),
			monitoring_started_at = COALESCE(excluded.monitoring_started_at, users.monitoring_started_at),
			monitoring_ended_at = CASE
				WHEN COALESCE(excluded.monitor_status, users.monitor_status, 'active') = 'active' THEN NULL
				ELSE COALESCE(excluded.monitoring_ended_at, users.monitoring_ended_at)
			END
	`),
		user.ID,
		user.Username,
		user.Name,
		nullString(user.AvatarURL),
		toMillis(lastSeen),
		nonEmpty(string(user.MonitorStatus)),
		nullMillis(user.MonitoringStartedAt),
		nullMillis(user.MonitoringEndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetByID retrieves an account by platform id
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(r.db.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+userColumns+` FROM users WHERE id = ?`,
	), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetByUsername retrieves an account by handle, ignoring case
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(r.db.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER(?) LIMIT 1`,
	), username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user @%s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// List returns every known account ordered by handle
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY LOWER(username) ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetMonitorStatusByID changes an account's status and keeps its monitoring
// periods consistent: activating opens a period when none is open; pausing,
// removing or blocking closes every open period. It reports whether the
// account exists.
func (r *UserRepository) SetMonitorStatusByID(ctx context.Context, userID string, status types.MonitorStatus, change MonitorChange) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid monitor status %q", status)
	}
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	ms := toMillis(at)
	var found bool

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.db.rebind(`
			UPDATE users
			SET monitor_status = ?,
				monitoring_started_at = CASE
					WHEN ? = 'active' THEN COALESCE(monitoring_started_at, ?)
					ELSE monitoring_started_at
				END,
				monitoring_ended_at = CASE
					WHEN ? = 'active' THEN NULL
					WHEN ? = 'blocked_or_not_found' THEN monitoring_ended_at
					ELSE ?
				END
			WHERE id = ?
		`), string(status), string(status), ms, string(status), string(status), ms, userID)
		if err != nil {
			return fmt.Errorf("failed to set monitor status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		found = true

		switch status {
		case types.MonitorActive:
			var open string
			err := tx.QueryRowContext(ctx, r.db.rebind(
				`SELECT id FROM user_monitor_periods WHERE user_id = ? AND ended_at IS NULL LIMIT 1`,
			), userID).Scan(&open)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check monitor period: %w", err)
			}
			if _, err := tx.ExecContext(ctx, r.db.rebind(`
				INSERT INTO user_monitor_periods (id, user_id, source, reason, started_at, ended_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
			`), uuid.New().String(), userID, change.Source, nonEmpty(change.Reason), ms, ms, ms); err != nil {
				return fmt.Errorf("failed to open monitor period: %w", err)
			}
		case types.MonitorPaused, types.MonitorRemoved, types.MonitorBlockedOrNotFound:
			if _, err := tx.ExecContext(ctx, r.db.rebind(`
				UPDATE user_monitor_periods
				SET ended_at = ?, updated_at = ?
				WHERE user_id = ? AND ended_at IS NULL
			`), ms, ms, userID); err != nil {
				return fmt.Errorf("failed to close monitor periods: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// SetMonitorStatusByUsername resolves the handle and delegates to SetMonitorStatusByID
func (r *UserRepository) SetMonitorStatusByUsername(ctx context.Context, username string, status types.MonitorStatus, change MonitorChange) (bool, error) {
	u, err := r.GetByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.SetMonitorStatusByID(ctx, u.ID, status, change)
}

// ListMonitorPeriods returns the monitoring history of an account, oldest first
func (r *UserRepository) ListMonitorPeriods(ctx context.Context, userID string) ([]*models.MonitorPeriod, error) {
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT id, user_id, source, reason, started_at, ended_at
		FROM user_monitor_periods
		WHERE user_id = ?
		ORDER BY started_at ASC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitor periods: %w", err)
	}
	defer rows.Close()

	var periods []*models.MonitorPeriod
	for rows.Next() {
		var (
			p       models.MonitorPeriod
			reason  sql.NullString
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Source, &reason, &started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan monitor period: %w", err)
		}
		p.Reason = fromNullString(reason)
		p.StartedAt = fromMillis(started)
		p.EndedAt = fromNullMillis(ended)
		periods = append(periods, &p)
	}
	return periods, rows.Err()
}

// GetLastTweetID returns the newest stored tweet id of an account, or "" if none
func (r *UserRepository) GetLastTweetID(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.db.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT last_tweet_id FROM user_latest WHERE user_id = ?`,
	), userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get last tweet id: %w", err)
	}
	return id, nil
}

// SetLastTweetID records the newest stored tweet id of an account
func (r *UserRepository) SetLastTweetID(ctx context.Context, userID, tweetID string) error {
	if _, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO user_latest (user_id, last_tweet_id)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_tweet_id = excluded.last_tweet_id
	`), userID, tweetID); err != nil {
		return fmt.Errorf("failed to set last tweet id: %w", err)
	}
	return nil
}
