package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// TweetRepository handles tweet persistence
type TweetRepository struct {
	db *Store
}

// NewTweetRepository creates a new tweet repository
func NewTweetRepository(db *Store) *TweetRepository {
	return &TweetRepository{db: db}
}

// TweetMediaRow is the media blob of one stored tweet with its author handle
type TweetMediaRow struct {
	TweetID  string
	Username string
	Media    []models.MediaItem
}

// TweetQuery filters Query and Count
type TweetQuery struct {
	Username string
	Since    string
	Until    string
	Contains string
	Lang     string
	// ActiveOnly hides tweets of accounts that are no longer monitored
	ActiveOnly bool
	Limit      int
	Offset     int
}

func encodeMedia(media []models.MediaItem) (sql.NullString, error) {
	if len(media) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(media)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode media: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeMedia treats a malformed blob as no media
func decodeMedia(n sql.NullString) []models.MediaItem {
	if !n.Valid || n.String == "" {
		return nil
	}
	var media []models.MediaItem
	if err := json.Unmarshal([]byte(n.String), &media); err != nil {
		return nil
	}
	return media
}

// SaveTweets upserts tweets in one transaction. Optional columns absent
// from the incoming row keep their stored values.
func (r *TweetRepository) SaveTweets(ctx context.Context, tweets []*models.Tweet) error {
	if len(tweets) == 0 {
		return nil
	}
	query := r.db.rebind(`
		INSERT INTO tweets (
			id, user_id, text, created_at, lang, media_json, entities_json, raw_json,
			ingest_source, captured_at, monitor_status_at_capture
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, 'direct'), ?, COALESCE(?, 'unknown'))
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			text = excluded.text,
			created_at = COALESCE(excluded.created_at, tweets.created_at),
			lang = COALESCE(excluded.lang, tweets.lang),
			media_json = COALESCE(excluded.media_json, tweets.media_json),
			entities_json = COALESCE(excluded.entities_json, tweets.entities_json),
			raw_json = COALESCE(excluded.raw_json, tweets.raw_json),
			ingest_source = COALESCE(excluded.ingest_source, tweets.ingest_source, 'direct'),
			captured_at = COALESCE(excluded.captured_at, tweets.captured_at),
			monitor_status_at_capture = COALESCE(excluded.monitor_status_at_capture, tweets.monitor_status_at_capture, 'unknown')
	`)

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tweets {
			media, err := encodeMedia(t.Media)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query,
				t.ID,
				t.UserID,
				t.Text,
				nullString(t.CreatedAt),
				nullString(t.Lang),
				media,
				nullJSON(t.Entities),
				nullJSON(t.Raw),
				nonEmpty(string(t.IngestSource)),
				nullString(t.CapturedAt),
				nonEmpty(string(t.MonitorStatusAtCapture)),
			); err != nil {
				return fmt.Errorf("failed to save tweet %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// UpdateMediaJSON overwrites the media blob of a tweet. Empty media clears it.
func (r *TweetRepository) UpdateMediaJSON(ctx context.Context, tweetID string, media []models.MediaItem) error {
	blob, err := encodeMedia(media)
	if err != nil {
		return err
	}
	if _, err := r.db.db.ExecContext(ctx, r.db.rebind(
		`UPDATE tweets SET media_json = ? WHERE id = ?`,
	), blob, tweetID); err != nil {
		return fmt.Errorf("failed to update tweet media: %w", err)
	}
	return nil
}

// GetMediaByIDs returns the media blob of every listed tweet that has one
func (r *TweetRepository) GetMediaByIDs(ctx context.Context, ids []string) (map[string][]models.MediaItem, error) {
	out := make(map[string][]models.MediaItem, len(ids))
	for _, chunk := range chunkStrings(ids, maxInArgs) {
		if err := r.getMedia(ctx, chunk, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *TweetRepository) getMedia(ctx context.Context, ids []string, out map[string][]models.MediaItem) error {
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, media_json FROM tweets WHERE id IN (`+placeholders(len(ids))+`)`,
	), stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to get tweet media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   string
			blob sql.NullString
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("failed to scan tweet media: %w", err)
		}
		if media := decodeMedia(blob); len(media) > 0 {
			out[id] = media
		}
	}
	return rows.Err()
}

// ListWithMedia pages through tweets that carry media, newest first,
// optionally restricted to a set of handles.
func (r *TweetRepository) ListWithMedia(ctx context.Context, usernames []string, limit, offset int) ([]TweetMediaRow, error) {
	if limit <= 0 {
		limit = 100
	}
	conds := []string{"t.media_json IS NOT NULL", "t.media_json <> ''"}
	var args []interface{}
	if len(usernames) > 0 {
		conds = append(conds, "LOWER(u.username) IN ("+placeholders(len(usernames))+")")
		for _, u := range usernames {
			args = append(args, strings.ToLower(u))
		}
	}
	args = append(args, limit, offset)

	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT t.id, t.media_json, u.username
		FROM tweets t
		JOIN users u ON u.id = t.user_id
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT ? OFFSET ?
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tweets with media: %w", err)
	}
	defer rows.Close()

	var out []TweetMediaRow
	for rows.Next() {
		var (
			row  TweetMediaRow
			blob sql.NullString
		)
		if err := rows.Scan(&row.TweetID, &blob, &row.Username); err != nil {
			return nil, fmt.Errorf("failed to scan tweet media: %w", err)
		}
		row.Media = decodeMedia(blob)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (q TweetQuery) where() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if q.Username != "" {
		conds = append(conds, "LOWER(u.username) = LOWER(?)")
		args = append(args, q.Username)
	}
	if q.Since != "" {
		conds = append(conds, "t.created_at >= ?")
		args = append(args, q.Since)
	}
	if q.Until != "" {
		conds = append(conds, "t.created_at <= ?")
		args = append(args, q.Until)
	}
	if q.Lang != "" {
		conds = append(conds, "t.lang = ?")
		args = append(args, q.Lang)
	}
	if q.Contains != "" {
		conds = append(conds, "LOWER(t.text) LIKE ?")
		args = append(args, "%"+strings.ToLower(q.Contains)+"%")
	}
	if q.ActiveOnly {
		conds = append(conds, "COALESCE(u.monitor_status, 'active') = 'active'")
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// Query returns stored tweets joined with their authors, newest first
func (r *TweetRepository) Query(ctx context.Context, q TweetQuery) ([]*models.TweetWithAuthor, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	where, args := q.where()
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT t.id, t.user_id, t.text, t.created_at, t.lang, t.media_json, t.entities_json,
			t.ingest_source, t.captured_at, t.monitor_status_at_capture, u.username, u.name
		FROM tweets t
		JOIN users u ON u.id = t.user_id
		`+where+`
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT ? OFFSET ?
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tweets: %w", err)
	}
	defer rows.Close()

	var out []*models.TweetWithAuthor
	for rows.Next() {
		var (
			t                           models.TweetWithAuthor
			createdAt, lang, capturedAt sql.NullString
			media, entities             sql.NullString
			ingest, statusAtCapture     string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Text, &createdAt, &lang, &media, &entities,
			&ingest, &capturedAt, &statusAtCapture, &t.Username, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan tweet: %w", err)
		}
		t.CreatedAt = fromNullString(createdAt)
		t.Lang = fromNullString(lang)
		t.Media = decodeMedia(media)
		t.Entities = fromNullJSON(entities)
		t.IngestSource = types.IngestSource(ingest)
		t.CapturedAt = fromNullString(capturedAt)
		t.MonitorStatusAtCapture = types.MonitorStatus(statusAtCapture)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Count returns the number of tweets matching q, ignoring paging
func (r *TweetRepository) Count(ctx context.Context, q TweetQuery) (int64, error) {
	where, args := q.where()
	var n int64
	if err := r.db.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT COUNT(*) FROM tweets t JOIN users u ON u.id = t.user_id `+where,
	), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tweets: %w", err)
	}
	return n, nil
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
