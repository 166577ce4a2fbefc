package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// Reasons recorded on snapshots without content
const (
	// UnavailableReason marks a referenced post whose content is unknown
	UnavailableReason = "unavailable"
	// NotIncludedReason marks a referenced post the timeline did not expand
	NotIncludedReason = "not_included"
)

// RefRepository persists tweet references and snapshots of referenced posts
type RefRepository struct {
	db *Store
}

// NewRefRepository creates a new reference repository
func NewRefRepository(db *Store) *RefRepository {
	return &RefRepository{db: db}
}

// UpsertRefTweets stores snapshots. Fields absent from a newer snapshot keep
// the values already known.
func (r *RefRepository) UpsertRefTweets(ctx context.Context, refs []*models.RefTweet, now time.Time) error {
	if len(refs) == 0 {
		return nil
	}
	query := r.db.rebind(`
		INSERT INTO ref_tweets (
			id, author_id, author_username, author_name, text, created_at, lang,
			media_json, raw_json, unavailable_reason, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			author_id = COALESCE(excluded.author_id, ref_tweets.author_id),
			author_username = COALESCE(excluded.author_username, ref_tweets.author_username),
			author_name = COALESCE(excluded.author_name, ref_tweets.author_name),
			text = COALESCE(excluded.text, ref_tweets.text),
			created_at = COALESCE(excluded.created_at, ref_tweets.created_at),
			lang = COALESCE(excluded.lang, ref_tweets.lang),
			media_json = COALESCE(excluded.media_json, ref_tweets.media_json),
			raw_json = COALESCE(excluded.raw_json, ref_tweets.raw_json),
			unavailable_reason = CASE
				WHEN excluded.text IS NOT NULL OR excluded.raw_json IS NOT NULL THEN excluded.unavailable_reason
				ELSE COALESCE(excluded.unavailable_reason, ref_tweets.unavailable_reason)
			END,
			updated_at = excluded.updated_at
	`)
	ms := toMillis(now)

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, ref := range refs {
			media, err := encodeMedia(ref.Media)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query,
				ref.ID,
				nullString(ref.AuthorID),
				nullString(ref.AuthorUsername),
				nullString(ref.AuthorName),
				nullString(ref.Text),
				nullString(ref.CreatedAt),
				nullString(ref.Lang),
				media,
				nullJSON(ref.Raw),
				nullString(ref.UnavailableReason),
				ms,
			); err != nil {
				return fmt.Errorf("failed to upsert ref tweet %s: %w", ref.ID, err)
			}
		}
		return nil
	})
}

// InsertRefPlaceholders records a content-less snapshot with reason for every
// id that has no snapshot yet. Existing snapshots are left untouched.
func (r *RefRepository) InsertRefPlaceholders(ctx context.Context, ids []string, reason string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := r.db.rebind(`
		INSERT INTO ref_tweets (id, unavailable_reason, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	ms := toMillis(now)

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, query, id, reason, ms); err != nil {
				return fmt.Errorf("failed to insert ref placeholder %s: %w", id, err)
			}
		}
		return nil
	})
}

// ReplaceTweetRefs swaps the reference edges of one tweet. Duplicate
// (ref id, source) pairs keep their first occurrence.
func (r *RefRepository) ReplaceTweetRefs(ctx context.Context, tweetID string, refs []models.TweetRef, now time.Time) error {
	ms := toMillis(now)
	insert := r.db.rebind(`
		INSERT INTO tweet_refs (tweet_id, ref_tweet_id, ref_type, source, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tweet_id, ref_tweet_id, source) DO UPDATE SET
			ref_type = excluded.ref_type,
			url = excluded.url,
			updated_at = excluded.updated_at
	`)

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.rebind(
			`DELETE FROM tweet_refs WHERE tweet_id = ?`,
		), tweetID); err != nil {
			return fmt.Errorf("failed to clear tweet refs: %w", err)
		}
		seen := make(map[string]struct{}, len(refs))
		for _, ref := range refs {
			key := ref.RefTweetID + ":" + string(ref.Source)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if _, err := tx.ExecContext(ctx, insert,
				tweetID, ref.RefTweetID, ref.RefType, string(ref.Source), nullString(ref.URL), ms, ms,
			); err != nil {
				return fmt.Errorf("failed to insert tweet ref: %w", err)
			}
		}
		return nil
	})
}

type refRow struct {
	ref      models.TweetRef
	snapshot models.RefTweet
	media    sql.NullString
	hasText  bool
	hasRaw   bool
}

// GetRefsByTweetIDs returns the references of each tweet joined with the best
// known snapshot. When no snapshot text was captured, a locally stored tweet
// with the same id fills the gaps; otherwise the snapshot is marked
// unavailable.
func (r *RefRepository) GetRefsByTweetIDs(ctx context.Context, tweetIDs []string) (map[string][]models.TweetRefView, error) {
	out := make(map[string][]models.TweetRefView)
	if len(tweetIDs) == 0 {
		return out, nil
	}

	rows, err := r.loadRefRows(ctx, tweetIDs)
	if err != nil {
		return nil, err
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, row := range rows {
		if row.hasText || row.hasRaw {
			continue
		}
		if _, ok := seen[row.ref.RefTweetID]; ok {
			continue
		}
		seen[row.ref.RefTweetID] = struct{}{}
		missing = append(missing, row.ref.RefTweetID)
	}
	local, err := r.loadLocalSnapshots(ctx, missing)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		snap := row.snapshot
		snap.Media = decodeMedia(row.media)
		if fb, ok := local[row.ref.RefTweetID]; ok {
			snap.AuthorID = firstNonNil(snap.AuthorID, fb.AuthorID)
			snap.AuthorUsername = firstNonNil(snap.AuthorUsername, fb.AuthorUsername)
			snap.AuthorName = firstNonNil(snap.AuthorName, fb.AuthorName)
			snap.Text = firstNonNil(snap.Text, fb.Text)
			snap.CreatedAt = firstNonNil(snap.CreatedAt, fb.CreatedAt)
			snap.Lang = firstNonNil(snap.Lang, fb.Lang)
			if snap.Media == nil {
				snap.Media = fb.Media
			}
			if snap.Raw == nil {
				snap.Raw = fb.Raw
			}
			if fb.Text != nil {
				snap.UnavailableReason = nil
			}
		}
		if snap.UnavailableReason == nil && (snap.Text == nil || *snap.Text == "") {
			reason := UnavailableReason
			snap.UnavailableReason = &reason
		}
		out[row.ref.TweetID] = append(out[row.ref.TweetID], models.TweetRefView{TweetRef: row.ref, Snapshot: &snap})
	}
	return out, nil
}

func (r *RefRepository) loadRefRows(ctx context.Context, tweetIDs []string) ([]refRow, error) {
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT r.tweet_id, r.ref_tweet_id, r.ref_type, r.source, r.url,
			rt.author_id, rt.author_username, rt.author_name, rt.text, rt.created_at,
			rt.lang, rt.media_json, rt.raw_json, rt.unavailable_reason
		FROM tweet_refs r
		LEFT JOIN ref_tweets rt ON rt.id = r.ref_tweet_id
		WHERE r.tweet_id IN (`+placeholders(len(tweetIDs))+`)
		ORDER BY r.tweet_id ASC, r.created_at ASC, r.ref_tweet_id ASC
	`), stringArgs(tweetIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tweet refs: %w", err)
	}
	defer rows.Close()

	var out []refRow
	for rows.Next() {
		var (
			row                                     refRow
			source                                  string
			url, authorID, authorUsername, authorNm sql.NullString
			text, createdAt, lang, raw, unavailable sql.NullString
		)
		if err := rows.Scan(&row.ref.TweetID, &row.ref.RefTweetID, &row.ref.RefType, &source, &url,
			&authorID, &authorUsername, &authorNm, &text, &createdAt, &lang, &row.media, &raw, &unavailable); err != nil {
			return nil, fmt.Errorf("failed to scan tweet ref: %w", err)
		}
		row.ref.Source = types.RefSource(source)
		row.ref.URL = fromNullString(url)
		row.snapshot = models.RefTweet{
			ID:                row.ref.RefTweetID,
			AuthorID:          fromNullString(authorID),
			AuthorUsername:    fromNullString(authorUsername),
			AuthorName:        fromNullString(authorNm),
			Text:              fromNullString(text),
			CreatedAt:         fromNullString(createdAt),
			Lang:              fromNullString(lang),
			Raw:               fromNullJSON(raw),
			UnavailableReason: fromNullString(unavailable),
		}
		row.hasText = text.Valid && text.String != ""
		row.hasRaw = raw.Valid && raw.String != ""
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *RefRepository) loadLocalSnapshots(ctx context.Context, ids []string) (map[string]*models.RefTweet, error) {
	out := make(map[string]*models.RefTweet, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT t.id, t.user_id, u.username, u.name, t.text, t.created_at, t.lang, t.media_json, t.raw_json
		FROM tweets t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.id IN (`+placeholders(len(ids))+`)
	`), stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load local ref snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, authorID, text                     string
			username, name, createdAt, lang, media sql.NullString
			raw                                    sql.NullString
		)
		if err := rows.Scan(&id, &authorID, &username, &name, &text, &createdAt, &lang, &media, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan local ref snapshot: %w", err)
		}
		out[id] = &models.RefTweet{
			ID:             id,
			AuthorID:       &authorID,
			AuthorUsername: fromNullString(username),
			AuthorName:     fromNullString(name),
			Text:           &text,
			CreatedAt:      fromNullString(createdAt),
			Lang:           fromNullString(lang),
			Media:          decodeMedia(media),
			Raw:            fromNullJSON(raw),
		}
	}
	return out, rows.Err()
}

func firstNonNil(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}
