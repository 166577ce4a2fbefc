package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/x-mirror/internal/models"
)

// maxInArgs bounds the size of generated IN lists
const maxInArgs = 500

// MediaRepository persists media cache assets and their tweet links
type MediaRepository struct {
	db *Store
}

// NewMediaRepository creates a new media repository
func NewMediaRepository(db *Store) *MediaRepository {
	return &MediaRepository{db: db}
}

// SaveTweetMedia upserts the assets of one tweet and replaces its links in a
// single transaction, so a tweet never points at half-written asset rows.
func (r *MediaRepository) SaveTweetMedia(ctx context.Context, tweetID string, assets []*models.MediaAsset, links []models.TweetMediaLink, now time.Time) error {
	ms := toMillis(now)
	upsert := r.db.rebind(`
		INSERT INTO media_assets (
			source_hash, source_url, media_type, media_key, file_ext, mime_type,
			relative_path, file_size, created_at, updated_at, last_accessed_at,
			last_cached_at, cache_error
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_hash) DO UPDATE SET
			source_url = excluded.source_url,
			media_type = excluded.media_type,
			media_key = excluded.media_key,
			file_ext = excluded.file_ext,
			mime_type = excluded.mime_type,
			relative_path = excluded.relative_path,
			file_size = excluded.file_size,
			updated_at = excluded.updated_at,
			last_accessed_at = excluded.last_accessed_at,
			last_cached_at = excluded.last_cached_at,
			cache_error = excluded.cache_error
	`)
	insertLink := r.db.rebind(`
		INSERT INTO tweet_media (tweet_id, source_hash, media_key, sort_order)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tweet_id, source_hash) DO UPDATE SET
			media_key = excluded.media_key,
			sort_order = excluded.sort_order
	`)

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range assets {
			if _, err := tx.ExecContext(ctx, upsert,
				a.SourceHash,
				a.SourceURL,
				a.MediaType,
				nullString(a.MediaKey),
				a.FileExt,
				a.MimeType,
				a.RelativePath,
				a.FileSize,
				ms,
				ms,
				nullMillis(a.LastAccessedAt),
				nullMillis(a.LastCachedAt),
				nullString(a.CacheError),
			); err != nil {
				return fmt.Errorf("failed to upsert media asset: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, r.db.rebind(
			`DELETE FROM tweet_media WHERE tweet_id = ?`,
		), tweetID); err != nil {
			return fmt.Errorf("failed to clear tweet media links: %w", err)
		}
		for _, l := range links {
			if _, err := tx.ExecContext(ctx, insertLink, tweetID, l.SourceHash, nullString(l.MediaKey), l.SortOrder); err != nil {
				return fmt.Errorf("failed to insert tweet media link: %w", err)
			}
		}
		return nil
	})
}

// ListAssets returns every asset row
func (r *MediaRepository) ListAssets(ctx context.Context) ([]*models.MediaAsset, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT source_hash, source_url, media_type, media_key, file_ext, mime_type,
			relative_path, file_size, created_at, updated_at, last_accessed_at,
			last_cached_at, cache_error
		FROM media_assets
		ORDER BY source_hash
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list media assets: %w", err)
	}
	defer rows.Close()

	var out []*models.MediaAsset
	for rows.Next() {
		var (
			a                    models.MediaAsset
			key, cacheErr        sql.NullString
			created, updated     int64
			accessed, lastCached sql.NullInt64
		)
		if err := rows.Scan(&a.SourceHash, &a.SourceURL, &a.MediaType, &key, &a.FileExt, &a.MimeType,
			&a.RelativePath, &a.FileSize, &created, &updated, &accessed, &lastCached, &cacheErr); err != nil {
			return nil, fmt.Errorf("failed to scan media asset: %w", err)
		}
		a.MediaKey = fromNullString(key)
		a.CacheError = fromNullString(cacheErr)
		a.CreatedAt = fromMillis(created)
		a.UpdatedAt = fromMillis(updated)
		a.LastAccessedAt = fromNullMillis(accessed)
		a.LastCachedAt = fromNullMillis(lastCached)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListLinksByHashes returns every tweet link pointing at one of the hashes
func (r *MediaRepository) ListLinksByHashes(ctx context.Context, hashes []string) ([]models.TweetMediaLink, error) {
	var out []models.TweetMediaLink
	for _, chunk := range chunkStrings(hashes, maxInArgs) {
		links, err := r.listLinks(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, links...)
	}
	return out, nil
}

func (r *MediaRepository) listLinks(ctx context.Context, hashes []string) ([]models.TweetMediaLink, error) {
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT tweet_id, source_hash, media_key, sort_order
		FROM tweet_media
		WHERE source_hash IN (`+placeholders(len(hashes))+`)
		ORDER BY tweet_id, sort_order
	`), stringArgs(hashes)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tweet media links: %w", err)
	}
	defer rows.Close()

	var out []models.TweetMediaLink
	for rows.Next() {
		var (
			l   models.TweetMediaLink
			key sql.NullString
		)
		if err := rows.Scan(&l.TweetID, &l.SourceHash, &key, &l.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan tweet media link: %w", err)
		}
		l.MediaKey = fromNullString(key)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ApplyEviction rewrites the media blobs of affected tweets and deletes the
// evicted asset rows with their links in one transaction.
func (r *MediaRepository) ApplyEviction(ctx context.Context, tweetMedia map[string][]models.MediaItem, hashes []string) error {
	updateMedia := r.db.rebind(`UPDATE tweets SET media_json = ? WHERE id = ?`)

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for tweetID, media := range tweetMedia {
			blob, err := encodeMedia(media)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, updateMedia, blob, tweetID); err != nil {
				return fmt.Errorf("failed to update tweet media: %w", err)
			}
		}
		for _, chunk := range chunkStrings(hashes, maxInArgs) {
			args := stringArgs(chunk)
			if _, err := tx.ExecContext(ctx, r.db.rebind(
				`DELETE FROM tweet_media WHERE source_hash IN (`+placeholders(len(chunk))+`)`,
			), args...); err != nil {
				return fmt.Errorf("failed to delete tweet media links: %w", err)
			}
			if _, err := tx.ExecContext(ctx, r.db.rebind(
				`DELETE FROM media_assets WHERE source_hash IN (`+placeholders(len(chunk))+`)`,
			), args...); err != nil {
				return fmt.Errorf("failed to delete media assets: %w", err)
			}
		}
		return nil
	})
}

// TouchByRelativePath refreshes the access time of the asset stored at
// relativePath and reports whether such an asset exists.
func (r *MediaRepository) TouchByRelativePath(ctx context.Context, relativePath string, now time.Time) (bool, error) {
	ms := toMillis(now)
	res, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		UPDATE media_assets
		SET last_accessed_at = ?, updated_at = ?
		WHERE relative_path = ?
	`), ms, ms, relativePath)
	if err != nil {
		return false, fmt.Errorf("failed to touch media asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Usage returns the number of assets and the sum of their recorded sizes
func (r *MediaRepository) Usage(ctx context.Context) (count int64, bytes int64, err error) {
	err = r.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*), CAST(COALESCE(SUM(file_size), 0) AS BIGINT) FROM media_assets`,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute media usage: %w", err)
	}
	return count, bytes, nil
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for len(values) > 0 {
		n := size
		if len(values) < n {
			n = len(values)
		}
		chunks = append(chunks, values[:n])
		values = values[n:]
	}
	return chunks
}
