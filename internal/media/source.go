// Package media mirrors tweet media into a content-addressed directory tree
// and keeps the tree within a TTL and disk budget.
package media

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// LocalURLPrefix is where the read endpoint serves cached files
const LocalURLPrefix = "/api/media-cache/"

const mp4ContentType = "video/mp4"

// SelectSourceURL picks the remote file worth mirroring for one media entry.
// Photos use their full-resolution URL. Videos and GIFs use the highest
// bitrate mp4 variant when includeVideo is set and their preview image
// otherwise. Other kinds are not cached.
func SelectSourceURL(m models.MediaItem, includeVideo bool) (string, bool) {
	switch m.Type {
	case types.MediaPhoto:
		return m.URL, m.URL != ""
	case types.MediaVideo, types.MediaAnimatedGIF:
		if includeVideo {
			if u := bestMP4(m.Variants); u != "" {
				return u, true
			}
		}
		if m.PreviewImageURL != "" {
			return m.PreviewImageURL, true
		}
		return m.URL, m.URL != ""
	}
	return "", false
}

func bestMP4(variants []models.MediaVariant) string {
	var candidates []models.MediaVariant
	for _, v := range variants {
		if v.ContentType == mp4ContentType && v.URL != "" {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return bitRate(candidates[i]) > bitRate(candidates[j])
	})
	return candidates[0].URL
}

func bitRate(v models.MediaVariant) int {
	if v.BitRate == nil {
		return 0
	}
	return *v.BitRate
}

// HashSourceURL is the content address of a source URL
func HashSourceURL(sourceURL string) string {
	sum := sha1.Sum([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

// GuessExt derives a file extension from the URL path, a format query
// parameter, or finally the media kind.
func GuessExt(m models.MediaItem, sourceURL string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), ".")); ext != "" && len(ext) <= 5 {
			return ext
		}
		q := u.Query()
		format := q.Get("format")
		if format == "" {
			format = q.Get("fm")
		}
		if format = strings.ToLower(strings.TrimPrefix(format, ".")); format != "" && len(format) <= 5 {
			return format
		}
	}
	if isVideoVariant(m, sourceURL) {
		return "mp4"
	}
	return "jpg"
}

func isVideoVariant(m models.MediaItem, sourceURL string) bool {
	if m.Type != types.MediaVideo && m.Type != types.MediaAnimatedGIF {
		return false
	}
	for _, v := range m.Variants {
		if v.ContentType == mp4ContentType && v.URL == sourceURL {
			return true
		}
	}
	return false
}

var unsafeExt = regexp.MustCompile(`[^a-zA-Z0-9]`)

// RelativePath shards assets by the first two characters of their hash
func RelativePath(sourceHash, ext string) string {
	safe := unsafeExt.ReplaceAllString(ext, "")
	if len(safe) > 5 {
		safe = safe[:5]
	}
	if safe == "" {
		safe = "bin"
	}
	return sourceHash[:2] + "/" + sourceHash + "." + safe
}

// LocalURL is the read endpoint URL of a relative path
func LocalURL(relativePath string) string {
	parts := strings.Split(relativePath, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return LocalURLPrefix + strings.Join(parts, "/")
}

var mimeByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
}

// MimeType maps an extension to a content type
func MimeType(ext string) string {
	if mt, ok := mimeByExt[strings.ToLower(ext)]; ok {
		return mt
	}
	return "application/octet-stream"
}
