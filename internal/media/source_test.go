package media

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

func intPtr(n int) *int { return &n }

func TestSelectSourceURL(t *testing.T) {
	video := models.MediaItem{
		Type:            types.MediaVideo,
		PreviewImageURL: "https://pbs/preview.jpg",
		Variants: []models.MediaVariant{
			{ContentType: "application/x-mpegURL", URL: "https://video/playlist.m3u8"},
			{ContentType: "video/mp4", BitRate: intPtr(256000), URL: "https://video/low.mp4"},
			{ContentType: "video/mp4", BitRate: intPtr(2176000), URL: "https://video/high.mp4"},
		},
	}

	tests := []struct {
		name         string
		item         models.MediaItem
		includeVideo bool
		want         string
		ok           bool
	}{
		{"photo", models.MediaItem{Type: types.MediaPhoto, URL: "https://pbs/a.jpg"}, false, "https://pbs/a.jpg", true},
		{"video with files", video, true, "https://video/high.mp4", true},
		{"video without files", video, false, "https://pbs/preview.jpg", true},
		{"gif without mp4", models.MediaItem{Type: types.MediaAnimatedGIF, PreviewImageURL: "https://pbs/g.jpg"}, true, "https://pbs/g.jpg", true},
		{"unknown kind", models.MediaItem{Type: "audio", URL: "https://x/a.mp3"}, true, "", false},
		{"photo without url", models.MediaItem{Type: types.MediaPhoto}, false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectSourceURL(tt.item, tt.includeVideo)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuessExtAndPath(t *testing.T) {
	photo := models.MediaItem{Type: types.MediaPhoto}
	assert.Equal(t, "png", GuessExt(photo, "https://pbs/media/abc.PNG"))
	assert.Equal(t, "webp", GuessExt(photo, "https://pbs/media/abc?format=webp&name=large"))
	assert.Equal(t, "jpg", GuessExt(photo, "https://pbs/media/abc"))

	gif := models.MediaItem{Type: types.MediaAnimatedGIF, Variants: []models.MediaVariant{
		{ContentType: "video/mp4", URL: "https://video/tweet_video/xyz"},
	}}
	assert.Equal(t, "mp4", GuessExt(gif, "https://video/tweet_video/xyz"))

	hash := HashSourceURL("https://pbs/a.jpg")
	assert.Len(t, hash, 40)
	assert.Equal(t, hash, HashSourceURL("https://pbs/a.jpg"))
	assert.Equal(t, hash[:2]+"/"+hash+".jpg", RelativePath(hash, "jpg"))
	assert.Equal(t, hash[:2]+"/"+hash+".bin", RelativePath(hash, "!!"))
	assert.Equal(t, "/api/media-cache/ab/a%20b.jpg", LocalURL("ab/a b.jpg"))
	assert.Equal(t, "video/mp4", MimeType("MP4"))
}
