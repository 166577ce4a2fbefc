package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/x-mirror/internal/circuitbreaker"
	apperrors "github.com/x-mirror/internal/errors"
)

// UserAgent is sent with every media download
const UserAgent = "x-code-media-cache/1.0"

// Downloader fetches one remote file to a local path and returns its size
type Downloader interface {
	Download(ctx context.Context, sourceURL, absPath string) (int64, error)
}

// HTTPDownloader downloads over HTTP with a per-request timeout. Each host
// gets its own circuit breaker so an unreachable CDN fails fast.
type HTTPDownloader struct {
	client   *http.Client
	timeout  time.Duration
	breakers *circuitbreaker.Manager
}

// NewHTTPDownloader creates a downloader. A nil client uses a default one.
func NewHTTPDownloader(client *http.Client, timeout time.Duration) *HTTPDownloader {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDownloader{
		client:   client,
		timeout:  timeout,
		breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig("media")),
	}
}

// Download writes sourceURL to absPath through a temporary file so a
// partial download never appears at the final path.
func (d *HTTPDownloader) Download(ctx context.Context, sourceURL, absPath string) (int64, error) {
	host := sourceURL
	if u, err := url.Parse(sourceURL); err == nil && u.Host != "" {
		host = u.Host
	}

	var size int64
	err := d.breakers.For(host).Execute(ctx, func(ctx context.Context) error {
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		n, err := d.fetch(ctx, sourceURL, absPath)
		size = n
		return err
	})
	if err != nil {
		return 0, apperrors.NewMediaDownloadError(sourceURL, err)
	}
	return size, nil
}

func (d *HTTPDownloader) fetch(ctx context.Context, sourceURL, absPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create media directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if copyErr != nil {
			return 0, copyErr
		}
		return 0, closeErr
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return n, nil
}
