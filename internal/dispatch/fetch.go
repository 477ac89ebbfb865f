package dispatch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/massender/waworker/internal/session"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxMedia     = 16 << 20
	fallbackFileName    = "attachment"
)

// MediaFetcher downloads an attachment referenced by URL.
type MediaFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*session.Attachment, error)
}

// HTTPFetcher fetches attachments over HTTP(S) with a size cap.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher returns a fetcher with a 30s timeout and a 16 MiB cap.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: defaultFetchTimeout},
		maxBytes: defaultMaxMedia,
	}
}

// Fetch downloads rawURL. The MIME type comes from Content-Type and is sniffed when absent.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*session.Attachment, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported media url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: status %d", u.Redacted(), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", f.maxBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	} else {
		mimeType = ""
	}
	if mimeType == "" && len(data) > 0 {
		mimeType = http.DetectContentType(data)
		if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
			mimeType = mt
		}
	}

	return &session.Attachment{
		Data:     data,
		MimeType: mimeType,
		FileName: fileNameFromURL(u),
	}, nil
}

func fileNameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return fallbackFileName
	}
	return name
}
