package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// URLFunc builds the public URL of a file committed at head.
type URLFunc func(head, path string) string

// GitHubRawURL serves files through the repository web view of webURL,
// e.g. https://github.com/<repo>/blob/<head>/<path>?raw=true.
func GitHubRawURL(webURL, repo string) URLFunc {
	base := strings.TrimSuffix(webURL, "/")
	return func(head, path string) string {
		return fmt.Sprintf("%s/%s/blob/%s/%s?raw=true", base, repo, head, path)
	}
}

// Downloader fetches a published artifact for verification.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader downloads over plain HTTP GET.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates a downloader. A nil client gets a one-minute timeout.
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTPDownloader{client: client}
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
