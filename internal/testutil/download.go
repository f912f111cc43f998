package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// RemoteURL is a store URL function producing "<head>:<path>" URLs that
// RemoteDownloader understands.
func RemoteURL(head, path string) string { return head + ":" + path }

// RemoteDownloader serves RemoteURL URLs straight from a bare remote.
// Mutate, when set, rewrites the downloaded bytes.
type RemoteDownloader struct {
	T      *testing.T
	Remote string
	Mutate func([]byte) []byte
}

// Download implements the store's Downloader.
func (d *RemoteDownloader) Download(_ context.Context, url string) (io.ReadCloser, error) {
	head, p, ok := strings.Cut(url, ":")
	if !ok {
		return nil, errors.New("bad url")
	}
	content, found := ReadRemoteFileAt(d.T, d.Remote, head, p)
	if !found {
		return nil, errors.New("not found")
	}
	data := []byte(content)
	if d.Mutate != nil {
		data = d.Mutate(data)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
