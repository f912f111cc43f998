package store

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dyluth/herald/internal/gitrepo"
	"github.com/dyluth/herald/internal/manifest"
	"github.com/dyluth/herald/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, maxSize int64, mutate func([]byte) []byte) (*Store, string) {
	t.Helper()
	remote := testutil.NewBareRemote(t, map[string]string{"README.md": "store\n"})

	repo, err := gitrepo.OpenOrClone(context.Background(), remote, filepath.Join(t.TempDir(), "store"), gitrepo.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	s := New(repo, Options{
		MaxSize:    maxSize,
		URL:        testutil.RemoteURL,
		Downloader: &testutil.RemoteDownloader{T: t, Remote: remote, Mutate: mutate},
	})
	return s, remote
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "artifact.tar.gz")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{Name: manifest.Name{Group: "ucb", Name: "lib"}, Version: "1.0.0"}
}

func TestUpload(t *testing.T) {
	s, remote := setupTestStore(t, 0, nil)
	artifact := writeArtifact(t, "tarball-bytes")

	loc, err := s.Upload(context.Background(), testManifest(), artifact)
	require.NoError(t, err)

	head := testutil.RemoteHead(t, remote)
	assert.Equal(t, head+":ucb/lib/ucb_lib_1.0.0.tar.gz", loc.URL)

	want, err := Checksum(strings.NewReader("tarball-bytes"))
	require.NoError(t, err)
	assert.Equal(t, want, loc.Checksum)
	assert.True(t, strings.HasPrefix(loc.Checksum, "sha256="))

	content, ok := testutil.ReadRemoteFile(t, remote, "ucb/lib/ucb_lib_1.0.0.tar.gz")
	require.True(t, ok)
	assert.Equal(t, "tarball-bytes", content)
}

func TestUpload_SizeCeiling(t *testing.T) {
	t.Run("exactly at the ceiling is accepted", func(t *testing.T) {
		s, _ := setupTestStore(t, 5, nil)
		_, err := s.Upload(context.Background(), testManifest(), writeArtifact(t, "12345"))
		assert.NoError(t, err)
	})

	t.Run("one byte over is rejected without touching the store", func(t *testing.T) {
		s, remote := setupTestStore(t, 5, nil)
		before := testutil.RemoteHead(t, remote)

		_, err := s.Upload(context.Background(), testManifest(), writeArtifact(t, "123456"))

		var oversize *PackageOversizeError
		require.ErrorAs(t, err, &oversize)
		assert.Equal(t, int64(6), oversize.Size)
		assert.Equal(t, int64(5), oversize.Limit)
		assert.Equal(t, "Package tarball is too big (6 bytes) while the maximum size is 5", err.Error())
		assert.Equal(t, before, testutil.RemoteHead(t, remote))
	})
}

func TestUpload_VerificationMismatch(t *testing.T) {
	corrupt := func(b []byte) []byte { return append(b, '!') }
	s, _ := setupTestStore(t, 0, corrupt)

	_, err := s.Upload(context.Background(), testManifest(), writeArtifact(t, "tarball-bytes"))

	var verr *DownloadVerificationError
	require.ErrorAs(t, err, &verr)
	assert.NotEqual(t, verr.Local, verr.Remote)
}

func TestUpload_PushRejected(t *testing.T) {
	s, remote := setupTestStore(t, 0, nil)
	ctx := context.Background()

	// Bring the checkout up to date, then let another writer move the remote
	// between our reset and our push.
	racing := &racingRepo{Repository: s.repo, before: func() {
		testutil.PushFiles(t, remote, map[string]string{"other": "x"}, "Other writer")
	}}
	s.repo = racing

	_, err := s.Upload(ctx, testManifest(), writeArtifact(t, "data"))
	assert.ErrorIs(t, err, gitrepo.ErrPushRejected)
}

type racingRepo struct {
	Repository
	before func()
}

func (r *racingRepo) CommitAndPush(ctx context.Context, message, path string) error {
	r.before()
	return r.Repository.CommitAndPush(ctx, message, path)
}

func TestGitHubRawURL(t *testing.T) {
	url := GitHubRawURL("https://github.com/", "owner/store")("abc123", "ucb/lib/ucb_lib_1.0.0.tar.gz")
	assert.Equal(t, "https://github.com/owner/store/blob/abc123/ucb/lib/ucb_lib_1.0.0.tar.gz?raw=true", url)
}

func TestHTTPDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := NewHTTPDownloader(srv.Client())

	body, err := d.Download(context.Background(), srv.URL+"/file")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = d.Download(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
