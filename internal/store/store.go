// Package store publishes package tarballs into a git-backed artifact
// repository and verifies them by downloading them back.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/dyluth/herald/internal/manifest"
)

// DefaultMaxSize is the artifact size ceiling when none is configured.
const DefaultMaxSize int64 = 10 * 1024 * 1024

// Repository is the part of a git checkout the store writes through.
type Repository interface {
	FetchAndReset(ctx context.Context) error
	CommitAndPush(ctx context.Context, message, path string) error
	Workdir() string
	Head() (string, error)
}

// Location is where a stored artifact can be fetched and its digest.
type Location struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
}

// PackageOversizeError rejects an artifact larger than the ceiling.
type PackageOversizeError struct {
	Size  int64
	Limit int64
}

func (e *PackageOversizeError) Error() string {
	return fmt.Sprintf("Package tarball is too big (%d bytes) while the maximum size is %d", e.Size, e.Limit)
}

// DownloadVerificationError reports that the published artifact does not
// match the one that was uploaded.
type DownloadVerificationError struct {
	Local  string
	Remote string
}

func (e *DownloadVerificationError) Error() string {
	return fmt.Sprintf("Tarball checksum mismatched between local %s and store %s", e.Local, e.Remote)
}

// Options configures a Store. URL is required.
type Options struct {
	MaxSize    int64
	URL        URLFunc
	Downloader Downloader
}

// Store owns the artifact repository checkout.
type Store struct {
	repo       Repository
	maxSize    int64
	url        URLFunc
	downloader Downloader
}

// New creates a Store writing through repo.
func New(repo Repository, opts Options) *Store {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Downloader == nil {
		opts.Downloader = NewHTTPDownloader(nil)
	}
	return &Store{repo: repo, maxSize: opts.MaxSize, url: opts.URL, downloader: opts.Downloader}
}

// ArtifactPath is the slash-separated location of a package version inside
// the store repository.
func ArtifactPath(m *manifest.Manifest) string {
	return path.Join(m.Name.String(), m.Name.ArtifactFile(m.Version))
}

// Upload copies the artifact into the store, pushes it, and verifies the
// published copy. The size ceiling is checked before the repository is touched.
func (s *Store) Upload(ctx context.Context, m *manifest.Manifest, artifactPath string) (Location, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return Location{}, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.Size() > s.maxSize {
		return Location{}, &PackageOversizeError{Size: info.Size(), Limit: s.maxSize}
	}

	if err := s.repo.FetchAndReset(ctx); err != nil {
		return Location{}, fmt.Errorf("failed to refresh store: %w", err)
	}

	rel := ArtifactPath(m)
	dest := filepath.Join(s.repo.Workdir(), filepath.FromSlash(rel))
	if err := copyFile(artifactPath, dest); err != nil {
		return Location{}, err
	}

	local, err := checksumFile(dest)
	if err != nil {
		return Location{}, err
	}

	message := fmt.Sprintf("Update package `%s %s`", m.Name, m.Version)
	if err := s.repo.CommitAndPush(ctx, message, rel); err != nil {
		return Location{}, err
	}

	head, err := s.repo.Head()
	if err != nil {
		return Location{}, err
	}
	url := s.url(head, rel)

	body, err := s.downloader.Download(ctx, url)
	if err != nil {
		return Location{}, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer body.Close()

	remote, err := Checksum(body)
	if err != nil {
		return Location{}, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if remote != local {
		return Location{}, &DownloadVerificationError{Local: local, Remote: remote}
	}

	return Location{URL: url, Checksum: local}, nil
}

// Checksum returns the "sha256=<hex>" digest of r.
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return "sha256=" + hex.EncodeToString(h.Sum(nil)), nil
}

func checksumFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()
	return Checksum(f)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return out.Close()
}
