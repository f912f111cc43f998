package manifest

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Artifact is a built package tarball on local disk.
type Artifact struct {
	Manifest *Manifest
	Path     string
	Size     int64
}

// Builder turns a checked-out source tree into a validated artifact.
type Builder interface {
	Build(ctx context.Context, dir string) (*Artifact, error)
}

// TarballBuilder reads herald.yml from the tree root and packs the tree,
// without its .git directory, into a gzip tarball written next to dir.
type TarballBuilder struct{}

// Build implements Builder.
func (TarballBuilder) Build(ctx context.Context, dir string) (*Artifact, error) {
	m, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}

	out := filepath.Join(filepath.Dir(dir), m.Name.ArtifactFile(m.Version))
	if err := writeTarball(ctx, dir, out); err != nil {
		os.Remove(out)
		return nil, err
	}

	info, err := os.Stat(out)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return &Artifact{Manifest: m, Path: out, Size: info.Size()}, nil
}

func writeTarball(ctx context.Context, dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return f.Close()
}
