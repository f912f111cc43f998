// Package index maintains the git-backed catalog of published packages.
//
// Each package has one file, <group>/<name>, holding one JSON entry per
// line. The repository README is rendered from README.TEMPLATE.
package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dyluth/herald/internal/manifest"
	"github.com/dyluth/herald/internal/store"
)

const (
	// ReadmeTemplate is read from the index root on every readme update.
	ReadmeTemplate = "README.TEMPLATE"
	// Readme is the rendered file committed to the index root.
	Readme = "README.md"
	// Placeholder is replaced by the package listing.
	Placeholder = "{#package-list#}"
)

// Repository is the part of a git checkout the index writes through.
type Repository interface {
	FetchAndReset(ctx context.Context) error
	CommitAndPush(ctx context.Context, message, path string) error
	Workdir() string
}

// NonIndexDependencyError rejects a manifest depending on something that
// does not resolve through the registry.
type NonIndexDependencyError struct {
	Dependency string
	Resolution string
}

func (e *NonIndexDependencyError) Error() string {
	return fmt.Sprintf("Package contains non-index dependency `%s`(%s)", e.Dependency, e.Resolution)
}

// Dependency is a registry requirement recorded in an entry.
type Dependency struct {
	Name string `json:"name"`
	Req  string `json:"req"`
}

// Entry is one published version of a package.
type Entry struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Location     *store.Location `json:"location,omitempty"`
	Dependencies []Dependency    `json:"dependencies"`
	Yanked       bool            `json:"yanked"`
}

// Entries is the content of one package file, in file order.
type Entries []Entry

// ParseEntries decodes one entry per line. Lines that do not parse are skipped.
func ParseEntries(data []byte) Entries {
	var entries Entries
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// Marshal encodes the entries as JSON lines.
func (es Entries) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range es {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Upsert replaces any entry with the same name and version, appending e last.
func (es Entries) Upsert(e Entry) Entries {
	kept := es[:0:0]
	for _, other := range es {
		if other.Name != e.Name || other.Version != e.Version {
			kept = append(kept, other)
		}
	}
	return append(kept, e)
}

// NewEntry builds the entry for m stored at loc.
func NewEntry(m *manifest.Manifest, loc store.Location) (Entry, error) {
	deps := make([]Dependency, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		if !d.Requirement.IsRegistry() {
			return Entry{}, &NonIndexDependencyError{Dependency: d.Name.String(), Resolution: d.Requirement.String()}
		}
		deps = append(deps, Dependency{Name: d.Name.String(), Req: d.Requirement.Version})
	}
	return Entry{
		Name:         m.Name.String(),
		Version:      m.Version,
		Location:     &loc,
		Dependencies: deps,
	}, nil
}

// Index owns the catalog repository checkout.
type Index struct {
	repo Repository
}

// New creates an Index writing through repo.
func New(repo Repository) *Index {
	return &Index{repo: repo}
}

func (i *Index) entryPath(name manifest.Name) string {
	return filepath.Join(i.repo.Workdir(), filepath.FromSlash(name.String()))
}

func (i *Index) load(name manifest.Name) (Entries, error) {
	data, err := os.ReadFile(i.entryPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entries of %s: %w", name, err)
	}
	return ParseEntries(data), nil
}

// UpdatePackage records m at loc and pushes the change. A non-registry
// dependency fails the update before the index is modified.
func (i *Index) UpdatePackage(ctx context.Context, m *manifest.Manifest, loc store.Location) error {
	entry, err := NewEntry(m, loc)
	if err != nil {
		return err
	}

	if err := i.repo.FetchAndReset(ctx); err != nil {
		return fmt.Errorf("failed to refresh index: %w", err)
	}

	entries, err := i.load(m.Name)
	if err != nil {
		return err
	}
	data, err := entries.Upsert(entry).Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	p := i.entryPath(m.Name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write entries of %s: %w", m.Name, err)
	}

	message := fmt.Sprintf("Update package `%s %s`", m.Name, m.Version)
	return i.repo.CommitAndPush(ctx, message, m.Name.String())
}

// UpdateReadme renders README.TEMPLATE with listing in place of the
// placeholder and pushes README.md.
func (i *Index) UpdateReadme(ctx context.Context, listing string) error {
	if err := i.repo.FetchAndReset(ctx); err != nil {
		return fmt.Errorf("failed to refresh index: %w", err)
	}

	tmpl, err := os.ReadFile(filepath.Join(i.repo.Workdir(), ReadmeTemplate))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ReadmeTemplate, err)
	}
	content := strings.ReplaceAll(string(tmpl), Placeholder, listing)

	if err := os.WriteFile(filepath.Join(i.repo.Workdir(), Readme), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", Readme, err)
	}
	return i.repo.CommitAndPush(ctx, "Update README", Readme)
}
