package manifest

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest file read from the root of a source tree.
const FileName = "herald.yml"

// ValidationError reports a manifest or source tree the builder refuses.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("Invalid package: %s", e.Reason)
	}
	return fmt.Sprintf("Invalid package: %s %s", e.Field, e.Reason)
}

// Requirement is how a dependency is resolved. Registry requirements carry
// only a version constraint; git and path requirements point elsewhere.
type Requirement struct {
	Version string `yaml:"version,omitempty"`
	Git     string `yaml:"git,omitempty"`
	Ref     string `yaml:"ref,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// UnmarshalYAML accepts either a bare version string or a mapping.
func (r *Requirement) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Version = value.Value
		return nil
	}
	type plain Requirement
	return value.Decode((*plain)(r))
}

// IsRegistry reports whether the requirement resolves through the registry.
func (r Requirement) IsRegistry() bool {
	return r.Git == "" && r.Path == ""
}

// String renders the requirement the way it is shown to users.
func (r Requirement) String() string {
	switch {
	case r.Git != "" && r.Ref != "":
		return fmt.Sprintf("git %s@%s", r.Git, r.Ref)
	case r.Git != "":
		return "git " + r.Git
	case r.Path != "":
		return "path " + r.Path
	default:
		return r.Version
	}
}

// Dependency is one entry of a manifest's dependency table.
type Dependency struct {
	Name        Name
	Requirement Requirement
}

// Manifest is the immutable description of one package version.
type Manifest struct {
	Name         Name
	Version      string
	Description  string
	Dependencies []Dependency
}

type manifestFile struct {
	Package struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Description string `yaml:"description"`
	} `yaml:"package"`
	Dependencies map[string]Requirement `yaml:"dependencies"`
}

// Load reads and validates the manifest file at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ValidationError{Reason: fmt.Sprintf("missing %s", FileName)}
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed %s: %v", FileName, err)}
	}

	name, err := ParseName(file.Package.Name)
	if err != nil {
		return nil, err
	}
	if !ValidVersion(file.Package.Version) {
		return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("%q is not a semantic version", file.Package.Version)}
	}

	m := &Manifest{
		Name:        name,
		Version:     file.Package.Version,
		Description: file.Package.Description,
	}
	for raw, req := range file.Dependencies {
		depName, err := ParseName(raw)
		if err != nil {
			return nil, &ValidationError{Field: "dependencies", Reason: err.(*ValidationError).Reason}
		}
		m.Dependencies = append(m.Dependencies, Dependency{Name: depName, Requirement: req})
	}
	sort.Slice(m.Dependencies, func(i, j int) bool {
		return m.Dependencies[i].Name.String() < m.Dependencies[j].Name.String()
	})
	return m, nil
}
