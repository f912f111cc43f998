// Package manifest describes publishable packages: their names, versions,
// dependency requirements, and how a source tree becomes an artifact.
package manifest

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Name identifies a package as group/name. Both segments are normalized.
type Name struct {
	Group string
	Name  string
}

// Normalize lowercases a name segment and replaces underscores with dashes.
func Normalize(segment string) string {
	return strings.ReplaceAll(strings.ToLower(segment), "_", "-")
}

// ParseName parses and normalizes a "group/name" string.
func ParseName(s string) (Name, error) {
	group, name, ok := strings.Cut(s, "/")
	if !ok {
		return Name{}, &ValidationError{Field: "name", Reason: fmt.Sprintf("%q must have the form group/name", s)}
	}
	if err := validSegment(group); err != nil {
		return Name{}, &ValidationError{Field: "name", Reason: fmt.Sprintf("group %q %s", group, err)}
	}
	if err := validSegment(name); err != nil {
		return Name{}, &ValidationError{Field: "name", Reason: fmt.Sprintf("name %q %s", name, err)}
	}
	return Name{Group: Normalize(group), Name: Normalize(name)}, nil
}

func validSegment(s string) error {
	if s == "" {
		return fmt.Errorf("is empty")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("contains invalid character %q", r)
		}
	}
	return nil
}

// String returns "group/name", which is also the package's path inside the
// store and the index.
func (n Name) String() string {
	return n.Group + "/" + n.Name
}

// ArtifactFile returns the tarball file name for a version.
func (n Name) ArtifactFile(version string) string {
	return fmt.Sprintf("%s_%s_%s.tar.gz", n.Group, n.Name, version)
}

// ValidVersion reports whether v is a full MAJOR.MINOR.PATCH semantic version
// with optional pre-release and build suffixes.
func ValidVersion(v string) bool {
	if strings.HasPrefix(v, "v") || !semver.IsValid("v"+v) {
		return false
	}
	core, _, _ := strings.Cut(v, "-")
	core, _, _ = strings.Cut(core, "+")
	return strings.Count(core, ".") == 2
}

// CompareVersions orders two valid versions by semver precedence.
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}
