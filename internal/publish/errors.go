package publish

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/dyluth/herald/internal/command"
	"github.com/dyluth/herald/internal/github"
	"github.com/dyluth/herald/internal/gitrepo"
	"github.com/dyluth/herald/internal/index"
	"github.com/dyluth/herald/internal/manifest"
	"github.com/dyluth/herald/internal/store"
)

// NamespaceTakenError rejects a publish into a group owned by someone else.
type NamespaceTakenError struct {
	Group string
	Owner string
}

func (e *NamespaceTakenError) Error() string {
	return fmt.Sprintf("Namespace `%s` has been taken by @%s", e.Group, e.Owner)
}

// PackageExistsError rejects republishing a recorded version.
type PackageExistsError struct {
	Name    string
	Version string
}

func (e *PackageExistsError) Error() string {
	return fmt.Sprintf("Package `%s %s` has been published", e.Name, e.Version)
}

// Kind groups failures for metrics and logs.
type Kind string

const (
	KindNone       Kind = "none"
	KindParse      Kind = "parse"
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindSize       Kind = "size"
	KindIntegrity  Kind = "integrity"
	KindGit        Kind = "git"
	KindTransport  Kind = "transport"
	KindInternal   Kind = "internal"
)

// Classify maps an error to its Kind. A nil error is KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		validation   *manifest.ValidationError
		nonIndex     *index.NonIndexDependencyError
		taken        *NamespaceTakenError
		exists       *PackageExistsError
		oversize     *store.PackageOversizeError
		verification *store.DownloadVerificationError
		apiErr       *github.APIError
		urlErr       *url.Error
		netErr       net.Error
	)

	switch {
	case errors.Is(err, command.ErrMalformed):
		return KindParse
	case errors.As(err, &validation), errors.As(err, &nonIndex):
		return KindValidation
	case errors.As(err, &taken), errors.As(err, &exists):
		return KindPermission
	case errors.As(err, &oversize):
		return KindSize
	case errors.As(err, &verification):
		return KindIntegrity
	case errors.Is(err, gitrepo.ErrRepo),
		errors.Is(err, gitrepo.ErrRefNotFound),
		errors.Is(err, gitrepo.ErrRepoBare),
		errors.Is(err, gitrepo.ErrNoInitialCommit),
		errors.Is(err, gitrepo.ErrPushRejected):
		return KindGit
	case errors.As(err, &apiErr), errors.As(err, &urlErr), errors.As(err, &netErr):
		return KindTransport
	default:
		return KindInternal
	}
}
