package gitrepo

import "errors"

var (
	// ErrRepo covers unreachable remotes and checkouts that cannot be opened.
	ErrRepo = errors.New("repository error")

	// ErrRefNotFound is returned when a branch, tag or commit does not resolve.
	ErrRefNotFound = errors.New("reference not found")

	// ErrRepoBare is returned for operations that need a working tree.
	ErrRepoBare = errors.New("Repository is bare")

	// ErrNoInitialCommit is returned when the tracked branch has no commits yet.
	ErrNoInitialCommit = errors.New("No initial commit in remote index")

	// ErrPushRejected is returned for any push failure. Callers must not retry.
	ErrPushRejected = errors.New("Git push failed")
)
