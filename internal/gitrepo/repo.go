// Package gitrepo owns local checkouts of remote git repositories.
//
// A Repo tracks one branch of its origin remote. Writers rebase their view
// with FetchAndReset before mutating the tree and publish with CommitAndPush,
// which never retries a rejected push.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

const (
	// DefaultBranch is the branch tracked when Options.Branch is empty.
	DefaultBranch = "master"

	remoteName = "origin"
)

// Options configures how a Repo talks to its remote and who it commits as.
type Options struct {
	Branch      string
	Auth        transport.AuthMethod
	AuthorName  string
	AuthorEmail string
}

func (o *Options) applyDefaults() {
	if o.Branch == "" {
		o.Branch = DefaultBranch
	}
	if o.AuthorName == "" {
		o.AuthorName = "herald"
	}
	if o.AuthorEmail == "" {
		o.AuthorEmail = "herald@localhost"
	}
}

// Repo is a local checkout of a single remote repository.
// It is not safe for concurrent use; callers serialize access.
type Repo struct {
	remote  string
	path    string
	opts    Options
	storage *filesystem.Storage
	repo    *git.Repository
	wt      *git.Worktree
}

// OpenOrClone opens the repository at localPath, or clones remote into it
// when no repository exists there yet.
func OpenOrClone(ctx context.Context, remote, localPath string, opts Options) (*Repo, error) {
	opts.applyDefaults()

	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %v", ErrRepo, localPath, err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %v", ErrRepo, absPath, err)
	}

	worktreeFS := osfs.New(absPath)
	storage := filesystem.NewStorage(osfs.New(filepath.Join(absPath, git.GitDirName)), cache.NewObjectLRUDefault())

	r := &Repo{remote: remote, path: absPath, opts: opts, storage: storage}

	repo, err := git.Open(storage, worktreeFS)
	switch {
	case err == nil:
	case errors.Is(err, git.ErrRepositoryNotExists):
		repo, err = r.clone(ctx, worktreeFS)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrRepo, absPath, err)
	}
	r.repo = repo

	wt, err := repo.Worktree()
	if err != nil && !errors.Is(err, git.ErrIsBareRepository) {
		return nil, fmt.Errorf("%w: failed to load worktree: %v", ErrRepo, err)
	}
	r.wt = wt

	if err := r.setIdentity(); err != nil {
		return nil, err
	}
	return r, nil
}

// Clone makes a fresh clone of the remote's default branch into localPath,
// which must not already hold a repository. Used for one-shot source pulls.
func Clone(ctx context.Context, remote, localPath string, auth transport.AuthMethod) (*Repo, error) {
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %v", ErrRepo, localPath, err)
	}

	repo, err := git.PlainCloneContext(ctx, absPath, false, &git.CloneOptions{
		URL:        remote,
		RemoteName: remoteName,
		Auth:       auth,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to clone %s: %v", ErrRepo, remote, err)
	}

	opts := Options{Auth: auth}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		opts.Branch = head.Name().Short()
	}
	opts.applyDefaults()

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load worktree: %v", ErrRepo, err)
	}

	storage, _ := repo.Storer.(*filesystem.Storage)
	return &Repo{remote: remote, path: absPath, opts: opts, storage: storage, repo: repo, wt: wt}, nil
}

func (r *Repo) clone(ctx context.Context, worktreeFS billy.Filesystem) (*git.Repository, error) {
	repo, err := git.CloneContext(ctx, r.storage, worktreeFS, &git.CloneOptions{
		URL:           r.remote,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(r.opts.Branch),
		Auth:          r.opts.Auth,
	})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, fmt.Errorf("%w: failed to clone %s: %v", ErrRepo, r.remote, err)
	}

	// An empty remote still yields a usable checkout; the first write reports
	// ErrNoInitialCommit.
	if repo != nil {
		return repo, nil
	}
	repo, err = git.Init(r.storage, worktreeFS)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init %s: %v", ErrRepo, r.path, err)
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{r.remote}})
	if err != nil && !errors.Is(err, git.ErrRemoteExists) {
		return nil, fmt.Errorf("%w: failed to add remote: %v", ErrRepo, err)
	}
	return repo, nil
}

func (r *Repo) setIdentity() error {
	cfg, err := r.repo.Config()
	if err != nil {
		return fmt.Errorf("%w: failed to read config: %v", ErrRepo, err)
	}
	cfg.User.Name = r.opts.AuthorName
	cfg.User.Email = r.opts.AuthorEmail
	if err := r.repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("%w: failed to write config: %v", ErrRepo, err)
	}
	return nil
}

// Workdir returns the absolute path of the working tree.
func (r *Repo) Workdir() string {
	return r.path
}

// Remote returns the URL the repository was cloned from.
func (r *Repo) Remote() string {
	return r.remote
}

// Head returns the commit hash HEAD points at.
func (r *Repo) Head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoInitialCommit
		}
		return "", fmt.Errorf("%w: failed to read HEAD: %v", ErrRepo, err)
	}
	return ref.Hash().String(), nil
}

// Checkout detaches the working tree at a branch, tag or commit.
// Branches that only exist on the remote are resolved through origin.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	if r.wt == nil {
		return ErrRepoBare
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := r.resolve(ref)
	if err != nil {
		return err
	}
	if err := r.wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("%w: failed to checkout %s: %v", ErrRepo, ref, err)
	}
	return nil
}

func (r *Repo) resolve(ref string) (plumbing.Hash, error) {
	for _, candidate := range []string{ref, remoteName + "/" + ref} {
		hash, err := r.repo.ResolveRevision(plumbing.Revision(candidate))
		if err == nil {
			return *hash, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
}

// FetchAndReset makes the working tree match the remote tip of the tracked
// branch exactly, discarding local commits and untracked files.
func (r *Repo) FetchAndReset(ctx context.Context) error {
	if r.wt == nil {
		return ErrRepoBare
	}

	branch := r.opts.Branch
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remoteName, branch))
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       r.opts.Auth,
		Force:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return ErrNoInitialCommit
	default:
		return fmt.Errorf("%w: failed to fetch %s: %v", ErrRepo, r.remote, err)
	}

	remoteRef, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return ErrNoInitialCommit
		}
		return fmt.Errorf("%w: failed to read remote branch: %v", ErrRepo, err)
	}

	localName := plumbing.NewBranchReferenceName(branch)
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(localName, remoteRef.Hash())); err != nil {
		return fmt.Errorf("%w: failed to move %s: %v", ErrRepo, branch, err)
	}
	if err := r.wt.Checkout(&git.CheckoutOptions{Branch: localName, Force: true}); err != nil {
		return fmt.Errorf("%w: failed to checkout %s: %v", ErrRepo, branch, err)
	}
	if err := r.wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("%w: failed to reset: %v", ErrRepo, err)
	}
	if err := r.wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("%w: failed to clean: %v", ErrRepo, err)
	}
	return nil
}

// CommitAndPush stages path (relative to the working tree), commits it on
// top of HEAD and pushes the tracked branch. Committing an unchanged path is
// a successful no-op and pushes nothing.
func (r *Repo) CommitAndPush(ctx context.Context, message, path string) error {
	if r.wt == nil {
		return ErrRepoBare
	}
	if _, err := r.repo.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return ErrNoInitialCommit
		}
		return fmt.Errorf("%w: failed to read HEAD: %v", ErrRepo, err)
	}

	if _, err := r.wt.Add(filepath.ToSlash(path)); err != nil {
		return fmt.Errorf("%w: failed to stage %s: %v", ErrRepo, path, err)
	}

	_, err := r.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.opts.AuthorName,
			Email: r.opts.AuthorEmail,
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to commit: %v", ErrRepo, err)
	}

	branch := plumbing.NewBranchReferenceName(r.opts.Branch)
	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", branch, branch))},
		Auth:       r.opts.Auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	}
	return nil
}

// Close releases the object storage.
func (r *Repo) Close() error {
	if r.storage == nil {
		return nil
	}
	return r.storage.Close()
}
