package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// RequireGit skips the test when the git binary is unavailable. Local file
// remotes are served through git-upload-pack and git-receive-pack.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func signature() *object.Signature {
	return &object.Signature{Name: "Herald Test", Email: "test@herald.local", When: time.Now()}
}

// NewBareRemote creates a bare repository with a master branch holding files.
// An empty files map leaves the remote without any commit.
func NewBareRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	RequireGit(t)

	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err, "Failed to init bare remote")

	if len(files) > 0 {
		PushFiles(t, remote, files, "Initial commit")
	}
	return remote
}

// PushFiles commits files on top of the remote's master branch and pushes.
// It simulates a concurrent writer when used against a remote that a test
// has already cloned.
func PushFiles(t *testing.T, remote string, files map[string]string, message string) string {
	t.Helper()

	work := filepath.Join(t.TempDir(), "work")
	repo, err := git.PlainClone(work, false, &git.CloneOptions{URL: remote})
	if err != nil {
		repo, err = git.PlainInit(work, false)
		require.NoError(t, err)
		_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remote}})
		require.NoError(t, err)
	}

	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		full := filepath.Join(work, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: signature()})
	require.NoError(t, err, "Failed to commit fixture files")

	err = repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"refs/heads/master:refs/heads/master"},
	})
	require.NoError(t, err, "Failed to push fixture files")

	return hash.String()
}

// TagRemote creates a lightweight tag at the remote's master tip.
func TagRemote(t *testing.T, remote, tag string) {
	t.Helper()
	repo, err := git.PlainOpen(remote)
	require.NoError(t, err)

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)

	_, err = repo.CreateTag(tag, ref.Hash(), nil)
	require.NoError(t, err)
}

// RemoteHead returns the commit hash of the remote's master branch.
func RemoteHead(t *testing.T, remote string) string {
	t.Helper()
	repo, err := git.PlainOpen(remote)
	require.NoError(t, err)

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	return ref.Hash().String()
}

// ReadRemoteFile returns the content of path at the remote's master tip.
// ok is false when the file does not exist there.
func ReadRemoteFile(t *testing.T, remote, path string) (content string, ok bool) {
	t.Helper()
	return ReadRemoteFileAt(t, remote, RemoteHead(t, remote), path)
}

// ReadRemoteFileAt returns the content of path at the given commit.
func ReadRemoteFileAt(t *testing.T, remote, commit, path string) (string, bool) {
	t.Helper()
	repo, err := git.PlainOpen(remote)
	require.NoError(t, err)

	c, err := repo.CommitObject(plumbing.NewHash(commit))
	require.NoError(t, err)

	f, err := c.File(path)
	if err != nil {
		return "", false
	}
	content, err := f.Contents()
	require.NoError(t, err)
	return content, true
}

// CommitCount returns the number of commits reachable from the remote's master.
func CommitCount(t *testing.T, remote string) int {
	t.Helper()
	repo, err := git.PlainOpen(remote)
	require.NoError(t, err)

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("master"), true)
	if err != nil {
		return 0
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	require.NoError(t, err)

	count := 0
	require.NoError(t, iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	}))
	return count
}
