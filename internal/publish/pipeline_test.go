package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dyluth/herald/internal/gitrepo"
	"github.com/dyluth/herald/internal/index"
	"github.com/dyluth/herald/internal/ledger"
	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/manifest"
	"github.com/dyluth/herald/internal/metrics"
	"github.com/dyluth/herald/internal/report"
	"github.com/dyluth/herald/internal/store"
	"github.com/dyluth/herald/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = ledger.User{ID: 1, Name: "alice"}
	bob   = ledger.User{ID: 2, Name: "bob"}
)

type fakeEditor struct {
	mu     sync.Mutex
	bodies map[int64][]string
	err    error
}

func (f *fakeEditor) EditComment(_ context.Context, id int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[int64][]string)
	}
	f.bodies[id] = append(f.bodies[id], body)
	return f.err
}

func (f *fakeEditor) edits(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies[id]...)
}

func (f *fakeEditor) last(id int64) string {
	edits := f.edits(id)
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1]
}

type fixture struct {
	pipeline    *Pipeline
	ledger      ledger.Ledger
	editor      *fakeEditor
	metrics     *metrics.Metrics
	indexRemote string
	storeRemote string
	pullDir     string
}

const readmeTemplate = "# Packages\n\n{#package-list#}"

func setupPipeline(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	indexRemote := testutil.NewBareRemote(t, map[string]string{index.ReadmeTemplate: readmeTemplate})
	storeRemote := testutil.NewBareRemote(t, map[string]string{"README.md": "store\n"})

	indexRepo, err := gitrepo.OpenOrClone(ctx, indexRemote, filepath.Join(t.TempDir(), "index"), gitrepo.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { indexRepo.Close() })

	storeRepo, err := gitrepo.OpenOrClone(ctx, storeRemote, filepath.Join(t.TempDir(), "store"), gitrepo.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { storeRepo.Close() })

	l, err := ledger.OpenSQLite(ctx, filepath.Join(t.TempDir(), "herald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ws := NewWorkspace(index.New(indexRepo), store.New(storeRepo, store.Options{
		URL:        testutil.RemoteURL,
		Downloader: &testutil.RemoteDownloader{T: t, Remote: storeRemote},
	}))

	f := &fixture{
		ledger:      l,
		editor:      &fakeEditor{},
		metrics:     metrics.New(),
		indexRemote: indexRemote,
		storeRemote: storeRemote,
		pullDir:     t.TempDir(),
	}
	f.pipeline = New(Options{
		Workspace: ws,
		Ledger:    l,
		Editor:    f.editor,
		BotName:   "herald",
		TempDir:   f.pullDir,
		Metrics:   f.metrics,
		Logger:    logging.Nop(),
	})
	return f
}

func manifestYAML(name, version, description string) string {
	s := "package:\n  name: " + name + "\n  version: " + version + "\n"
	if description != "" {
		s += "  description: " + description + "\n"
	}
	return s
}

func sourceRemote(t *testing.T, herald string) string {
	t.Helper()
	files := map[string]string{"src/lib.txt": "hello\n"}
	if herald != "" {
		files[manifest.FileName] = herald
	}
	return testutil.NewBareRemote(t, files)
}

func request(id int64, author ledger.User, source, ref string) Request {
	return Request{
		CommentID: id,
		Body:      "@herald /publish " + source,
		Author:    author,
		SourceURL: source,
		Ref:       ref,
	}
}

func TestPublish_Success(t *testing.T) {
	f := setupPipeline(t)
	source := sourceRemote(t, manifestYAML("UCB/lib", "1.0.0", "A library"))
	req := request(10, alice, source, "")

	require.NoError(t, f.pipeline.Publish(context.Background(), req))

	// One edit per step, in order.
	edits := f.editor.edits(10)
	steps := []report.Step{report.Blocked, report.Pulling, report.Verifying, report.Uploading, report.UpdatingIndex}
	require.Len(t, edits, len(steps)+1)
	for i, step := range steps {
		st := report.Publish{Step: step, SourceURL: source}
		if step >= report.Uploading {
			st.Name, st.Version = "ucb/lib", "1.0.0"
		}
		assert.Equal(t, report.Render(req.Body, "alice", st), edits[i], "edit %d", i)
	}
	done := report.Render(req.Body, "alice", report.Publish{Step: report.Done, SourceURL: source, Name: "ucb/lib", Version: "1.0.0"})
	assert.Equal(t, done, f.editor.last(10))

	// Store holds the tarball.
	_, ok := testutil.ReadRemoteFile(t, f.storeRemote, "ucb/lib/ucb_lib_1.0.0.tar.gz")
	assert.True(t, ok)

	// Index holds the entry and the readme listing.
	entries, ok := testutil.ReadRemoteFile(t, f.indexRemote, "ucb/lib")
	require.True(t, ok)
	parsed := index.ParseEntries([]byte(entries))
	require.Len(t, parsed, 1)
	assert.Equal(t, "1.0.0", parsed[0].Version)
	require.NotNil(t, parsed[0].Location)
	assert.True(t, strings.HasPrefix(parsed[0].Location.Checksum, "sha256="))

	readme, ok := testutil.ReadRemoteFile(t, f.indexRemote, index.Readme)
	require.True(t, ok)
	assert.Equal(t, "# Packages\n\n- `ucb/lib 1.0.0` *A library* @[alice](https://github.com/alice)\n", readme)

	// Ledger records the owner.
	packages, err := f.ledger.QueryPackages(context.Background(), "ucb")
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", Description: "A library", UserID: 1}, packages[0])

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.PublishTotal.WithLabelValues("published", "none")))
	assert.Equal(t, float64(0), promtest.ToFloat64(f.metrics.PublishInFlight))

	// Pull directories are removed.
	left, err := os.ReadDir(f.pullDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPublish_Ref(t *testing.T) {
	f := setupPipeline(t)
	source := sourceRemote(t, manifestYAML("ucb/lib", "1.0.0", ""))
	testutil.TagRemote(t, source, "v1.0.0")
	testutil.PushFiles(t, source, map[string]string{manifest.FileName: manifestYAML("ucb/lib", "2.0.0", "")}, "Bump")

	require.NoError(t, f.pipeline.Publish(context.Background(), request(11, alice, source, "v1.0.0")))

	packages, err := f.ledger.QueryPackages(context.Background(), "ucb")
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "1.0.0", packages[0].Version)
}

func TestPublish_Failures(t *testing.T) {
	tests := []struct {
		name     string
		herald   string
		ref      string
		author   ledger.User
		prepare  func(t *testing.T, f *fixture)
		wantStep report.Step
		wantKind Kind
		check    func(t *testing.T, err error)
	}{
		{
			name:     "unknown ref",
			herald:   manifestYAML("ucb/lib", "1.0.0", ""),
			ref:      "nope",
			author:   alice,
			wantStep: report.Pulling,
			wantKind: KindGit,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, gitrepo.ErrRefNotFound)
			},
		},
		{
			name:     "missing manifest",
			author:   alice,
			wantStep: report.Verifying,
			wantKind: KindValidation,
			check: func(t *testing.T, err error) {
				var verr *manifest.ValidationError
				assert.ErrorAs(t, err, &verr)
			},
		},
		{
			name:   "namespace taken",
			herald: manifestYAML("ucb/other", "1.0.0", ""),
			author: bob,
			prepare: func(t *testing.T, f *fixture) {
				ctx := context.Background()
				require.NoError(t, f.ledger.UpsertUser(ctx, alice))
				require.NoError(t, f.ledger.InsertPackage(ctx, ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", UserID: alice.ID}))
			},
			wantStep: report.Verifying,
			wantKind: KindPermission,
			check: func(t *testing.T, err error) {
				var taken *NamespaceTakenError
				require.ErrorAs(t, err, &taken)
				assert.Equal(t, "Namespace `ucb` has been taken by @alice", taken.Error())
			},
		},
		{
			name:   "version exists",
			herald: manifestYAML("ucb/lib", "1.0.0", ""),
			author: alice,
			prepare: func(t *testing.T, f *fixture) {
				ctx := context.Background()
				require.NoError(t, f.ledger.UpsertUser(ctx, alice))
				require.NoError(t, f.ledger.InsertPackage(ctx, ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", UserID: alice.ID}))
			},
			wantStep: report.Verifying,
			wantKind: KindPermission,
			check: func(t *testing.T, err error) {
				var exists *PackageExistsError
				require.ErrorAs(t, err, &exists)
				assert.Equal(t, "Package `ucb/lib 1.0.0` has been published", exists.Error())
			},
		},
		{
			name:     "non-index dependency",
			herald:   manifestYAML("ucb/lib", "1.0.0", "") + "dependencies:\n  foo/bar: { git: \"https://example.com/bar.git\" }\n",
			author:   alice,
			wantStep: report.UpdatingIndex,
			wantKind: KindValidation,
			check: func(t *testing.T, err error) {
				var nonIndex *index.NonIndexDependencyError
				assert.ErrorAs(t, err, &nonIndex)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupPipeline(t)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			indexCommits := testutil.CommitCount(t, f.indexRemote)

			source := sourceRemote(t, tt.herald)
			req := request(20, tt.author, source, tt.ref)
			err := f.pipeline.Publish(context.Background(), req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.wantKind, Classify(err))

			want := report.Publish{Step: tt.wantStep, SourceURL: source, Err: err}
			if tt.wantStep >= report.Uploading {
				want.Name, want.Version = "ucb/lib", "1.0.0"
			}
			assert.Equal(t, report.Render(req.Body, tt.author.Name, want), f.editor.last(20))

			assert.Equal(t, indexCommits, testutil.CommitCount(t, f.indexRemote), "index must not change")
			assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.PublishTotal.WithLabelValues("failed", string(tt.wantKind))))
		})
	}
}

func TestPublish_EditFailureDoesNotAbort(t *testing.T) {
	f := setupPipeline(t)
	f.editor.err = errors.New("github is down")
	source := sourceRemote(t, manifestYAML("ucb/lib", "1.0.0", ""))

	require.NoError(t, f.pipeline.Publish(context.Background(), request(30, alice, source, "")))

	assert.Equal(t, float64(6), promtest.ToFloat64(f.metrics.ReportEditErrors))
	_, ok := testutil.ReadRemoteFile(t, f.indexRemote, "ucb/lib")
	assert.True(t, ok)
}

// Publishing two versions of one package and then repeating one of them
// leaves two ledger records, two index entries and one readme line.
func TestPublish_TwoVersionsThenRepublish(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	v100 := sourceRemote(t, manifestYAML("ucb/pkg", "1.0.0", ""))
	v101 := sourceRemote(t, manifestYAML("ucb/pkg", "1.0.1", ""))
	require.NoError(t, f.pipeline.Publish(ctx, request(20, alice, v100, "")))
	require.NoError(t, f.pipeline.Publish(ctx, request(21, alice, v101, "")))

	storeCommits := testutil.CommitCount(t, f.storeRemote)
	indexCommits := testutil.CommitCount(t, f.indexRemote)

	err := f.pipeline.Publish(ctx, request(22, alice, v101, ""))
	var exists *PackageExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "Package `ucb/pkg 1.0.1` has been published", exists.Error())
	assert.Contains(t, f.editor.last(22), exists.Error())

	packages, err := f.ledger.QueryPackages(ctx, "ucb")
	require.NoError(t, err)
	require.Len(t, packages, 2)
	assert.Equal(t, "1.0.0", packages[0].Version)
	assert.Equal(t, "1.0.1", packages[1].Version)

	entries, ok := testutil.ReadRemoteFile(t, f.indexRemote, "ucb/pkg")
	require.True(t, ok)
	parsed := index.ParseEntries([]byte(entries))
	require.Len(t, parsed, 2)
	assert.Equal(t, "1.0.0", parsed[0].Version)
	assert.Equal(t, "1.0.1", parsed[1].Version)

	readme, ok := testutil.ReadRemoteFile(t, f.indexRemote, index.Readme)
	require.True(t, ok)
	assert.Equal(t, "# Packages\n\n- `ucb/pkg 1.0.1` *no description* @[alice](https://github.com/alice)\n", readme)

	assert.Equal(t, storeCommits, testutil.CommitCount(t, f.storeRemote), "rejected republish pushes nothing")
	assert.Equal(t, indexCommits, testutil.CommitCount(t, f.indexRemote))
}

func TestPublish_Concurrent(t *testing.T) {
	f := setupPipeline(t)
	sources := []string{
		sourceRemote(t, manifestYAML("ucb/alpha", "1.0.0", "")),
		sourceRemote(t, manifestYAML("ucb/beta", "0.1.0", "")),
		sourceRemote(t, manifestYAML("ucb/gamma", "3.0.0", "")),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(sources))
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			errs[i] = f.pipeline.Publish(context.Background(), request(int64(40+i), alice, source, ""))
		}(i, source)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "publish %d", i)
	}

	readme, ok := testutil.ReadRemoteFile(t, f.indexRemote, index.Readme)
	require.True(t, ok)
	assert.Contains(t, readme, "`ucb/alpha 1.0.0`")
	assert.Contains(t, readme, "`ucb/beta 0.1.0`")
	assert.Contains(t, readme, "`ucb/gamma 3.0.0`")

	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, ok := testutil.ReadRemoteFile(t, f.indexRemote, "ucb/"+name)
		assert.True(t, ok, name)
	}
}

func TestCheckPermission(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.OpenSQLite(ctx, filepath.Join(t.TempDir(), "herald.db"))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.UpsertUser(ctx, alice))
	require.NoError(t, l.InsertPackage(ctx, ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", UserID: alice.ID}))

	m := func(group, name, version string) *manifest.Manifest {
		return &manifest.Manifest{Name: manifest.Name{Group: group, Name: name}, Version: version}
	}

	tests := []struct {
		name     string
		manifest *manifest.Manifest
		userID   int64
		wantErr  string
	}{
		{name: "owner publishes a new version", manifest: m("ucb", "lib", "1.1.0"), userID: alice.ID},
		{name: "owner publishes a new package", manifest: m("ucb", "app", "1.0.0"), userID: alice.ID},
		{name: "anyone takes a free group", manifest: m("acme", "lib", "1.0.0"), userID: bob.ID},
		{name: "other user in taken group", manifest: m("ucb", "app", "1.0.0"), userID: bob.ID, wantErr: "Namespace `ucb` has been taken by @alice"},
		{name: "existing version", manifest: m("ucb", "lib", "1.0.0"), userID: alice.ID, wantErr: "Package `ucb/lib 1.0.0` has been published"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPermission(ctx, l, tt.manifest, tt.userID)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestWorkspaceLock(t *testing.T) {
	ws := NewWorkspace(nil, nil)

	require.NoError(t, ws.Acquire(context.Background()))
	assert.False(t, ws.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, ws.Acquire(ctx))

	ws.Release()
	assert.True(t, ws.TryAcquire())
	ws.Release()
}
