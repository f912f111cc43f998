// Package publish runs publish requests end to end: pull the source, build
// and vet the artifact, upload it, record it in the index and the ledger.
//
// Progress is written back into the triggering comment after every step. A
// failed attempt leaves the report at the step that failed, with the error.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/herald/internal/gitrepo"
	"github.com/dyluth/herald/internal/ledger"
	"github.com/dyluth/herald/internal/listing"
	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/manifest"
	"github.com/dyluth/herald/internal/metrics"
	"github.com/dyluth/herald/internal/report"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CommentEditor replaces the body of a comment.
type CommentEditor interface {
	EditComment(ctx context.Context, id int64, body string) error
}

// Request is one publish command taken from a comment.
type Request struct {
	CommentID int64
	Body      string // original comment body, kept above the report
	Author    ledger.User
	SourceURL string
	Ref       string // branch, tag or commit; empty for the default branch
}

// Options configures a Pipeline. Workspace, Ledger and Editor are required.
type Options struct {
	Workspace *Workspace
	Ledger    ledger.Ledger
	Editor    CommentEditor
	Builder   manifest.Builder
	BotName   string
	WebURL    string // owner profile links in the index readme
	TempDir   string // parent of source pulls; os.TempDir() when empty
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Pipeline executes publish requests. Publish is safe to call from many
// goroutines; attempts queue on the workspace lock.
type Pipeline struct {
	workspace *Workspace
	ledger    ledger.Ledger
	editor    CommentEditor
	builder   manifest.Builder
	botName   string
	webURL    string
	tempDir   string
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Builder == nil {
		opts.Builder = manifest.TarballBuilder{}
	}
	if opts.BotName == "" {
		opts.BotName = "herald"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Pipeline{
		workspace: opts.Workspace,
		ledger:    opts.Ledger,
		editor:    opts.Editor,
		builder:   opts.Builder,
		botName:   opts.BotName,
		webURL:    opts.WebURL,
		tempDir:   opts.TempDir,
		metrics:   opts.Metrics,
		logger:    logging.Component(opts.Logger, "publish"),
	}
}

// Publish runs one attempt to completion and reports its outcome in the
// comment. The returned error is the failure already shown to the user.
func (p *Pipeline) Publish(ctx context.Context, req Request) error {
	attemptID := uuid.NewString()
	log := p.logger.With().
		Str("attempt_id", attemptID).
		Int64("comment_id", req.CommentID).
		Str("source_url", req.SourceURL).
		Logger()

	p.metrics.PublishInFlight.Inc()
	defer p.metrics.PublishInFlight.Dec()
	start := time.Now()

	state := report.Publish{Step: report.Blocked, SourceURL: req.SourceURL}
	p.report(ctx, log, req, state)

	err := p.run(ctx, log, attemptID, req, &state)

	outcome := "published"
	if err != nil {
		state.Err = err
		outcome = "failed"
	} else {
		state.Step = report.Done
	}
	p.report(ctx, log, req, state)

	kind := Classify(err)
	duration := time.Since(start)
	p.metrics.ObservePublish(outcome, string(kind), duration)

	fields := map[string]interface{}{
		"outcome":     outcome,
		"step":        state.Step.String(),
		"duration_ms": duration.Milliseconds(),
		"author":      req.Author.Name,
	}
	if state.Name != "" {
		fields["package"] = state.Name
		fields["version"] = state.Version
	}
	if err != nil {
		fields["kind"] = string(kind)
		fields["error"] = err
	}
	logging.Event(log, "publish_finished", fields)

	return err
}

func (p *Pipeline) run(ctx context.Context, log zerolog.Logger, attemptID string, req Request, state *report.Publish) error {
	if !p.workspace.TryAcquire() {
		log.Info().Msg("workspace busy, queued behind another publish")
		if err := p.workspace.Acquire(ctx); err != nil {
			return fmt.Errorf("failed to acquire workspace: %w", err)
		}
	}
	defer p.workspace.Release()

	p.advance(ctx, log, req, state, report.Pulling)
	dir, err := os.MkdirTemp(p.tempDir, p.botName+"-"+attemptID+"-")
	if err != nil {
		return fmt.Errorf("failed to create pull directory: %w", err)
	}
	defer os.RemoveAll(dir)

	src, err := gitrepo.Clone(ctx, req.SourceURL, filepath.Join(dir, "source"), nil)
	if err != nil {
		return err
	}
	defer src.Close()
	if req.Ref != "" {
		if err := src.Checkout(ctx, req.Ref); err != nil {
			return err
		}
	}

	p.advance(ctx, log, req, state, report.Verifying)
	artifact, err := p.builder.Build(ctx, src.Workdir())
	if err != nil {
		return err
	}
	m := artifact.Manifest
	if err := CheckPermission(ctx, p.ledger, m, req.Author.ID); err != nil {
		return err
	}
	state.Name = m.Name.String()
	state.Version = m.Version

	p.advance(ctx, log, req, state, report.Uploading)
	loc, err := p.workspace.Store.Upload(ctx, m, artifact.Path)
	if err != nil {
		return err
	}

	p.advance(ctx, log, req, state, report.UpdatingIndex)
	if err := p.workspace.Index.UpdatePackage(ctx, m, loc); err != nil {
		return err
	}
	if err := p.record(ctx, m, req.Author); err != nil {
		return err
	}
	readme, err := listing.Readme(ctx, p.ledger, p.webURL)
	if err != nil {
		return fmt.Errorf("failed to render package list: %w", err)
	}
	return p.workspace.Index.UpdateReadme(ctx, readme)
}

// record stores the published version with the author as owner.
func (p *Pipeline) record(ctx context.Context, m *manifest.Manifest, author ledger.User) error {
	if err := p.ledger.UpsertUser(ctx, author); err != nil {
		return fmt.Errorf("failed to record user: %w", err)
	}
	err := p.ledger.InsertPackage(ctx, ledger.Package{
		Group:       m.Name.Group,
		Name:        m.Name.Name,
		Version:     m.Version,
		Description: m.Description,
		UserID:      author.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to record package: %w", err)
	}
	return nil
}

func (p *Pipeline) advance(ctx context.Context, log zerolog.Logger, req Request, state *report.Publish, step report.Step) {
	state.Step = step
	log.Debug().Str("step", step.String()).Msg("publish step")
	p.report(ctx, log, req, *state)
}

// report edits the comment. Edit failures are logged and counted; they do
// not stop the attempt.
func (p *Pipeline) report(ctx context.Context, log zerolog.Logger, req Request, state report.Publish) {
	body := report.Render(req.Body, req.Author.Name, state)
	if err := p.editor.EditComment(ctx, req.CommentID, body); err != nil {
		p.metrics.ReportEditErrors.Inc()
		log.Warn().Err(err).Str("step", state.Step.String()).Msg("failed to update report")
	}
}

// CheckPermission allows a publish when every record of the group belongs to
// userID and the exact version is not yet recorded.
func CheckPermission(ctx context.Context, l ledger.Ledger, m *manifest.Manifest, userID int64) error {
	packages, err := l.QueryPackages(ctx, m.Name.Group)
	if err != nil {
		return fmt.Errorf("failed to query group %s: %w", m.Name.Group, err)
	}

	for _, pkg := range packages {
		if pkg.UserID == userID {
			continue
		}
		owner, err := l.GetUser(ctx, pkg.UserID)
		if err != nil {
			return fmt.Errorf("failed to look up owner of %s: %w", pkg.Group, err)
		}
		return &NamespaceTakenError{Group: pkg.Group, Owner: owner.Name}
	}

	for _, pkg := range packages {
		if pkg.Name == m.Name.Name && pkg.Version == m.Version {
			return &PackageExistsError{Name: m.Name.String(), Version: m.Version}
		}
	}
	return nil
}
