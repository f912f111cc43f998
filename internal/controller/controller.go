// Package controller turns issue comments into bot actions.
//
// The controller polls the tracking issue, records every new comment in the
// ledger before acting on it, and hands publish commands to the pipeline on
// their own goroutine. The poll loop never waits for a publish to finish.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/herald/internal/command"
	"github.com/dyluth/herald/internal/github"
	"github.com/dyluth/herald/internal/ledger"
	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/metrics"
	"github.com/dyluth/herald/internal/publish"
	"github.com/dyluth/herald/internal/report"
	"github.com/rs/zerolog"
)

// StaleTolerance is how far before the last poll a comment may have been
// created and still be answered.
const StaleTolerance = time.Minute

// Poller is the comment source of the tracking issue.
type Poller interface {
	PollComments(ctx context.Context, since *time.Time) (*github.Page, error)
	EditComment(ctx context.Context, id int64, body string) error
}

// Publisher runs publish requests.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) error
}

// Options configures a Controller. BotID identifies the bot's own comments.
type Options struct {
	Poller    Poller
	Ledger    ledger.Ledger
	Publisher Publisher
	BotName   string
	BotID     int64
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Controller is the poll loop. It is not safe for concurrent use; the
// supervisor runs one at a time.
type Controller struct {
	poller    Poller
	ledger    ledger.Ledger
	publisher Publisher
	botName   string
	botID     int64
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	lastSeen *time.Time
	inflight sync.WaitGroup
}

// New creates a Controller with no poll baseline.
func New(opts Options) *Controller {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Controller{
		poller:    opts.Poller,
		ledger:    opts.Ledger,
		publisher: opts.Publisher,
		botName:   opts.BotName,
		botID:     opts.BotID,
		metrics:   opts.Metrics,
		logger:    logging.Component(opts.Logger, "controller"),
	}
}

// Run polls until ctx is cancelled or a poll fails.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().Str("bot", c.botName).Msg("start polling issue comments")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Poll(ctx); err != nil {
			return err
		}
	}
}

// Poll runs one iteration. The first successful poll only sets the baseline.
func (c *Controller) Poll(ctx context.Context) error {
	page, err := c.poller.PollComments(ctx, c.lastSeen)
	if err != nil {
		c.metrics.PollErrorsTotal.Inc()
		return fmt.Errorf("failed to poll comments: %w", err)
	}

	if c.lastSeen == nil {
		date := page.Date
		c.lastSeen = &date
		c.logger.Debug().Time("baseline", date).Msg("poll baseline set")
		return nil
	}

	cutoff := c.lastSeen.Add(-StaleTolerance)
	for _, comment := range page.Comments {
		result, err := c.handle(ctx, comment, cutoff)
		if err != nil {
			return err
		}
		c.metrics.CommentsTotal.WithLabelValues(result).Inc()
	}

	date := page.Date
	c.lastSeen = &date
	return nil
}

// handle processes one comment and returns how it was classified.
func (c *Controller) handle(ctx context.Context, comment github.Comment, cutoff time.Time) (string, error) {
	if comment.CreatedAt.Before(cutoff) {
		return "stale", nil
	}
	if comment.User.ID == c.botID {
		return "own", nil
	}

	seen, err := c.ledger.HasComment(ctx, comment.ID)
	if err != nil {
		return "", fmt.Errorf("failed to look up comment %d: %w", comment.ID, err)
	}
	if seen {
		return "duplicate", nil
	}

	author := ledger.User{ID: comment.User.ID, Name: comment.User.Login}
	if err := c.ledger.UpsertUser(ctx, author); err != nil {
		return "", fmt.Errorf("failed to record user %d: %w", author.ID, err)
	}
	err = c.ledger.InsertComment(ctx, ledger.Comment{
		ID:        comment.ID,
		UserID:    author.ID,
		Body:      comment.Body,
		CreatedAt: comment.CreatedAt,
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		return "duplicate", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to record comment %d: %w", comment.ID, err)
	}

	cmd, err := command.Parse(comment.Body, c.botName)
	if err != nil {
		body := report.Render(comment.Body, author.Name, report.CommandError{BotName: c.botName})
		if err := c.poller.EditComment(ctx, comment.ID, body); err != nil {
			c.metrics.ReportEditErrors.Inc()
			c.logger.Warn().Err(err).Int64("comment_id", comment.ID).Msg("failed to report command error")
		}
		return "malformed", nil
	}
	if cmd == nil {
		return "ignored", nil
	}

	logging.Event(c.logger, "command_received", map[string]interface{}{
		"comment_id": comment.ID,
		"author":     author.Name,
		"source_url": cmd.SourceURL,
		"ref":        cmd.Ref,
	})
	c.dispatch(publish.Request{
		CommentID: comment.ID,
		Body:      comment.Body,
		Author:    author,
		SourceURL: cmd.SourceURL,
		Ref:       cmd.Ref,
	})
	return "command", nil
}

// Wait blocks until every dispatched publish has finished. Call it after Run
// returns and before closing what the publisher uses.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// dispatch runs the publish detached from the poll loop and its context.
func (c *Controller) dispatch(req publish.Request) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Int64("comment_id", req.CommentID).Msg("publish panicked")
			}
		}()
		// Failures are already reported in the comment and logged by the pipeline.
		_ = c.publisher.Publish(context.Background(), req)
	}()
}
