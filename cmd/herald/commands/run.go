package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dyluth/herald/internal/config"
	"github.com/dyluth/herald/internal/controller"
	"github.com/dyluth/herald/internal/github"
	"github.com/dyluth/herald/internal/gitrepo"
	"github.com/dyluth/herald/internal/health"
	"github.com/dyluth/herald/internal/index"
	"github.com/dyluth/herald/internal/ledger"
	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/metrics"
	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/internal/publish"
	"github.com/dyluth/herald/internal/store"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the tracking issue and serve publish requests",
		Long: `Run the bot until SIGINT or SIGTERM.

Configuration is read from HERALD_* environment variables, optionally on
top of a YAML file named by HERALD_CONFIG_FILE. /healthz and /metrics are
served on HERALD_HEALTH_ADDR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return printer.Error(
					"invalid configuration",
					err.Error(),
					[]string{
						"Set the required HERALD_* environment variables",
						"Point HERALD_CONFIG_FILE at a YAML configuration file",
					},
				)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runBot(ctx, cfg)
		},
	}
}

// ledgerRef lets the health server ping whichever ledger the current
// controller run owns.
type ledgerRef struct {
	mu sync.RWMutex
	l  ledger.Ledger
}

func (r *ledgerRef) set(l ledger.Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.l = l
}

// clear drops l unless a newer run has already replaced it.
func (r *ledgerRef) clear(l ledger.Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.l == l {
		r.l = nil
	}
}

func (r *ledgerRef) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.l == nil {
		return errors.New("ledger not connected")
	}
	return r.l.Ping(ctx)
}

func runBot(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		Pretty:   cfg.LogPretty,
		Instance: cfg.Instance,
	})
	m := metrics.New()
	b := &bot{cfg: cfg, metrics: m, logger: logger}

	hs := health.NewServer(cfg.HealthAddr, &b.ledger, m.Handler(), logging.Component(logger, "health"))
	if err := hs.Start(); err != nil {
		return printer.Error("failed to start health server", err.Error(), []string{"Choose a free address with HERALD_HEALTH_ADDR"})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("health server shutdown failed")
		}
	}()
	printer.Step("serving /healthz and /metrics on %s\n", hs.Addr())

	logging.Event(logger, "bot_starting", map[string]interface{}{
		"bot":         cfg.BotName,
		"index_repo":  cfg.IndexRepo,
		"store_repo":  cfg.StoreRepo,
		"issue":       cfg.IndexIssue,
		"ledger":      cfg.Ledger,
		"health_addr": hs.Addr(),
	})

	err := controller.Supervise(ctx, b.build, controller.SupervisorOptions{
		Delay:   cfg.RestartDelay,
		Metrics: m,
		Logger:  logger,
	})
	b.close()
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("shutting down")
		printer.Success("stopped\n")
		return nil
	}
	return err
}

// bot owns the index and store checkouts for the whole process. Each
// controller run gets its own poller and ledger connection but shares the
// workspace, so publishes left over from a failed run still serialize with
// new ones on the same lock.
type bot struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	ledger  ledgerRef

	workspace *publish.Workspace
	indexRepo *gitrepo.Repo
	storeRepo *gitrepo.Repo
}

// openWorkspace clones or opens both checkouts. It is retried on the next
// build until it succeeds once.
func (b *bot) openWorkspace(ctx context.Context) (*publish.Workspace, error) {
	if b.workspace != nil {
		return b.workspace, nil
	}
	cfg := b.cfg
	username, password := cfg.GitCredentials()
	repoOpts := gitrepo.Options{
		Branch:      cfg.Branch,
		Auth:        &githttp.BasicAuth{Username: username, Password: password},
		AuthorName:  cfg.BotName,
		AuthorEmail: cfg.BotEmail,
	}

	indexRepo, err := gitrepo.OpenOrClone(ctx, cfg.RemoteURL(cfg.IndexRepo), cfg.IndexCheckout, repoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index checkout: %w", err)
	}
	storeRepo, err := gitrepo.OpenOrClone(ctx, cfg.RemoteURL(cfg.StoreRepo), cfg.StoreCheckout, repoOpts)
	if err != nil {
		indexRepo.Close()
		return nil, fmt.Errorf("failed to open store checkout: %w", err)
	}

	logging.Event(b.logger, "workspace_opened", map[string]interface{}{
		"index_remote":   indexRepo.Remote(),
		"index_checkout": indexRepo.Workdir(),
		"store_remote":   storeRepo.Remote(),
		"store_checkout": storeRepo.Workdir(),
	})

	b.indexRepo, b.storeRepo = indexRepo, storeRepo
	b.workspace = publish.NewWorkspace(index.New(indexRepo), store.New(storeRepo, store.Options{
		MaxSize: cfg.StoreMaxSize,
		URL:     store.GitHubRawURL(cfg.WebURL, cfg.StoreRepo),
	}))
	return b.workspace, nil
}

// build is the supervisor factory. The cleanup it returns waits for the
// run's publishes before closing that run's ledger.
func (b *bot) build(ctx context.Context) (controller.Runner, func(), error) {
	cfg := b.cfg
	gh := github.New(github.Options{
		APIURL:       cfg.APIURL,
		Token:        cfg.AccessToken,
		UserAgent:    cfg.BotName,
		Repo:         cfg.IndexRepo,
		Issue:        cfg.IndexIssue,
		PollInterval: cfg.PollInterval,
	})
	viewer, err := gh.Viewer(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to identify bot account: %w", err)
	}

	ws, err := b.openWorkspace(ctx)
	if err != nil {
		return nil, nil, err
	}

	l, err := ledger.Open(ctx, ledger.Options{
		Backend:  cfg.Ledger,
		Path:     cfg.DBPath,
		RedisURL: cfg.RedisURL,
		Instance: cfg.Instance,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	pipeline := publish.New(publish.Options{
		Workspace: ws,
		Ledger:    l,
		Editor:    gh,
		BotName:   cfg.BotName,
		WebURL:    cfg.WebURL,
		Metrics:   b.metrics,
		Logger:    b.logger,
	})
	ctrl := controller.New(controller.Options{
		Poller:    gh,
		Ledger:    l,
		Publisher: pipeline,
		BotName:   cfg.BotName,
		BotID:     viewer.ID,
		Metrics:   b.metrics,
		Logger:    b.logger,
	})
	b.ledger.set(l)

	return ctrl, func() { b.retire(ctrl, l) }, nil
}

// retire waits for a stopped run's publishes, then releases its ledger.
func (b *bot) retire(w interface{ Wait() }, l ledger.Ledger) {
	w.Wait()
	b.ledger.clear(l)
	if err := l.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("failed to close ledger")
	}
}

// close releases the workspace. Supervise has drained every run by then.
func (b *bot) close() {
	if b.indexRepo != nil {
		b.indexRepo.Close()
	}
	if b.storeRepo != nil {
		b.storeRepo.Close()
	}
}
