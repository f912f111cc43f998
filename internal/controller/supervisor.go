package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultRestartDelay is the pause between two controller runs.
const DefaultRestartDelay = 5 * time.Second

// Runner is what the supervisor keeps alive.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh runner with its own connections. cleanup, when
// non-nil, is called once the runner has stopped and may block until the
// runner's detached work has drained.
type Factory func(ctx context.Context) (r Runner, cleanup func(), err error)

// SupervisorOptions configures Supervise.
type SupervisorOptions struct {
	Delay   time.Duration
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Supervise builds and runs a controller until ctx ends. Build failures,
// run errors and panics are logged, then a new controller is built after
// the delay. The cleanup of a failed runner runs in the background so a
// hung publish never holds back the restart. Supervise waits for every
// cleanup before it returns ctx.Err().
func Supervise(ctx context.Context, factory Factory, opts SupervisorOptions) error {
	if opts.Delay <= 0 {
		opts.Delay = DefaultRestartDelay
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	logger := logging.Component(opts.Logger, "supervisor")

	var retiring sync.WaitGroup
	defer retiring.Wait()

	for {
		cleanup, err := runOnce(ctx, factory)
		if ctx.Err() != nil {
			if cleanup != nil {
				cleanup()
			}
			return ctx.Err()
		}

		opts.Metrics.ControllerRestarts.Inc()
		logging.Event(logger, "controller_failed", map[string]interface{}{
			"error":      err,
			"restart_in": opts.Delay.String(),
		})
		if cleanup != nil {
			retiring.Add(1)
			go retire(&retiring, cleanup, logger)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Delay):
		}
	}
}

func retire(wg *sync.WaitGroup, cleanup func(), logger zerolog.Logger) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("controller cleanup panicked")
		}
	}()
	cleanup()
	logger.Debug().Msg("failed controller drained")
}

// runOnce builds and runs one controller. The returned cleanup belongs to
// the caller, even when the runner panicked.
func runOnce(ctx context.Context, factory Factory) (cleanup func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller panicked: %v", r)
		}
	}()

	var runner Runner
	runner, cleanup, err = factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build controller: %w", err)
	}

	if err := runner.Run(ctx); err != nil {
		return cleanup, err
	}
	return cleanup, fmt.Errorf("controller stopped")
}
