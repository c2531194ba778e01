package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/allenxing4071/aicoin-sub002/internal/config"
	"github.com/allenxing4071/aicoin-sub002/internal/feedback"
	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/scheduler"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
	opshttp "github.com/allenxing4071/aicoin-sub002/internal/transport/http"
)

// App owns application-level orchestration: config -> dependency wiring ->
// startup reconciliation -> the scheduler loop plus its sidecars.
type App struct {
	cfg       *config.Config
	store     *store.Store
	scheduler *scheduler.Scheduler
	feedback  *feedback.Service
	opsHTTP   *opshttp.Server
	watcher   *templateWatcher
}

// NewApp builds the application object without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return build(cfg)
}

// Run starts the scheduler, the feedback aggregation loop and the operator
// HTTP server, and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.store.Close()
	if a.watcher != nil {
		defer a.watcher.Close()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.opsHTTP != nil {
		group.Go(func() error {
			if err := a.opsHTTP.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		a.feedback.Start(ctx)
		return nil
	})

	group.Go(func() error {
		a.scheduler.Run(ctx)
		return nil
	})

	return group.Wait()
}

// Scheduler exposes the scheduler instance for test and replay harnesses.
func (a *App) Scheduler() *scheduler.Scheduler {
	if a == nil {
		return nil
	}
	return a.scheduler
}
