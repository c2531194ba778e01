package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/config"
	"github.com/allenxing4071/aicoin-sub002/internal/config/loader"
	"github.com/allenxing4071/aicoin-sub002/internal/executor"
	"github.com/allenxing4071/aicoin-sub002/internal/feedback"
	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/market"
	"github.com/allenxing4071/aicoin-sub002/internal/risk"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/scheduler"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
	opshttp "github.com/allenxing4071/aicoin-sub002/internal/transport/http"
)

const reconcileTimeout = 30 * time.Second

func build(cfg *config.Config) (*App, error) {
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	policy := buildPolicy(cfg)
	provider := buildMarket(cfg)
	fb := feedback.NewService(st)

	registry, err := router.NewRegistryWithDefault(cfg.Templates.Dir, cfg.Templates.Default)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	watcher, err := watchTemplates(cfg.Templates.Dir, registry)
	if err != nil {
		logger.Warnf("app: template hot reload disabled: %v", err)
	}

	modelClient, err := buildModel(cfg)
	if err != nil {
		return nil, err
	}
	rt := router.New(router.Params{
		Registry:    registry,
		Provider:    modelClient,
		Experiments: policy.Experiments,
		Memory:      fb.Memory,
		MaxRetries:  cfg.Model.MaxRetries,
	})

	adapter, err := buildExecutor(cfg, provider, st)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Params{
		Instruments:    cfg.Scheduler.Instruments,
		Interval:       cfg.Scheduler.Interval,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		GracePeriod:    cfg.Scheduler.GracePeriod,
		Timeouts: scheduler.StageTimeouts{
			Snapshot: cfg.Scheduler.Timeouts.Snapshot,
			Decide:   cfg.Scheduler.Timeouts.Decide,
			Execute:  cfg.Scheduler.Timeouts.Execute,
			Feedback: cfg.Scheduler.Timeouts.Feedback,
		},
		Provider: provider,
		Decider:  rt,
		Executor: adapter,
		Feedback: fb,
		Audit:    st,
		Limits:   policy.LimitsFor,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	if err := restoreState(st, sched); err != nil {
		return nil, err
	}
	reconcileOrphans(st, adapter)

	opsSrv, err := opshttp.NewServer(opshttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		States:    sched,
		Outcomes:  st,
		Triggerer: sched,
		Policy:    policy,
	})
	if err != nil {
		return nil, fmt.Errorf("build ops http server: %w", err)
	}

	return &App{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		feedback:  fb,
		opsHTTP:   opsSrv,
		watcher:   watcher,
	}, nil
}

// buildPolicy wires the hot-reloadable policy file with the static config
// values as fallback. A missing file is not fatal: static limits apply.
func buildPolicy(cfg *config.Config) *loader.PolicyLoader {
	fallback := risk.Limits{
		MinConfidence:   cfg.Risk.MinConfidence,
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		TradingDisabled: cfg.Risk.TradingDisabled,
	}
	policy, err := loader.NewPolicyLoader(cfg.Risk.PolicyPath, fallback)
	if err != nil {
		logger.Warnf("app: policy file unavailable (%v), using static limits", err)
		return loader.Static(fallback)
	}
	return policy
}

func buildMarket(cfg *config.Config) *market.CachedProvider {
	var sources []market.Source
	for _, src := range cfg.Market.EnabledSources() {
		switch strings.ToLower(src.Name) {
		case "binance":
			sources = append(sources, market.NewBinanceSource(market.BinanceConfig{
				RESTBaseURL: src.RESTBaseURL,
				Interval:    cfg.Market.KlineInterval,
				KlineLimit:  cfg.Market.KlineLimit,
			}))
		default:
			logger.Warnf("app: unsupported market source %q skipped", src.Name)
		}
	}
	return market.NewCachedProvider(sources, cfg.Market.CacheTTL)
}

func buildModel(cfg *config.Config) (router.ModelProvider, error) {
	resolved, ok := cfg.Model.ResolveActiveModel()
	if !ok {
		return nil, fmt.Errorf("no active model configured")
	}
	client := router.NewOpenAIChatClient(resolved.APIURL, resolved.APIKey, resolved.Model, 0)
	if cfg.Model.Temperature > 0 {
		client.Temperature = cfg.Model.Temperature
	}
	return client, nil
}

func buildExecutor(cfg *config.Config, provider market.Provider, st *store.Store) (*executor.Adapter, error) {
	priceFn := func(ctx context.Context, instrument string) (float64, error) {
		snap, err := provider.Snapshot(ctx, instrument)
		if err != nil {
			return 0, err
		}
		return snap.LastPrice, nil
	}
	paper := executor.NewPaperExchange(priceFn, int64(cfg.Exchange.SlippageBps))

	var binance *executor.BinanceExchange
	if cfg.Exchange.Mode == "binance" || routesNeedBinance(cfg.Exchange.Routes) {
		binance = executor.NewBinanceExchange(executor.BinanceConfig{
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.APISecret,
		})
	}

	venueFor := func(name string) (executor.Exchange, error) {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "paper":
			return paper, nil
		case "binance":
			if binance == nil {
				return nil, fmt.Errorf("binance venue requested but not configured")
			}
			return binance, nil
		default:
			return nil, fmt.Errorf("unknown venue %q", name)
		}
	}

	defaultEx, err := venueFor(cfg.Exchange.Mode)
	if err != nil {
		return nil, err
	}
	routes := make(map[string]executor.Exchange, len(cfg.Exchange.Routes))
	for instrument, venue := range cfg.Exchange.Routes {
		ex, err := venueFor(venue)
		if err != nil {
			return nil, fmt.Errorf("exchange route %s: %w", instrument, err)
		}
		routes[instrument] = ex
	}
	return executor.NewAdapter(routes, defaultEx, st), nil
}

func routesNeedBinance(routes map[string]string) bool {
	for _, venue := range routes {
		if strings.EqualFold(strings.TrimSpace(venue), "binance") {
			return true
		}
	}
	return false
}

func restoreState(st *store.Store, sched *scheduler.Scheduler) error {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	records, err := st.LoadInstrumentStates(ctx)
	if err != nil {
		return fmt.Errorf("restore instrument state: %w", err)
	}
	sched.Restore(records)
	if len(records) > 0 {
		logger.Infof("app: restored state for %d instruments", len(records))
	}
	return nil
}

// reconcileOrphans resolves submissions a previous run attempted but never
// recorded a result for. Best effort; unresolved orphans are retried on the
// next startup.
func reconcileOrphans(st *store.Store, adapter *executor.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	pending, err := st.PendingSubmissions(ctx)
	if err != nil {
		logger.Warnf("app: listing pending submissions failed: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	logger.Infof("app: reconciling %d orphaned submissions", len(pending))
	for decisionID, res := range adapter.Reconcile(ctx, pending) {
		if err := st.AppendExecution(ctx, decisionID, res); err != nil {
			logger.Warnf("app: recording reconciled execution %s failed: %v", decisionID, err)
		}
	}
}
