package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultAppLogPath        = "/data/logs/aicoin-live.log"
	defaultAppModelLogPath   = "/data/logs/aicoin-model.log"
	defaultInterval          = 3 * time.Minute
	defaultMaxConcurrency    = 4
	defaultGracePeriod       = 30 * time.Second
	defaultSnapshotTimeout   = 10 * time.Second
	defaultDecideTimeout     = 2 * time.Minute
	defaultExecuteTimeout    = 30 * time.Second
	defaultFeedbackTimeout   = 10 * time.Second
	defaultMarketName        = "binance"
	defaultMarketREST        = "https://fapi.binance.com"
	defaultMarketCacheTTL    = 3 * time.Second
	defaultKlineInterval     = "5m"
	defaultKlineLimit        = 60
	defaultModelRetries      = 2
	defaultTemplateDir       = "configs/templates"
	defaultTemplateID        = "baseline"
	defaultPolicyPath        = "configs/policy.yaml"
	defaultMinConfidence     = 0.55
	defaultMaxPositionSize   = 1.0
	defaultMaxDailyLoss      = 500
	defaultExchangeMode      = "paper"
	defaultPaperSlippageBps  = 5
	defaultStorePath         = "/data/live/aicoin.db"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Model.applyDefaults(keys)
	c.Templates.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.model_log_path", &a.ModelLogPath, defaultAppModelLogPath),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("scheduler.interval", &s.Interval, defaultInterval),
		durationFieldDefault("scheduler.grace_period", &s.GracePeriod, defaultGracePeriod),
		fieldDefault{
			key:   "scheduler.max_concurrency",
			need:  func() bool { return s.MaxConcurrency <= 0 },
			apply: func() { s.MaxConcurrency = defaultMaxConcurrency },
		},
		durationFieldDefault("scheduler.timeouts.snapshot", &s.Timeouts.Snapshot, defaultSnapshotTimeout),
		durationFieldDefault("scheduler.timeouts.decide", &s.Timeouts.Decide, defaultDecideTimeout),
		durationFieldDefault("scheduler.timeouts.execute", &s.Timeouts.Execute, defaultExecuteTimeout),
		durationFieldDefault("scheduler.timeouts.feedback", &s.Timeouts.Feedback, defaultFeedbackTimeout),
	)
	s.Instruments = normalizeInstruments(s.Instruments)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	applyFieldDefaults(keys,
		durationFieldDefault("market.cache_ttl", &m.CacheTTL, defaultMarketCacheTTL),
		stringFieldDefault("market.kline_interval", &m.KlineInterval, defaultKlineInterval),
		fieldDefault{
			key:   "market.kline_limit",
			need:  func() bool { return m.KlineLimit <= 0 },
			apply: func() { m.KlineLimit = defaultKlineLimit },
		},
	)
}

func (m *ModelConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if m.Presets == nil {
		m.Presets = make(map[string]ModelPreset)
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "model.max_retries",
			need:  func() bool { return m.MaxRetries <= 0 },
			apply: func() { m.MaxRetries = defaultModelRetries },
		},
	)
	if m.Temperature < 0 {
		m.Temperature = 0
	}
}

func (t *TemplateConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("templates.dir", &t.Dir, defaultTemplateDir),
		stringFieldDefault("templates.default", &t.Default, defaultTemplateID),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.policy_path", &r.PolicyPath, defaultPolicyPath),
		fieldDefault{
			key:   "risk.min_confidence",
			need:  func() bool { return r.MinConfidence <= 0 },
			apply: func() { r.MinConfidence = defaultMinConfidence },
		},
		fieldDefault{
			key:   "risk.max_position_size",
			need:  func() bool { return r.MaxPositionSize <= 0 },
			apply: func() { r.MaxPositionSize = defaultMaxPositionSize },
		},
		fieldDefault{
			key:   "risk.max_daily_loss",
			need:  func() bool { return r.MaxDailyLoss <= 0 },
			apply: func() { r.MaxDailyLoss = defaultMaxDailyLoss },
		},
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.mode", &e.Mode, defaultExchangeMode),
		fieldDefault{
			key:   "exchange.paper_slippage_bps",
			need:  func() bool { return e.SlippageBps <= 0 },
			apply: func() { e.SlippageBps = defaultPaperSlippageBps },
		},
	)
	e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeInstruments(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, sym := range in {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
