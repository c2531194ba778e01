package loader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/risk"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
)

// LimitsDefinition is the file shape of one limit set.
type LimitsDefinition struct {
	MinConfidence   float64 `mapstructure:"min_confidence"`
	MaxPositionSize float64 `mapstructure:"max_position_size"`
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"`
	TradingDisabled bool    `mapstructure:"trading_disabled"`
}

func (d LimitsDefinition) toLimits() risk.Limits {
	return risk.Limits{
		MinConfidence:   d.MinConfidence,
		MaxPositionSize: d.MaxPositionSize,
		MaxDailyLoss:    d.MaxDailyLoss,
		TradingDisabled: d.TradingDisabled,
	}
}

// VariantDefinition is one experiment arm in the policy file.
type VariantDefinition struct {
	TemplateID string `mapstructure:"template_id"`
	Weight     int    `mapstructure:"weight"`
}

// ExperimentDefinition is one A/B experiment in the policy file.
type ExperimentDefinition struct {
	Name        string              `mapstructure:"name"`
	Instruments []string            `mapstructure:"instruments"`
	Variants    []VariantDefinition `mapstructure:"variants"`
}

// FileConfig is the full policy file structure.
type FileConfig struct {
	Limits struct {
		Default   LimitsDefinition            `mapstructure:"default"`
		Overrides map[string]LimitsDefinition `mapstructure:"overrides"`
	} `mapstructure:"limits"`
	Experiments []ExperimentDefinition `mapstructure:"experiments"`
}

// PolicySnapshot is the read-only view handed to cycles. A cycle reads one
// snapshot at its start and never sees a mid-cycle change.
type PolicySnapshot struct {
	Version       int64
	LoadedAt      time.Time
	DefaultLimits risk.Limits
	Overrides     map[string]risk.Limits
	Experiments   []router.Experiment
}

// LimitsFor resolves the limits for one instrument, override first.
func (s PolicySnapshot) LimitsFor(instrument string) risk.Limits {
	key := strings.ToUpper(strings.TrimSpace(instrument))
	if l, ok := s.Overrides[key]; ok {
		return l
	}
	return s.DefaultLimits
}

// ChangeListener is invoked on every published snapshot.
type ChangeListener func(PolicySnapshot)

// PolicyLoader loads risk limits and experiment definitions from a YAML file
// and watches it for hot updates. A broken edit keeps the previous snapshot.
type PolicyLoader struct {
	path     string
	v        *viper.Viper
	fallback risk.Limits

	mu        sync.RWMutex
	snapshot  PolicySnapshot
	listeners []ChangeListener
}

// NewPolicyLoader reads the policy file and starts watching it. The fallback
// limits fill any field the file leaves unset.
func NewPolicyLoader(path string, fallback risk.Limits) (*PolicyLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("policy loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy config failed: %w", err)
	}
	l := &PolicyLoader{path: path, v: v, fallback: fallback}
	if err := l.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := l.reload(); err != nil {
			logger.Errorf("policy reload failed (%s): %v", evt.Name, err)
			return
		}
		l.notify()
	})
	v.WatchConfig()
	return l, nil
}

// Static builds a loader-shaped provider around fixed limits, for setups
// without a policy file.
func Static(limits risk.Limits) *PolicyLoader {
	l := &PolicyLoader{fallback: limits}
	l.snapshot = PolicySnapshot{
		Version:       1,
		LoadedAt:      time.Now(),
		DefaultLimits: limits,
	}
	return l
}

// Snapshot returns the current policy snapshot.
func (l *PolicyLoader) Snapshot() PolicySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// LimitsFor is a convenience passthrough for the scheduler's limits hook.
func (l *PolicyLoader) LimitsFor(instrument string) risk.Limits {
	return l.Snapshot().LimitsFor(instrument)
}

// Experiments is the router's experiments hook.
func (l *PolicyLoader) Experiments() []router.Experiment {
	return l.Snapshot().Experiments
}

// Subscribe registers a listener and immediately delivers the current
// snapshot to it.
func (l *PolicyLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("policy listener panic: %v", r)
			}
		}()
		fn(snap)
	}()
}

func (l *PolicyLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("policy listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (l *PolicyLoader) reload() error {
	var fileCfg FileConfig
	if err := l.v.Unmarshal(&fileCfg); err != nil {
		return fmt.Errorf("parse policy config failed: %w", err)
	}

	defaults := mergeLimits(fileCfg.Limits.Default, l.fallback)
	overrides := make(map[string]risk.Limits, len(fileCfg.Limits.Overrides))
	for instrument, def := range fileCfg.Limits.Overrides {
		key := strings.ToUpper(strings.TrimSpace(instrument))
		if key == "" {
			continue
		}
		overrides[key] = mergeLimits(def, defaults)
	}

	experiments, err := normalizeExperiments(fileCfg.Experiments)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.snapshot = PolicySnapshot{
		Version:       l.snapshot.Version + 1,
		LoadedAt:      time.Now(),
		DefaultLimits: defaults,
		Overrides:     overrides,
		Experiments:   experiments,
	}
	l.mu.Unlock()
	logger.Infof("policy loader reloaded %d overrides and %d experiments from %s",
		len(overrides), len(experiments), filepath.Base(l.path))
	return nil
}

// mergeLimits fills unset numeric fields from the fallback. TradingDisabled
// is taken from the file as-is: an explicit false must stick.
func mergeLimits(def LimitsDefinition, fallback risk.Limits) risk.Limits {
	out := def.toLimits()
	if out.MinConfidence <= 0 {
		out.MinConfidence = fallback.MinConfidence
	}
	if out.MaxPositionSize <= 0 {
		out.MaxPositionSize = fallback.MaxPositionSize
	}
	if out.MaxDailyLoss <= 0 {
		out.MaxDailyLoss = fallback.MaxDailyLoss
	}
	return out
}

func normalizeExperiments(defs []ExperimentDefinition) ([]router.Experiment, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(defs))
	out := make([]router.Experiment, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("policy experiment requires name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate policy experiment %q", name)
		}
		seen[name] = true
		if len(def.Variants) == 0 {
			return nil, fmt.Errorf("policy experiment %q requires at least one variant", name)
		}
		variants := make([]router.ExperimentVariant, 0, len(def.Variants))
		for _, v := range def.Variants {
			id := strings.TrimSpace(v.TemplateID)
			if id == "" {
				return nil, fmt.Errorf("policy experiment %q has variant without template_id", name)
			}
			variants = append(variants, router.ExperimentVariant{TemplateID: id, Weight: v.Weight})
		}
		instruments := make([]string, 0, len(def.Instruments))
		for _, in := range def.Instruments {
			s := strings.ToUpper(strings.TrimSpace(in))
			if s != "" {
				instruments = append(instruments, s)
			}
		}
		out = append(out, router.Experiment{
			Name:        name,
			Instruments: instruments,
			Variants:    variants,
		})
	}
	return out, nil
}

func cloneSnapshot(src PolicySnapshot) PolicySnapshot {
	dst := PolicySnapshot{
		Version:       src.Version,
		LoadedAt:      src.LoadedAt,
		DefaultLimits: src.DefaultLimits,
		Overrides:     make(map[string]risk.Limits, len(src.Overrides)),
		Experiments:   append([]router.Experiment(nil), src.Experiments...),
	}
	for k, v := range src.Overrides {
		dst.Overrides[k] = v
	}
	return dst
}
