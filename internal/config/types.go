package config

import (
	"strings"
	"time"
)

// Config is the main configuration carrier, assembled from the root file and
// its includes.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Market    MarketConfig    `yaml:"market"`
	Model     ModelConfig     `yaml:"model"`
	Templates TemplateConfig  `yaml:"templates"`
	Risk      RiskConfig      `yaml:"risk"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Store     StoreConfig     `yaml:"store"`
}

type AppConfig struct {
	Env          string `yaml:"env"`
	LogLevel     string `yaml:"log_level"`
	HTTPAddr     string `yaml:"http_addr"`
	LogPath      string `yaml:"log_path"`
	ModelLogPath string `yaml:"model_log_path"`
	ModelDump    bool   `yaml:"model_dump_payload"`
}

type SchedulerConfig struct {
	Instruments    []string      `yaml:"instruments"`
	Interval       time.Duration `yaml:"interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	Timeouts       TimeoutConfig `yaml:"timeouts"`
}

// TimeoutConfig bounds each cycle stage independently.
type TimeoutConfig struct {
	Snapshot time.Duration `yaml:"snapshot"`
	Decide   time.Duration `yaml:"decide"`
	Execute  time.Duration `yaml:"execute"`
	Feedback time.Duration `yaml:"feedback"`
}

type MarketConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	KlineInterval string        `yaml:"kline_interval"`
	KlineLimit    int           `yaml:"kline_limit"`
	Sources       []MarketSource `yaml:"sources"`
}

type MarketSource struct {
	Name        string `yaml:"name"`
	Enabled     bool   `yaml:"enabled"`
	RESTBaseURL string `yaml:"rest_base_url"`
}

// EnabledSources returns the sources to try, in file order.
func (m MarketConfig) EnabledSources() []MarketSource {
	out := make([]MarketSource, 0, len(m.Sources))
	for _, src := range m.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// ModelConfig selects the decision model backend. Presets hold reusable
// connection settings; the active model may override any of them.
type ModelConfig struct {
	Active      string                 `yaml:"active"`
	MaxRetries  int                    `yaml:"max_retries"`
	Temperature float64                `yaml:"temperature"`
	Presets     map[string]ModelPreset `yaml:"presets"`
	Models      []ModelEntry           `yaml:"models"`
}

type ModelPreset struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
}

type ModelEntry struct {
	ID     string `yaml:"id"`
	Preset string `yaml:"preset"`
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ResolvedModel is the model entry with its preset folded in.
type ResolvedModel struct {
	ID     string
	APIURL string
	APIKey string
	Model  string
}

// ResolveActiveModel merges the active entry with its preset. Entry fields
// win over preset fields.
func (m ModelConfig) ResolveActiveModel() (ResolvedModel, bool) {
	active := strings.TrimSpace(m.Active)
	for _, entry := range m.Models {
		if active != "" && !strings.EqualFold(entry.ID, active) {
			continue
		}
		resolved := ResolvedModel{
			ID:     entry.ID,
			APIURL: strings.TrimSpace(entry.APIURL),
			APIKey: strings.TrimSpace(entry.APIKey),
			Model:  strings.TrimSpace(entry.Model),
		}
		if preset, ok := m.Presets[entry.Preset]; ok {
			if resolved.APIURL == "" {
				resolved.APIURL = strings.TrimSpace(preset.APIURL)
			}
			if resolved.APIKey == "" {
				resolved.APIKey = strings.TrimSpace(preset.APIKey)
			}
		}
		return resolved, true
	}
	return ResolvedModel{}, false
}

type TemplateConfig struct {
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
}

// RiskConfig holds the static limit defaults plus the path of the
// hot-reloadable policy file that can override them at runtime.
type RiskConfig struct {
	PolicyPath      string  `yaml:"policy_path"`
	MinConfidence   float64 `yaml:"min_confidence"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	TradingDisabled bool    `yaml:"trading_disabled"`
}

type ExchangeConfig struct {
	// Mode selects the default venue: "paper" or "binance".
	Mode        string            `yaml:"mode"`
	APIKey      string            `yaml:"api_key"`
	APISecret   string            `yaml:"api_secret"`
	SlippageBps int               `yaml:"paper_slippage_bps"`
	Routes      map[string]string `yaml:"routes"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// keySet tracks which field paths were explicitly set in the files, so
// defaults only fill genuine gaps.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

// fieldDefault is one default-value rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
