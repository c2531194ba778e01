package config

import (
	"fmt"
	"strings"
)

// validate runs basic sanity checks. Startup fails fast on the first error.
func validate(c *Config) error {
	if c.App.ModelDump && strings.TrimSpace(c.App.ModelLogPath) == "" {
		return fmt.Errorf("app.model_log_path cannot be empty when app.model_dump_payload is enabled")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Model.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if len(s.Instruments) == 0 {
		return fmt.Errorf("scheduler.instruments requires at least one instrument")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if s.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive")
	}
	t := s.Timeouts
	if t.Snapshot <= 0 || t.Decide <= 0 || t.Execute <= 0 || t.Feedback <= 0 {
		return fmt.Errorf("scheduler.timeouts must all be positive")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	enabled := 0
	for _, src := range m.Sources {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("market.sources contains entry without name")
		}
		if src.Enabled {
			enabled++
			if strings.TrimSpace(src.RESTBaseURL) == "" {
				return fmt.Errorf("market.sources.%s missing rest_base_url", src.Name)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	return nil
}

func (m *ModelConfig) validate() error {
	if len(m.Models) == 0 {
		return fmt.Errorf("model.models requires at least one entry")
	}
	resolved, ok := m.ResolveActiveModel()
	if !ok {
		return fmt.Errorf("model.active %q does not match any configured model", m.Active)
	}
	if strings.TrimSpace(resolved.Model) == "" {
		return fmt.Errorf("model.models entry %s missing model name", resolved.ID)
	}
	if strings.TrimSpace(resolved.APIURL) == "" {
		return fmt.Errorf("model.models entry %s missing api_url (can inherit from preset)", resolved.ID)
	}
	for _, entry := range m.Models {
		if strings.TrimSpace(entry.ID) == "" {
			return fmt.Errorf("model.models contains entry without id")
		}
		if entry.Preset != "" {
			if _, ok := m.Presets[entry.Preset]; !ok {
				return fmt.Errorf("model.models.%s references unknown preset %q", entry.ID, entry.Preset)
			}
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in [0,1]")
	}
	if r.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be positive")
	}
	if r.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be positive")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Mode {
	case "paper":
	case "binance":
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
			return fmt.Errorf("exchange.mode binance requires api_key and api_secret")
		}
	default:
		return fmt.Errorf("exchange.mode must be paper or binance, got %q", e.Mode)
	}
	for instrument, venue := range e.Routes {
		v := strings.ToLower(strings.TrimSpace(venue))
		if v != "paper" && v != "binance" {
			return fmt.Errorf("exchange.routes.%s references unknown venue %q", instrument, venue)
		}
	}
	return nil
}
