package router

import (
	"errors"
	"time"
)

var (
	// ErrTemplateRender marks a rendering failure (missing required field).
	ErrTemplateRender = errors.New("TEMPLATE_RENDER_ERROR")
	// ErrModelUnavailable marks retry exhaustion against the model backend.
	// The system never fabricates a decision in its place.
	ErrModelUnavailable = errors.New("MODEL_UNAVAILABLE")
	// ErrDecisionParse marks malformed model output. A malformed decision is
	// never coerced into a guess.
	ErrDecisionParse = errors.New("DECISION_PARSE_ERROR")
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// Decision is the model's proposed trading action for one cycle. Immutable
// once created; the risk gate and executor only read it.
type Decision struct {
	ID              string        `json:"id"`
	Instrument      string        `json:"instrument"`
	Action          Action        `json:"action"`
	Size            float64       `json:"size"`
	Confidence      float64       `json:"confidence"`
	Rationale       string        `json:"rationale"`
	TemplateVersion string        `json:"template_version"`
	Variant         string        `json:"variant"`
	ModelID         string        `json:"model_id"`
	Latency         time.Duration `json:"latency"`
	CreatedAt       time.Time     `json:"created_at"`
}

// PositionView is the immutable copy of per-instrument position state handed
// to the router for rendering. The scheduler owns the live record.
type PositionView struct {
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	DailyPnL   float64 `json:"daily_pnl"`
}

// Lesson is a durable pattern->outcome entry derived from past cycles.
type Lesson struct {
	Pattern   string    `json:"pattern"`
	Outcome   string    `json:"outcome"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Memory is the read-only feedback snapshot consumed at render time. A new
// immutable value is published atomically by the feedback aggregator; the
// router never observes a partially updated set.
type Memory struct {
	Lessons           []Lesson           `json:"lessons"`
	SourceReliability map[string]float64 `json:"source_reliability"`
	TemplateStats     map[string]Perf    `json:"template_stats"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Perf is a rolling performance metric for one template version.
type Perf struct {
	Cycles  int     `json:"cycles"`
	Wins    int     `json:"wins"`
	AvgPnL  float64 `json:"avg_pnl"`
	WinRate float64 `json:"win_rate"`
}
