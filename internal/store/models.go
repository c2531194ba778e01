package store

import (
	"gorm.io/datatypes"
)

type decisionModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	DecisionID      string         `gorm:"column:decision_id;uniqueIndex"`
	Instrument      string         `gorm:"column:instrument;index"`
	Action          string         `gorm:"column:action"`
	Size            float64        `gorm:"column:size"`
	Confidence      float64        `gorm:"column:confidence"`
	Rationale       string         `gorm:"column:rationale"`
	TemplateVersion string         `gorm:"column:template_version;index"`
	Variant         string         `gorm:"column:variant"`
	ModelID         string         `gorm:"column:model_id"`
	LatencyMs       int64          `gorm:"column:latency_ms"`
	Raw             datatypes.JSON `gorm:"column:raw;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
}

func (decisionModel) TableName() string { return "decisions" }

type verdictModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	DecisionID    string  `gorm:"column:decision_id;uniqueIndex"`
	Instrument    string  `gorm:"column:instrument;index"`
	Kind          string  `gorm:"column:kind"`
	AdjustedSize  float64 `gorm:"column:adjusted_size"`
	Reason        string  `gorm:"column:reason"`
	Detail        string  `gorm:"column:detail"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
}

func (verdictModel) TableName() string { return "risk_verdicts" }

type executionModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	DecisionID    string  `gorm:"column:decision_id;uniqueIndex"`
	Instrument    string  `gorm:"column:instrument;index"`
	OrderID       string  `gorm:"column:order_id"`
	Status        string  `gorm:"column:status"`
	ExecutedPrice float64 `gorm:"column:executed_price"`
	ExecutedSize  float64 `gorm:"column:executed_size"`
	Error         string  `gorm:"column:error"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
}

func (executionModel) TableName() string { return "executions" }

// outcomeModel's decision id is nullable: failure outcomes written before a
// decision exists carry NULL, and NULLs never collide on the unique index, so
// every aborted cycle keeps its own row.
type outcomeModel struct {
	ID              int64   `gorm:"column:id;primaryKey"`
	DecisionID      *string `gorm:"column:decision_id;uniqueIndex"`
	Instrument      string  `gorm:"column:instrument;index"`
	Action          string  `gorm:"column:action"`
	TemplateVersion string  `gorm:"column:template_version;index"`
	Variant         string  `gorm:"column:variant"`
	Source          string  `gorm:"column:source"`
	VerdictKind     string  `gorm:"column:verdict_kind"`
	VerdictReason   string  `gorm:"column:verdict_reason"`
	FillStatus      string  `gorm:"column:fill_status"`
	ExecutedPrice   float64 `gorm:"column:executed_price"`
	ExecutedSize    float64 `gorm:"column:executed_size"`
	RealizedPnL     float64 `gorm:"column:realized_pnl"`
	UnrealizedPnL   float64 `gorm:"column:unrealized_pnl"`
	FailureReason   string  `gorm:"column:failure_reason"`
	Degraded        bool    `gorm:"column:degraded"`
	CreatedAtUnix   int64   `gorm:"column:created_at"`
}

func (outcomeModel) TableName() string { return "outcomes" }

type riskEventModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	DecisionID    string `gorm:"column:decision_id;index"`
	Instrument    string `gorm:"column:instrument;index"`
	Reason        string `gorm:"column:reason"`
	Severity      string `gorm:"column:severity"`
	Detail        string `gorm:"column:detail"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (riskEventModel) TableName() string { return "risk_events" }

type submissionModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	DecisionID    string `gorm:"column:decision_id;uniqueIndex"`
	Instrument    string `gorm:"column:instrument"`
	Exchange      string `gorm:"column:exchange"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (submissionModel) TableName() string { return "submissions" }

type instrumentStateModel struct {
	ID             int64   `gorm:"column:id;primaryKey"`
	Instrument     string  `gorm:"column:instrument;uniqueIndex"`
	PositionSize   float64 `gorm:"column:position_size"`
	EntryPrice     float64 `gorm:"column:entry_price"`
	DailyPnL       float64 `gorm:"column:daily_pnl"`
	LastDecisionAt int64   `gorm:"column:last_decision_at"`
	UpdatedAtUnix  int64   `gorm:"column:updated_at"`
}

func (instrumentStateModel) TableName() string { return "instrument_states" }
