package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/allenxing4071/aicoin-sub002/internal/executor"
	"github.com/allenxing4071/aicoin-sub002/internal/risk"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
)

// OutcomeRecord joins a Decision with its verdict, execution and realized
// result. Append-only audit trail; also the input to feedback aggregation.
type OutcomeRecord struct {
	DecisionID      string    `json:"decision_id"`
	Instrument      string    `json:"instrument"`
	Action          string    `json:"action"`
	TemplateVersion string    `json:"template_version"`
	Variant         string    `json:"variant"`
	Source          string    `json:"source"`
	VerdictKind     string    `json:"verdict_kind"`
	VerdictReason   string    `json:"verdict_reason"`
	FillStatus      string    `json:"fill_status"`
	ExecutedPrice   float64   `json:"executed_price"`
	ExecutedSize    float64   `json:"executed_size"`
	RealizedPnL     float64   `json:"realized_pnl"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Degraded        bool      `json:"degraded"`
	CreatedAt       time.Time `json:"created_at"`
}

// InstrumentStateRecord is the persisted form of per-instrument state, read
// back on startup for recovery.
type InstrumentStateRecord struct {
	Instrument     string
	PositionSize   float64
	EntryPrice     float64
	DailyPnL       float64
	LastDecisionAt time.Time
	UpdatedAt      time.Time
}

// Store is the append-only persistence collaborator on SQLite via gorm.
// All decision-keyed writes are idempotent: replays of the same decision id
// are silently dropped.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&decisionModel{},
		&verdictModel{},
		&executionModel{},
		&outcomeModel{},
		&riskEventModel{},
		&submissionModel{},
		&instrumentStateModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep the pool small so writer lock contention stays low
	// while HTTP reads still get a connection.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func appendOnly(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "decision_id"}},
		DoNothing: true,
	})
}

func (s *Store) AppendDecision(ctx context.Context, d router.Decision) error {
	raw, _ := json.Marshal(d)
	m := decisionModel{
		DecisionID:      d.ID,
		Instrument:      d.Instrument,
		Action:          string(d.Action),
		Size:            d.Size,
		Confidence:      d.Confidence,
		Rationale:       d.Rationale,
		TemplateVersion: d.TemplateVersion,
		Variant:         d.Variant,
		ModelID:         d.ModelID,
		LatencyMs:       d.Latency.Milliseconds(),
		Raw:             raw,
		CreatedAtUnix:   d.CreatedAt.Unix(),
	}
	return appendOnly(s.db.WithContext(ctx)).Create(&m).Error
}

func (s *Store) AppendVerdict(ctx context.Context, instrument string, v risk.Verdict) error {
	m := verdictModel{
		DecisionID:    v.DecisionID,
		Instrument:    instrument,
		Kind:          string(v.Kind),
		AdjustedSize:  v.AdjustedSize,
		Reason:        string(v.Reason),
		Detail:        v.Detail,
		CreatedAtUnix: v.CreatedAt.Unix(),
	}
	return appendOnly(s.db.WithContext(ctx)).Create(&m).Error
}

func (s *Store) AppendExecution(ctx context.Context, decisionID string, res executor.Result) error {
	m := executionModel{
		DecisionID:    decisionID,
		Instrument:    res.Instrument,
		OrderID:       res.OrderID,
		Status:        string(res.Status),
		ExecutedPrice: res.ExecutedPrice,
		ExecutedSize:  res.ExecutedSize,
		Error:         res.Error,
		CreatedAtUnix: time.Now().Unix(),
	}
	return appendOnly(s.db.WithContext(ctx)).Create(&m).Error
}

func (s *Store) AppendOutcome(ctx context.Context, rec OutcomeRecord) error {
	m := outcomeModel{
		DecisionID:      nullableID(rec.DecisionID),
		Instrument:      rec.Instrument,
		Action:          rec.Action,
		TemplateVersion: rec.TemplateVersion,
		Variant:         rec.Variant,
		Source:          rec.Source,
		VerdictKind:     rec.VerdictKind,
		VerdictReason:   rec.VerdictReason,
		FillStatus:      rec.FillStatus,
		ExecutedPrice:   rec.ExecutedPrice,
		ExecutedSize:    rec.ExecutedSize,
		RealizedPnL:     rec.RealizedPnL,
		UnrealizedPnL:   rec.UnrealizedPnL,
		FailureReason:   rec.FailureReason,
		Degraded:        rec.Degraded,
		CreatedAtUnix:   rec.CreatedAt.Unix(),
	}
	// Only decision-keyed outcomes take the idempotent path. Failure outcomes
	// with no decision carry NULL ids, which never conflict, so each one lands.
	if m.DecisionID == nil {
		return s.db.WithContext(ctx).Create(&m).Error
	}
	return appendOnly(s.db.WithContext(ctx)).Create(&m).Error
}

// nullableID maps an empty decision id to NULL so the unique index only
// applies to real decisions.
func nullableID(id string) *string {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return &id
}

func (s *Store) AppendRiskEvent(ctx context.Context, ev risk.Event) error {
	m := riskEventModel{
		DecisionID:    ev.DecisionID,
		Instrument:    ev.Instrument,
		Reason:        string(ev.Reason),
		Severity:      string(ev.Severity),
		Detail:        ev.Detail,
		CreatedAtUnix: ev.CreatedAt.Unix(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// MarkAttempted implements executor.SubmissionLog.
func (s *Store) MarkAttempted(ctx context.Context, decisionID, instrument, exchange string) error {
	m := submissionModel{
		DecisionID:    decisionID,
		Instrument:    instrument,
		Exchange:      exchange,
		CreatedAtUnix: time.Now().Unix(),
	}
	return appendOnly(s.db.WithContext(ctx)).Create(&m).Error
}

// WasAttempted implements executor.SubmissionLog.
func (s *Store) WasAttempted(ctx context.Context, decisionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&submissionModel{}).
		Where("decision_id = ?", decisionID).
		Count(&count).Error
	return count > 0, err
}

// PendingSubmissions lists attempted submissions with no recorded execution
// result: the orphans a crash or forced shutdown leaves behind.
func (s *Store) PendingSubmissions(ctx context.Context) ([]executor.PendingSubmission, error) {
	var models []submissionModel
	err := s.db.WithContext(ctx).
		Where("decision_id NOT IN (?)",
			s.db.Model(&executionModel{}).Select("decision_id")).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]executor.PendingSubmission, 0, len(models))
	for _, m := range models {
		out = append(out, executor.PendingSubmission{
			DecisionID: m.DecisionID,
			Instrument: m.Instrument,
		})
	}
	return out, nil
}

func (s *Store) SaveInstrumentState(ctx context.Context, rec InstrumentStateRecord) error {
	m := instrumentStateModel{
		Instrument:     rec.Instrument,
		PositionSize:   rec.PositionSize,
		EntryPrice:     rec.EntryPrice,
		DailyPnL:       rec.DailyPnL,
		LastDecisionAt: rec.LastDecisionAt.Unix(),
		UpdatedAtUnix:  time.Now().Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instrument"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"position_size", "entry_price", "daily_pnl", "last_decision_at", "updated_at",
		}),
	}).Create(&m).Error
}

func (s *Store) LoadInstrumentStates(ctx context.Context) ([]InstrumentStateRecord, error) {
	var models []instrumentStateModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]InstrumentStateRecord, 0, len(models))
	for _, m := range models {
		out = append(out, InstrumentStateRecord{
			Instrument:     m.Instrument,
			PositionSize:   m.PositionSize,
			EntryPrice:     m.EntryPrice,
			DailyPnL:       m.DailyPnL,
			LastDecisionAt: time.Unix(m.LastDecisionAt, 0),
			UpdatedAt:      time.Unix(m.UpdatedAtUnix, 0),
		})
	}
	return out, nil
}

// RecentOutcomes serves the read-only reporting surface and feedback
// aggregation, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []outcomeModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]OutcomeRecord, 0, len(models))
	for _, m := range models {
		var decisionID string
		if m.DecisionID != nil {
			decisionID = *m.DecisionID
		}
		out = append(out, OutcomeRecord{
			DecisionID:      decisionID,
			Instrument:      m.Instrument,
			Action:          m.Action,
			TemplateVersion: m.TemplateVersion,
			Variant:         m.Variant,
			Source:          m.Source,
			VerdictKind:     m.VerdictKind,
			VerdictReason:   m.VerdictReason,
			FillStatus:      m.FillStatus,
			ExecutedPrice:   m.ExecutedPrice,
			ExecutedSize:    m.ExecutedSize,
			RealizedPnL:     m.RealizedPnL,
			UnrealizedPnL:   m.UnrealizedPnL,
			FailureReason:   m.FailureReason,
			Degraded:        m.Degraded,
			CreatedAt:       time.Unix(m.CreatedAtUnix, 0),
		})
	}
	return out, nil
}

var _ executor.SubmissionLog = (*Store)(nil)
