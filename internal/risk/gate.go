package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/allenxing4071/aicoin-sub002/internal/router"
)

type VerdictKind string

const (
	VerdictApprove VerdictKind = "APPROVE"
	VerdictModify  VerdictKind = "MODIFY"
	VerdictReject  VerdictKind = "REJECT"
)

type ReasonCode string

const (
	ReasonLowConfidence  ReasonCode = "LOW_CONFIDENCE"
	ReasonPositionLimit  ReasonCode = "POSITION_LIMIT"
	ReasonDailyLossLimit ReasonCode = "DAILY_LOSS_LIMIT"
	ReasonTradingOff     ReasonCode = "TRADING_DISABLED"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Limits are the per-instrument constraints, read from the hot-reloadable
// config snapshot at cycle start.
type Limits struct {
	MinConfidence   float64
	MaxPositionSize float64
	MaxDailyLoss    float64
	TradingDisabled bool
}

// Verdict is produced exactly once per Decision.
type Verdict struct {
	DecisionID   string      `json:"decision_id"`
	Kind         VerdictKind `json:"kind"`
	AdjustedSize float64     `json:"adjusted_size"`
	Reason       ReasonCode  `json:"reason,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Approved reports whether the decision may reach the execution adapter.
func (v Verdict) Approved() bool {
	return v.Kind == VerdictApprove || v.Kind == VerdictModify
}

// ExecutableSize is the size the executor should submit.
func (v Verdict) ExecutableSize(original float64) float64 {
	if v.Kind == VerdictModify {
		return v.AdjustedSize
	}
	return original
}

// Event is the gate's operator-visible warning channel. Every REJECT and
// MODIFY emits exactly one.
type Event struct {
	DecisionID string     `json:"decision_id"`
	Instrument string     `json:"instrument"`
	Reason     ReasonCode `json:"reason"`
	Severity   Severity   `json:"severity"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Evaluate is a pure function of (decision, state copy, limits). Checks run
// in a fixed order and short-circuit on the first failure.
func Evaluate(d router.Decision, pos router.PositionView, limits Limits) (Verdict, *Event) {
	now := time.Now().UTC()
	verdict := Verdict{DecisionID: d.ID, Kind: VerdictApprove, CreatedAt: now}

	reject := func(reason ReasonCode, detail string) (Verdict, *Event) {
		verdict.Kind = VerdictReject
		verdict.Reason = reason
		verdict.Detail = detail
		return verdict, &Event{
			DecisionID: d.ID,
			Instrument: d.Instrument,
			Reason:     reason,
			Severity:   severityFor(reason),
			Detail:     detail,
			CreatedAt:  now,
		}
	}

	if d.Confidence < limits.MinConfidence {
		return reject(ReasonLowConfidence,
			fmt.Sprintf("confidence %.2f below minimum %.2f", d.Confidence, limits.MinConfidence))
	}

	if d.Action != router.ActionHold && limits.MaxPositionSize > 0 {
		headroom := positionHeadroom(d, pos, limits.MaxPositionSize)
		switch {
		case headroom.Sign() <= 0:
			return reject(ReasonPositionLimit,
				fmt.Sprintf("position %.6g already at cap %.6g", pos.Size, limits.MaxPositionSize))
		case headroom.LessThan(decimal.NewFromFloat(d.Size)):
			clamped, _ := headroom.Float64()
			verdict.Kind = VerdictModify
			verdict.Reason = ReasonPositionLimit
			verdict.AdjustedSize = clamped
			verdict.Detail = fmt.Sprintf("size %.6g clamped to %.6g by cap %.6g", d.Size, clamped, limits.MaxPositionSize)
		}
	}

	if limits.MaxDailyLoss > 0 && pos.DailyPnL <= -limits.MaxDailyLoss {
		return reject(ReasonDailyLossLimit,
			fmt.Sprintf("daily pnl %.6g breaches loss cap %.6g", pos.DailyPnL, limits.MaxDailyLoss))
	}

	if limits.TradingDisabled && d.Action != router.ActionHold {
		return reject(ReasonTradingOff, "manual trading-disabled override is active")
	}

	if verdict.Kind == VerdictModify {
		return verdict, &Event{
			DecisionID: d.ID,
			Instrument: d.Instrument,
			Reason:     verdict.Reason,
			Severity:   severityFor(verdict.Reason),
			Detail:     verdict.Detail,
			CreatedAt:  now,
		}
	}
	return verdict, nil
}

// positionHeadroom computes how much exposure the instrument may still add
// in the decision's direction before hitting the cap.
func positionHeadroom(d router.Decision, pos router.PositionView, maxSize float64) decimal.Decimal {
	capD := decimal.NewFromFloat(maxSize)
	cur := decimal.NewFromFloat(pos.Size)
	if d.Action == router.ActionSell {
		cur = cur.Neg()
	}
	return capD.Sub(cur)
}

func severityFor(reason ReasonCode) Severity {
	switch reason {
	case ReasonDailyLossLimit:
		return SeverityCritical
	case ReasonPositionLimit, ReasonTradingOff:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
