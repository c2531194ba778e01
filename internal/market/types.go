package market

import (
	"errors"
	"time"
)

// ErrSnapshotUnavailable is returned when no configured source produced a
// snapshot before the stage deadline. The cycle aborts; a missing snapshot is
// an observability gap, not a HOLD.
var ErrSnapshotUnavailable = errors.New("SNAPSHOT_UNAVAILABLE")

type Kline struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// IndicatorSummary is derived from the kline window at capture time and
// injected into the rendered prompt alongside raw prices.
type IndicatorSummary struct {
	RSI14 float64 `json:"rsi_14"`
	EMA20 float64 `json:"ema_20"`
	EMA50 float64 `json:"ema_50"`
	ATR14 float64 `json:"atr_14"`
}

// Snapshot is an immutable per-cycle view of one instrument's market state.
// It is produced fresh each cycle and never mutated after creation.
type Snapshot struct {
	Instrument string           `json:"instrument"`
	CapturedAt time.Time        `json:"captured_at"`
	BestBid    float64          `json:"best_bid"`
	BestAsk    float64          `json:"best_ask"`
	LastPrice  float64          `json:"last_price"`
	Klines     []Kline          `json:"klines"`
	Source     string           `json:"source"`
	Indicators IndicatorSummary `json:"indicators"`
}

// Mid returns the bid/ask midpoint, falling back to the last traded price.
func (s Snapshot) Mid() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return (s.BestBid + s.BestAsk) / 2
	}
	return s.LastPrice
}
