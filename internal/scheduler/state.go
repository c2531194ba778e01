package scheduler

import (
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

// InstrumentState is the per-instrument mutable record. It is exclusively
// owned by the Scheduler; cycles operate on an immutable copy taken at
// dispatch time, and updates are applied only between cycles. The in-flight
// flag guarantees serial mutation per instrument.
type InstrumentState struct {
	Instrument     string
	NextDue        time.Time
	InFlight       bool
	PositionSize   float64
	EntryPrice     float64
	DailyPnL       float64
	PnLDay         string
	LastDecisionAt time.Time
}

// View returns the immutable copy handed to the router and risk gate.
func (s *InstrumentState) View() router.PositionView {
	return router.PositionView{
		Size:       s.PositionSize,
		EntryPrice: s.EntryPrice,
		DailyPnL:   s.DailyPnL,
	}
}

func (s *InstrumentState) record() store.InstrumentStateRecord {
	return store.InstrumentStateRecord{
		Instrument:     s.Instrument,
		PositionSize:   s.PositionSize,
		EntryPrice:     s.EntryPrice,
		DailyPnL:       s.DailyPnL,
		LastDecisionAt: s.LastDecisionAt,
	}
}

// rollDay zeroes the daily PnL counter when the UTC day changes.
func (s *InstrumentState) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if s.PnLDay != day {
		s.PnLDay = day
		s.DailyPnL = 0
	}
}

// applyFill folds an executed fill into position and PnL accounting.
// Buys extend or flip the position; sells realize PnL against the average
// entry price for the closed portion.
func (s *InstrumentState) applyFill(action router.Action, price, size float64, now time.Time) {
	if size <= 0 || price <= 0 {
		return
	}
	s.rollDay(now)
	switch action {
	case router.ActionBuy:
		total := s.PositionSize + size
		if total > 0 {
			s.EntryPrice = (s.EntryPrice*s.PositionSize + price*size) / total
		}
		s.PositionSize = total
	case router.ActionSell:
		closed := size
		if closed > s.PositionSize {
			closed = s.PositionSize
		}
		if closed > 0 {
			s.DailyPnL += (price - s.EntryPrice) * closed
		}
		s.PositionSize -= size
		if s.PositionSize <= 0 {
			s.PositionSize = 0
			s.EntryPrice = 0
		}
	}
}
