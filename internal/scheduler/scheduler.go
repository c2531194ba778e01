package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/allenxing4071/aicoin-sub002/internal/executor"
	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/market"
	"github.com/allenxing4071/aicoin-sub002/internal/risk"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

// SnapshotProvider is the market stage dependency.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, instrument string) (market.Snapshot, error)
}

// Decider is the prompt/model stage dependency.
type Decider interface {
	Decide(ctx context.Context, snap market.Snapshot, pos router.PositionView) (router.Decision, error)
}

// Submitter is the execution stage dependency.
type Submitter interface {
	Submit(ctx context.Context, order executor.Order) (executor.Result, error)
}

// OutcomeSink is the feedback stage dependency.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, rec store.OutcomeRecord) error
}

// AuditLog is the append-only persistence used for the audit trail.
// Satisfied by *store.Store.
type AuditLog interface {
	AppendDecision(ctx context.Context, d router.Decision) error
	AppendVerdict(ctx context.Context, instrument string, v risk.Verdict) error
	AppendExecution(ctx context.Context, decisionID string, res executor.Result) error
	AppendRiskEvent(ctx context.Context, ev risk.Event) error
	SaveInstrumentState(ctx context.Context, rec store.InstrumentStateRecord) error
}

// LimitsFunc resolves the current risk limits for an instrument, reading the
// hot-reloadable config snapshot at cycle start.
type LimitsFunc func(instrument string) risk.Limits

// StageTimeouts bound each downstream stage independently.
type StageTimeouts struct {
	Snapshot time.Duration
	Decide   time.Duration
	Execute  time.Duration
	Feedback time.Duration
}

func (t StageTimeouts) withDefaults() StageTimeouts {
	if t.Snapshot <= 0 {
		t.Snapshot = 10 * time.Second
	}
	if t.Decide <= 0 {
		t.Decide = 2 * time.Minute
	}
	if t.Execute <= 0 {
		t.Execute = 30 * time.Second
	}
	if t.Feedback <= 0 {
		t.Feedback = 10 * time.Second
	}
	return t
}

type Params struct {
	Instruments    []string
	Interval       time.Duration
	MaxConcurrency int
	Timeouts       StageTimeouts
	GracePeriod    time.Duration

	Provider SnapshotProvider
	Decider  Decider
	Executor Submitter
	Feedback OutcomeSink
	Audit    AuditLog
	Limits   LimitsFunc
}

// Scheduler drives one decision cycle per instrument per interval, with
// at-most-one-in-flight per instrument and a global concurrency cap.
type Scheduler struct {
	instruments    []string
	interval       time.Duration
	timeouts       StageTimeouts
	gracePeriod    time.Duration
	maxConcurrency int64

	provider SnapshotProvider
	decider  Decider
	executor Submitter
	feedback OutcomeSink
	audit    AuditLog
	limitsFn LimitsFunc

	sem   *semaphore.Weighted
	nowFn func() time.Time

	mu     sync.Mutex
	states map[string]*InstrumentState

	wg sync.WaitGroup
}

func New(p Params) (*Scheduler, error) {
	if len(p.Instruments) == 0 {
		return nil, fmt.Errorf("scheduler requires at least one instrument")
	}
	if p.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", p.Interval)
	}
	if p.Provider == nil || p.Decider == nil || p.Executor == nil || p.Feedback == nil {
		return nil, fmt.Errorf("scheduler is missing a stage dependency")
	}
	maxConc := int64(p.MaxConcurrency)
	if maxConc <= 0 {
		maxConc = 4
	}
	limits := p.Limits
	if limits == nil {
		limits = func(string) risk.Limits { return risk.Limits{} }
	}
	grace := p.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}

	states := make(map[string]*InstrumentState, len(p.Instruments))
	for _, in := range p.Instruments {
		in = strings.ToUpper(strings.TrimSpace(in))
		if in == "" {
			continue
		}
		if _, dup := states[in]; dup {
			return nil, fmt.Errorf("duplicate instrument %s", in)
		}
		states[in] = &InstrumentState{Instrument: in}
	}

	return &Scheduler{
		instruments:    p.Instruments,
		interval:       p.Interval,
		timeouts:       p.Timeouts.withDefaults(),
		gracePeriod:    grace,
		maxConcurrency: maxConc,
		provider:       p.Provider,
		decider:        p.Decider,
		executor:       p.Executor,
		feedback:       p.Feedback,
		audit:          p.Audit,
		limitsFn:       limits,
		sem:            semaphore.NewWeighted(maxConc),
		nowFn:          time.Now,
		states:         states,
	}, nil
}

// Restore seeds instrument state from persisted records on startup.
func (s *Scheduler) Restore(records []store.InstrumentStateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		st, ok := s.states[strings.ToUpper(rec.Instrument)]
		if !ok {
			continue
		}
		st.PositionSize = rec.PositionSize
		st.EntryPrice = rec.EntryPrice
		st.DailyPnL = rec.DailyPnL
		st.LastDecisionAt = rec.LastDecisionAt
		st.PnLDay = rec.UpdatedAt.UTC().Format("2006-01-02")
	}
}

// Run is the top-level loop. It returns once ctx is cancelled and all
// in-flight cycles have finished or the grace period expires. Abandoned
// cycles leave their submission intent persisted and are reconciled on the
// next startup.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Infof("scheduler: started instruments=%d interval=%s max_concurrency=%d",
		len(s.states), s.interval, s.maxConcurrency)

	tick := s.interval / 10
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler: shutdown signalled, waiting up to %s for in-flight cycles", s.gracePeriod)
			s.waitWithGrace()
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if now.Before(st.NextDue) {
			continue
		}
		if st.InFlight {
			// Backpressure: the slot is missed, never queued.
			logger.Warnf("scheduler: cycle overrun on %s, skipping tick", st.Instrument)
			st.NextDue = now.Add(s.interval)
			continue
		}
		st.InFlight = true
		// Advance immediately so a slow cycle does not compound delay.
		st.NextDue = now.Add(s.interval)
		// A new UTC day must not carry yesterday's loss into the gate.
		st.rollDay(now)
		s.launch(ctx, st.Instrument, st.View())
	}
}

// launch starts one cycle goroutine. Caller holds s.mu and has already set
// the in-flight flag.
func (s *Scheduler) launch(ctx context.Context, instrument string, view router.PositionView) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInFlight(instrument)

		// Waiting for a semaphore slot does not affect due-time accounting.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			logger.Infof("scheduler: %s cycle cancelled before start: %v", instrument, err)
			return
		}
		defer s.sem.Release(1)

		s.runCycle(ctx, instrument, view)
	}()
}

// clearInFlight runs on every cycle exit path: success, stage failure,
// timeout, panic unwinding. The flag must never stay stuck.
func (s *Scheduler) clearInFlight(instrument string) {
	s.mu.Lock()
	if st, ok := s.states[instrument]; ok {
		st.InFlight = false
	}
	s.mu.Unlock()
}

// TriggerNow runs one unscheduled cycle, still honoring the in-flight flag,
// the concurrency cap and the risk gate. Returns an error when the
// instrument is unknown or already mid-cycle.
func (s *Scheduler) TriggerNow(ctx context.Context, instrument string) error {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	s.mu.Lock()
	st, ok := s.states[instrument]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown instrument %s", instrument)
	}
	if st.InFlight {
		s.mu.Unlock()
		return fmt.Errorf("cycle already in flight for %s", instrument)
	}
	st.InFlight = true
	st.rollDay(s.nowFn())
	view := st.View()
	s.mu.Unlock()

	defer s.clearInFlight(instrument)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	s.runCycle(ctx, instrument, view)
	return nil
}

// StateView is the read-only reporting shape for one instrument.
type StateView struct {
	Instrument     string    `json:"instrument"`
	NextDue        time.Time `json:"next_due"`
	InFlight       bool      `json:"in_flight"`
	PositionSize   float64   `json:"position_size"`
	EntryPrice     float64   `json:"entry_price"`
	DailyPnL       float64   `json:"daily_pnl"`
	LastDecisionAt time.Time `json:"last_decision_at"`
}

// States returns a copy of all instrument states for reporting surfaces.
func (s *Scheduler) States() []StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StateView, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, StateView{
			Instrument:     st.Instrument,
			NextDue:        st.NextDue,
			InFlight:       st.InFlight,
			PositionSize:   st.PositionSize,
			EntryPrice:     st.EntryPrice,
			DailyPnL:       st.DailyPnL,
			LastDecisionAt: st.LastDecisionAt,
		})
	}
	return out
}

func (s *Scheduler) waitWithGrace() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Infof("scheduler: all cycles drained")
	case <-time.After(s.gracePeriod):
		logger.Warnf("scheduler: grace period expired, abandoning remaining cycles")
	}
}
