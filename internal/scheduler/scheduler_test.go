package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenxing4071/aicoin-sub002/internal/executor"
	"github.com/allenxing4071/aicoin-sub002/internal/market"
	"github.com/allenxing4071/aicoin-sub002/internal/risk"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeProvider) Snapshot(ctx context.Context, instrument string) (market.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return market.Snapshot{}, f.err
	}
	return market.Snapshot{
		Instrument: instrument,
		CapturedAt: time.Now().UTC(),
		LastPrice:  100,
		Source:     "binance",
	}, nil
}

type fakeDecider struct {
	mu       sync.Mutex
	calls    int
	decision router.Decision
	err      error
	block    chan struct{} // when set, Decide waits for it (or ctx)
}

func (f *fakeDecider) Decide(ctx context.Context, snap market.Snapshot, pos router.PositionView) (router.Decision, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return router.Decision{}, ctx.Err()
		}
	}
	if f.err != nil {
		return router.Decision{}, f.err
	}
	d := f.decision
	d.Instrument = snap.Instrument
	return d, nil
}

func (f *fakeDecider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubmitter struct {
	mu     sync.Mutex
	orders []executor.Order
	err    error
}

func (f *fakeSubmitter) Submit(ctx context.Context, order executor.Order) (executor.Result, error) {
	f.mu.Lock()
	f.orders = append(f.orders, order)
	f.mu.Unlock()
	if f.err != nil {
		return executor.Result{}, f.err
	}
	return executor.Result{
		OrderID:       "ord-1",
		ClientOrderID: order.DecisionID,
		Instrument:    order.Instrument,
		Status:        executor.FillStatusFilled,
		ExecutedPrice: 100.5,
		ExecutedSize:  order.Size,
	}, nil
}

func (f *fakeSubmitter) submitted() []executor.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Order(nil), f.orders...)
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []store.OutcomeRecord
	err      error
}

func (f *fakeSink) RecordOutcome(ctx context.Context, rec store.OutcomeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.outcomes = append(f.outcomes, rec)
	return nil
}

func (f *fakeSink) recorded() []store.OutcomeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.OutcomeRecord(nil), f.outcomes...)
}

type fakeAudit struct {
	mu         sync.Mutex
	decisions  []router.Decision
	verdicts   []risk.Verdict
	executions []executor.Result
	events     []risk.Event
	states     []store.InstrumentStateRecord
}

func (f *fakeAudit) AppendDecision(ctx context.Context, d router.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeAudit) AppendVerdict(ctx context.Context, instrument string, v risk.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, v)
	return nil
}

func (f *fakeAudit) AppendExecution(ctx context.Context, decisionID string, res executor.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, res)
	return nil
}

func (f *fakeAudit) AppendRiskEvent(ctx context.Context, ev risk.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAudit) SaveInstrumentState(ctx context.Context, rec store.InstrumentStateRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, rec)
	return nil
}

type deps struct {
	provider  *fakeProvider
	decider   *fakeDecider
	submitter *fakeSubmitter
	sink      *fakeSink
	audit     *fakeAudit
}

func buyDecision() router.Decision {
	return router.Decision{
		ID:              "d-1",
		Action:          router.ActionBuy,
		Size:            0.2,
		Confidence:      0.9,
		TemplateVersion: "baseline",
	}
}

func newTestScheduler(t *testing.T, mutate func(*Params)) (*Scheduler, *deps) {
	t.Helper()
	d := &deps{
		provider:  &fakeProvider{},
		decider:   &fakeDecider{decision: buyDecision()},
		submitter: &fakeSubmitter{},
		sink:      &fakeSink{},
		audit:     &fakeAudit{},
	}
	p := Params{
		Instruments: []string{"BTC/USDT"},
		Interval:    time.Minute,
		Provider:    d.provider,
		Decider:     d.decider,
		Executor:    d.submitter,
		Feedback:    d.sink,
		Audit:       d.audit,
	}
	if mutate != nil {
		mutate(&p)
	}
	s, err := New(p)
	require.NoError(t, err)
	return s, d
}

func TestNewValidation(t *testing.T) {
	base := func() Params {
		return Params{
			Instruments: []string{"BTC/USDT"},
			Interval:    time.Minute,
			Provider:    &fakeProvider{},
			Decider:     &fakeDecider{},
			Executor:    &fakeSubmitter{},
			Feedback:    &fakeSink{},
		}
	}

	p := base()
	p.Instruments = nil
	_, err := New(p)
	assert.Error(t, err)

	p = base()
	p.Interval = 0
	_, err = New(p)
	assert.Error(t, err)

	p = base()
	p.Decider = nil
	_, err = New(p)
	assert.Error(t, err)

	p = base()
	p.Instruments = []string{"BTC/USDT", "btc/usdt"}
	_, err = New(p)
	assert.Error(t, err, "duplicate instruments must be rejected")
}

func TestTriggerNowFullCycle(t *testing.T) {
	s, d := newTestScheduler(t, nil)

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	require.Len(t, d.audit.decisions, 1)
	assert.Equal(t, "BTC/USDT", d.audit.decisions[0].Instrument)
	require.Len(t, d.audit.verdicts, 1)
	assert.Equal(t, risk.VerdictApprove, d.audit.verdicts[0].Kind)

	orders := d.submitter.submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, "d-1", orders[0].DecisionID)
	assert.Equal(t, executor.SideBuy, orders[0].Side)
	assert.Equal(t, 0.2, orders[0].Size)
	require.Len(t, d.audit.executions, 1)

	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "d-1", outcomes[0].DecisionID)
	assert.Equal(t, string(executor.FillStatusFilled), outcomes[0].FillStatus)
	assert.Empty(t, outcomes[0].FailureReason)

	// The fill must be folded into the instrument state and persisted.
	states := s.States()
	require.Len(t, states, 1)
	assert.InDelta(t, 0.2, states[0].PositionSize, 1e-9)
	assert.InDelta(t, 100.5, states[0].EntryPrice, 1e-9)
	require.NotEmpty(t, d.audit.states)
}

func TestHoldSkipsExecution(t *testing.T) {
	s, d := newTestScheduler(t, nil)
	d.decider.decision = router.Decision{ID: "d-h", Action: router.ActionHold, Confidence: 0.9}

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	assert.Empty(t, d.submitter.submitted())
	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(router.ActionHold), outcomes[0].Action)
	assert.Equal(t, string(risk.VerdictApprove), outcomes[0].VerdictKind)
}

func TestRejectedDecisionSkipsExecution(t *testing.T) {
	s, d := newTestScheduler(t, func(p *Params) {
		p.Limits = func(string) risk.Limits { return risk.Limits{MinConfidence: 0.95} }
	})

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	assert.Empty(t, d.submitter.submitted())
	require.Len(t, d.audit.events, 1)
	assert.Equal(t, risk.ReasonLowConfidence, d.audit.events[0].Reason)

	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(risk.VerdictReject), outcomes[0].VerdictKind)
	assert.Equal(t, string(risk.ReasonLowConfidence), outcomes[0].VerdictReason)
}

func TestSnapshotFailureAbortsCycle(t *testing.T) {
	s, d := newTestScheduler(t, nil)
	d.provider.err = market.ErrSnapshotUnavailable

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	assert.Zero(t, d.decider.callCount(), "decide stage must not run without a snapshot")
	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "SNAPSHOT_UNAVAILABLE", outcomes[0].FailureReason)
}

func TestDecideTimeoutProducesStageTimeout(t *testing.T) {
	s, d := newTestScheduler(t, func(p *Params) {
		p.Timeouts.Decide = 30 * time.Millisecond
	})
	d.decider.block = make(chan struct{}) // never closed; Decide waits for ctx

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "STAGE_TIMEOUT:decide", outcomes[0].FailureReason)
	assert.Empty(t, d.submitter.submitted())
}

func TestModelFailureReasonCode(t *testing.T) {
	s, d := newTestScheduler(t, nil)
	d.decider.err = router.ErrModelUnavailable

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "MODEL_UNAVAILABLE", outcomes[0].FailureReason)
}

func TestInFlightFlagClearedAfterFailure(t *testing.T) {
	s, d := newTestScheduler(t, nil)
	d.provider.err = errors.New("boom")

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))
	// The flag must not stay stuck after a failed cycle.
	d.provider.err = nil
	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))
	assert.Equal(t, 1, d.decider.callCount(), "only the second cycle reaches the decide stage")
	require.Len(t, d.sink.recorded(), 2)
}

func TestTriggerNowRejectsUnknownInstrument(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	err := s.TriggerNow(context.Background(), "DOGE/USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instrument")
}

func TestTriggerNowRejectsInFlightCycle(t *testing.T) {
	s, d := newTestScheduler(t, nil)
	d.decider.block = make(chan struct{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- s.TriggerNow(context.Background(), "BTC/USDT")
	}()
	<-started
	// Wait until the first cycle reaches the blocking decide stage.
	require.Eventually(t, func() bool { return d.decider.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	err := s.TriggerNow(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in flight")

	close(d.decider.block)
	require.NoError(t, <-done)
}

func TestDispatchDueSkipsOverrunningCycle(t *testing.T) {
	s, d := newTestScheduler(t, nil)

	s.mu.Lock()
	st := s.states["BTC/USDT"]
	st.InFlight = true
	st.NextDue = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.dispatchDue(context.Background())

	s.mu.Lock()
	next := st.NextDue
	s.mu.Unlock()
	assert.True(t, next.After(time.Now()), "missed slot must advance, not queue")
	assert.Zero(t, d.decider.callCount(), "no second cycle while one is in flight")
}

func TestDispatchDueLaunchesWhenIdle(t *testing.T) {
	s, d := newTestScheduler(t, nil)

	s.mu.Lock()
	s.states["BTC/USDT"].NextDue = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.dispatchDue(context.Background())
	s.wg.Wait()

	assert.Equal(t, 1, d.decider.callCount())
	require.Len(t, d.sink.recorded(), 1)
}

func TestConcurrencyCapBoundsParallelCycles(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	gate := make(chan struct{})

	d := &deps{
		provider:  &fakeProvider{},
		submitter: &fakeSubmitter{},
		sink:      &fakeSink{},
		audit:     &fakeAudit{},
	}
	counting := &countingDecider{
		onDecide: func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			<-gate
			mu.Lock()
			active--
			mu.Unlock()
		},
	}
	s, err := New(Params{
		Instruments:    []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		Interval:       time.Minute,
		MaxConcurrency: 1,
		Provider:       d.provider,
		Decider:        counting,
		Executor:       d.submitter,
		Feedback:       d.sink,
		Audit:          d.audit,
	})
	require.NoError(t, err)

	s.mu.Lock()
	for _, st := range s.states {
		st.NextDue = time.Now().Add(-time.Second)
	}
	s.mu.Unlock()
	s.dispatchDue(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 1
	}, time.Second, 5*time.Millisecond)
	close(gate)
	s.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "concurrency cap must bound parallel cycles")
}

type countingDecider struct {
	onDecide func()
}

func (c *countingDecider) Decide(ctx context.Context, snap market.Snapshot, pos router.PositionView) (router.Decision, error) {
	if c.onDecide != nil {
		c.onDecide()
	}
	d := buyDecision()
	d.Instrument = snap.Instrument
	return d, nil
}

func TestRestoreSeedsState(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	now := time.Now().UTC()
	s.Restore([]store.InstrumentStateRecord{
		{
			Instrument:     "BTC/USDT",
			PositionSize:   0.4,
			EntryPrice:     95,
			DailyPnL:       -12.5,
			LastDecisionAt: now,
			UpdatedAt:      now,
		},
		{Instrument: "UNKNOWN/USDT", PositionSize: 9},
	})

	states := s.States()
	require.Len(t, states, 1)
	assert.InDelta(t, 0.4, states[0].PositionSize, 1e-9)
	assert.InDelta(t, 95, states[0].EntryPrice, 1e-9)
	assert.InDelta(t, -12.5, states[0].DailyPnL, 1e-9)
}

func TestApplyFillAccounting(t *testing.T) {
	now := time.Now().UTC()
	st := &InstrumentState{Instrument: "BTC/USDT"}

	st.applyFill(router.ActionBuy, 100, 1, now)
	assert.InDelta(t, 100, st.EntryPrice, 1e-9)
	assert.InDelta(t, 1, st.PositionSize, 1e-9)

	// Averaging in a second buy at a higher price.
	st.applyFill(router.ActionBuy, 110, 1, now)
	assert.InDelta(t, 105, st.EntryPrice, 1e-9)
	assert.InDelta(t, 2, st.PositionSize, 1e-9)

	// Selling half realizes pnl against the average entry.
	st.applyFill(router.ActionSell, 120, 1, now)
	assert.InDelta(t, 15, st.DailyPnL, 1e-9)
	assert.InDelta(t, 1, st.PositionSize, 1e-9)

	// Closing out resets the entry.
	st.applyFill(router.ActionSell, 90, 1, now)
	assert.Zero(t, st.PositionSize)
	assert.Zero(t, st.EntryPrice)
}

func TestRollDayResetsDailyPnL(t *testing.T) {
	st := &InstrumentState{Instrument: "BTC/USDT", DailyPnL: -250}
	day1 := time.Date(2026, 8, 14, 23, 0, 0, 0, time.UTC)
	st.rollDay(day1)
	st.DailyPnL = -250
	st.rollDay(day1.Add(30 * time.Minute))
	assert.InDelta(t, -250, st.DailyPnL, 1e-9, "same UTC day keeps the counter")
	st.rollDay(day1.Add(2 * time.Hour))
	assert.Zero(t, st.DailyPnL, "UTC midnight resets the counter")
}

func TestNewDayClearsStaleLossBeforeGate(t *testing.T) {
	s, d := newTestScheduler(t, func(p *Params) {
		p.Limits = func(string) risk.Limits { return risk.Limits{MaxDailyLoss: 50} }
	})
	today := time.Date(2026, 8, 29, 0, 5, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return today }

	// Yesterday closed past the loss cap; the first cycle of the new UTC day
	// must not be gated on the stale counter.
	s.mu.Lock()
	st := s.states["BTC/USDT"]
	st.DailyPnL = -100
	st.PnLDay = today.AddDate(0, 0, -1).Format("2006-01-02")
	s.mu.Unlock()

	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))

	outcomes := d.sink.recorded()
	require.Len(t, outcomes, 1)
	assert.NotEqual(t, string(risk.ReasonDailyLossLimit), outcomes[0].VerdictReason)
	assert.Equal(t, string(risk.VerdictApprove), outcomes[0].VerdictKind)
	require.Len(t, d.submitter.submitted(), 1)
}

func TestDegradedCycleWhenOutcomeWriteFails(t *testing.T) {
	s, d := newTestScheduler(t, nil)
	d.sink.err = errors.New("disk full")

	// The cycle itself must still complete without error.
	require.NoError(t, s.TriggerNow(context.Background(), "BTC/USDT"))
	require.Len(t, d.submitter.submitted(), 1)
}
