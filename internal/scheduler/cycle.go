package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/executor"
	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/market"
	"github.com/allenxing4071/aicoin-sub002/internal/risk"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
	"github.com/allenxing4071/aicoin-sub002/internal/store"
)

const (
	stageSnapshot = "snapshot"
	stageDecide   = "decide"
	stageExecute  = "execute"

	reasonShutdown = "SHUTDOWN"
)

// runCycle executes the four downstream stages in strict sequence. A stage
// failure aborts the remaining stages for this cycle only; the next
// scheduled tick is the retry. Every aborted cycle still leaves an auditable
// outcome record with a reason code.
func (s *Scheduler) runCycle(ctx context.Context, instrument string, view router.PositionView) {
	cycleStart := s.nowFn()

	// Stage 1: market snapshot.
	snap, err := s.stageSnapshot(ctx, instrument)
	if err != nil {
		s.failCycle(instrument, "", stageReason(stageSnapshot, err), err)
		return
	}

	if ctx.Err() != nil {
		s.failCycle(instrument, snap.Source, reasonShutdown, ctx.Err())
		return
	}

	// Stage 2: prompt render + model call + parse.
	decision, err := s.stageDecide(ctx, snap, view)
	if err != nil {
		s.failCycle(instrument, snap.Source, stageReason(stageDecide, err), err)
		return
	}
	if s.audit != nil {
		if aerr := s.audit.AppendDecision(context.WithoutCancel(ctx), decision); aerr != nil {
			logger.Warnf("scheduler: %s decision audit write failed: %v", instrument, aerr)
		}
	}

	// Stage 3: risk gate. Pure and synchronous, no timeout needed.
	limits := s.limitsFn(instrument)
	verdict, event := risk.Evaluate(decision, view, limits)
	s.auditVerdict(ctx, instrument, verdict, event)

	outcome := store.OutcomeRecord{
		DecisionID:      decision.ID,
		Instrument:      instrument,
		Action:          string(decision.Action),
		TemplateVersion: decision.TemplateVersion,
		Variant:         decision.Variant,
		Source:          snap.Source,
		VerdictKind:     string(verdict.Kind),
		VerdictReason:   string(verdict.Reason),
		CreatedAt:       s.nowFn().UTC(),
	}

	if !verdict.Approved() {
		// Policy rejection is an expected outcome, not an error state.
		logger.Infof("scheduler: %s decision %s rejected by gate: %s", instrument, decision.ID, verdict.Reason)
		s.completeCycle(ctx, instrument, decision, nil, outcome)
		return
	}

	if decision.Action == router.ActionHold {
		s.completeCycle(ctx, instrument, decision, nil, outcome)
		return
	}

	// Safe stopping point: shutdown before submission aborts cleanly.
	if ctx.Err() != nil {
		outcome.FailureReason = reasonShutdown
		s.completeCycle(ctx, instrument, decision, nil, outcome)
		return
	}

	// Stage 4: execution. Once the order may have reached the exchange this
	// stage must run to acknowledgment, so it detaches from shutdown
	// cancellation and is bounded only by its own timeout.
	res, err := s.stageExecute(ctx, decision, verdict)
	if s.audit != nil && err == nil {
		if aerr := s.audit.AppendExecution(context.WithoutCancel(ctx), decision.ID, res); aerr != nil {
			logger.Warnf("scheduler: %s execution audit write failed: %v", instrument, aerr)
		}
	}
	if err != nil {
		outcome.FailureReason = stageReason(stageExecute, err)
		logger.Errorf("scheduler: %s execution failed for decision %s: %v", instrument, decision.ID, err)
		s.completeCycle(ctx, instrument, decision, nil, outcome)
		return
	}

	outcome.FillStatus = string(res.Status)
	outcome.ExecutedPrice = res.ExecutedPrice
	outcome.ExecutedSize = res.ExecutedSize

	s.completeCycle(ctx, instrument, decision, &res, outcome)
	logger.Infof("scheduler: %s cycle done in %s (decision=%s order=%s status=%s)",
		instrument, time.Since(cycleStart).Truncate(time.Millisecond), decision.ID, res.OrderID, res.Status)
}

func (s *Scheduler) stageSnapshot(ctx context.Context, instrument string) (market.Snapshot, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Snapshot)
	defer cancel()
	return s.provider.Snapshot(sctx, instrument)
}

func (s *Scheduler) stageDecide(ctx context.Context, snap market.Snapshot, view router.PositionView) (router.Decision, error) {
	dctx, cancel := context.WithTimeout(ctx, s.timeouts.Decide)
	defer cancel()
	return s.decider.Decide(dctx, snap, view)
}

func (s *Scheduler) stageExecute(ctx context.Context, decision router.Decision, verdict risk.Verdict) (executor.Result, error) {
	side := executor.SideBuy
	if decision.Action == router.ActionSell {
		side = executor.SideSell
	}
	order := executor.Order{
		DecisionID: decision.ID,
		Instrument: decision.Instrument,
		Side:       side,
		Size:       verdict.ExecutableSize(decision.Size),
		Type:       executor.OrderTypeMarket,
	}
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Execute)
	defer cancel()
	return s.executor.Submit(ectx, order)
}

func (s *Scheduler) auditVerdict(ctx context.Context, instrument string, verdict risk.Verdict, event *risk.Event) {
	if s.audit == nil {
		return
	}
	actx := context.WithoutCancel(ctx)
	if err := s.audit.AppendVerdict(actx, instrument, verdict); err != nil {
		logger.Warnf("scheduler: %s verdict audit write failed: %v", instrument, err)
	}
	if event != nil {
		if err := s.audit.AppendRiskEvent(actx, *event); err != nil {
			logger.Warnf("scheduler: %s risk event write failed: %v", instrument, err)
		}
	}
}

// completeCycle applies state updates (scheduler-owned, serialized by the
// in-flight flag) and writes the outcome record. A failed outcome write
// marks the cycle degraded; it is logged, never retried.
func (s *Scheduler) completeCycle(ctx context.Context, instrument string, decision router.Decision, res *executor.Result, outcome store.OutcomeRecord) {
	now := s.nowFn()

	s.mu.Lock()
	st, ok := s.states[instrument]
	if ok {
		st.LastDecisionAt = now
		st.rollDay(now)
		before := st.DailyPnL
		if res != nil && res.ExecutedSize > 0 {
			st.applyFill(decision.Action, res.ExecutedPrice, res.ExecutedSize, now)
		}
		outcome.RealizedPnL = st.DailyPnL - before
		if st.PositionSize > 0 && res != nil && res.ExecutedPrice > 0 {
			outcome.UnrealizedPnL = (res.ExecutedPrice - st.EntryPrice) * st.PositionSize
		}
	}
	var rec *store.InstrumentStateRecord
	if ok {
		r := st.record()
		rec = &r
	}
	s.mu.Unlock()

	actx := context.WithoutCancel(ctx)
	if s.audit != nil && rec != nil {
		if err := s.audit.SaveInstrumentState(actx, *rec); err != nil {
			logger.Warnf("scheduler: %s state persist failed: %v", instrument, err)
		}
	}

	fctx, cancel := context.WithTimeout(actx, s.timeouts.Feedback)
	defer cancel()
	if err := s.feedback.RecordOutcome(fctx, outcome); err != nil {
		logger.Errorf("scheduler: %s cycle degraded, outcome write failed for decision %s: %v",
			instrument, outcome.DecisionID, err)
	}
}

// failCycle records a cycle-level failure outcome for cycles that aborted
// before a decision existed (or before the gate ran).
func (s *Scheduler) failCycle(instrument, source, reason string, err error) {
	logger.Warnf("scheduler: %s cycle aborted: %s (%v)", instrument, reason, err)
	outcome := store.OutcomeRecord{
		Instrument:    instrument,
		Source:        source,
		FailureReason: reason,
		Degraded:      false,
		CreatedAt:     s.nowFn().UTC(),
	}
	fctx, cancel := context.WithTimeout(context.Background(), s.timeouts.Feedback)
	defer cancel()
	if ferr := s.feedback.RecordOutcome(fctx, outcome); ferr != nil {
		logger.Errorf("scheduler: %s failure outcome write failed: %v", instrument, ferr)
	}
}

// stageReason maps a stage error to its audit reason code. Deadline errors
// become STAGE_TIMEOUT:<stage>; known sentinels keep their own code.
func stageReason(stage string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("STAGE_TIMEOUT:%s", stage)
	}
	switch {
	case errors.Is(err, market.ErrSnapshotUnavailable):
		return "SNAPSHOT_UNAVAILABLE"
	case errors.Is(err, router.ErrTemplateRender):
		return "TEMPLATE_RENDER_ERROR"
	case errors.Is(err, router.ErrModelUnavailable):
		return "MODEL_UNAVAILABLE"
	case errors.Is(err, router.ErrDecisionParse):
		return "DECISION_PARSE_ERROR"
	case errors.Is(err, context.Canceled):
		return reasonShutdown
	}
	return fmt.Sprintf("STAGE_FAILED:%s", stage)
}
