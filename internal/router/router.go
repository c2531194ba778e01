package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/market"
	"github.com/allenxing4071/aicoin-sub002/internal/pkg/circuit"
)

const defaultModelRetries = 2

// Router turns a market snapshot plus the current feedback memory into a
// Decision: template selection (with experiment routing), rendering, model
// invocation and strict output parsing.
type Router struct {
	registry *Registry
	provider ModelProvider
	breaker  *circuit.Breaker

	// Both hooks read atomically-published snapshots, so concurrent cycles
	// never observe partial updates.
	experimentsFn func() []Experiment
	memoryFn      func() Memory

	maxRetries int
	nowFn      func() time.Time
}

type Params struct {
	Registry    *Registry
	Provider    ModelProvider
	Experiments func() []Experiment
	Memory      func() Memory
	MaxRetries  int
}

func New(p Params) *Router {
	retries := p.MaxRetries
	if retries <= 0 {
		retries = defaultModelRetries
	}
	experiments := p.Experiments
	if experiments == nil {
		experiments = func() []Experiment { return nil }
	}
	memory := p.Memory
	if memory == nil {
		memory = func() Memory { return Memory{} }
	}
	return &Router{
		registry:      p.Registry,
		provider:      p.Provider,
		breaker:       circuit.NewBreaker("model-backend", 5, 30*time.Second),
		experimentsFn: experiments,
		memoryFn:      memory,
		maxRetries:    retries,
		nowFn:         time.Now,
	}
}

// Decide runs one render->invoke->parse pass. All inputs are immutable
// copies; the returned Decision is immutable once created.
func (r *Router) Decide(ctx context.Context, snap market.Snapshot, pos PositionView) (Decision, error) {
	now := r.nowFn().UTC()
	tv, variant := resolveTemplate(r.registry, r.experimentsFn(), snap.Instrument, now)
	if tv == nil {
		return Decision{}, fmt.Errorf("%w: no template version available", ErrTemplateRender)
	}

	userPrompt, err := tv.render(renderInput(snap, pos, r.memoryFn()))
	if err != nil {
		return Decision{}, err
	}

	raw, latency, err := r.invokeModel(ctx, tv.System, userPrompt)
	if err != nil {
		return Decision{}, err
	}

	payload, err := ParseDecision(raw)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		ID:              uuid.NewString(),
		Instrument:      snap.Instrument,
		Action:          Action(payload.Action),
		Size:            payload.Size,
		Confidence:      payload.Confidence,
		Rationale:       payload.Rationale,
		TemplateVersion: tv.ID,
		Variant:         variant,
		ModelID:         r.provider.ID(),
		Latency:         latency,
		CreatedAt:       now,
	}
	logger.Infof("router: %s decided %s size=%.6g confidence=%.2f template=%s variant=%s latency=%s",
		d.Instrument, d.Action, d.Size, d.Confidence, d.TemplateVersion, d.Variant, d.Latency.Truncate(time.Millisecond))
	return d, nil
}

// invokeModel retries transient failures with backoff up to the bound.
// The returned latency covers only the attempt that succeeded.
func (r *Router) invokeModel(ctx context.Context, system, user string) (string, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if !r.breaker.Allow() {
			return "", 0, fmt.Errorf("%w: circuit open", ErrModelUnavailable)
		}
		start := time.Now()
		raw, err := r.provider.Call(ctx, system, user)
		if err == nil {
			r.breaker.RecordSuccess()
			return raw, time.Since(start), nil
		}
		r.breaker.RecordFailure()
		lastErr = err
		if ctx.Err() != nil || !isTransient(err) || attempt == r.maxRetries {
			break
		}
		wait := backoffDelay(attempt, err)
		logger.Warnf("router: model attempt %d/%d failed, retrying in %s: %v",
			attempt+1, r.maxRetries+1, wait, err)
		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("%w: %v", ErrModelUnavailable, ctx.Err())
		case <-time.After(wait):
		}
	}
	return "", 0, fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
}
