package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
)

// ErrOrderNotFound is returned by Query when the exchange has no order under
// the client order id. It is the signal that a prior submission never
// reached the exchange.
var ErrOrderNotFound = errors.New("order not found")

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type FillStatus string

const (
	FillStatusNew      FillStatus = "NEW"
	FillStatusPartial  FillStatus = "PARTIALLY_FILLED"
	FillStatusFilled   FillStatus = "FILLED"
	FillStatusCanceled FillStatus = "CANCELED"
	FillStatusRejected FillStatus = "REJECTED"
	FillStatusUnknown  FillStatus = "UNKNOWN"
)

// Order is one submission request. DecisionID doubles as the exchange client
// order id, which is what makes resubmission after a crash idempotent.
type Order struct {
	DecisionID string
	Instrument string
	Side       Side
	Size       float64
	Type       OrderType
	Price      float64
}

// Result reports the exchange's acknowledgment. Partial fills are reported
// as-is; callers wait only for the initial ack, not for full fill.
type Result struct {
	OrderID       string     `json:"order_id"`
	ClientOrderID string     `json:"client_order_id"`
	Instrument    string     `json:"instrument"`
	Status        FillStatus `json:"status"`
	ExecutedPrice float64    `json:"executed_price"`
	ExecutedSize  float64    `json:"executed_size"`
	Error         string     `json:"error,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
}

// Exchange is the per-venue order lifecycle capability.
type Exchange interface {
	Name() string
	Submit(ctx context.Context, order Order) (Result, error)
	Query(ctx context.Context, instrument, clientOrderID string) (Result, error)
	Cancel(ctx context.Context, instrument, clientOrderID string) error
}

// SubmissionLog persists submission intent before the wire call, so a crash
// between "sent" and "acknowledged" is visible on restart.
type SubmissionLog interface {
	MarkAttempted(ctx context.Context, decisionID, instrument, exchange string) error
	WasAttempted(ctx context.Context, decisionID string) (bool, error)
}

// Adapter wraps venue selection with idempotent submission semantics:
// at most one exchange order ever exists per decision id.
type Adapter struct {
	routes     map[string]Exchange
	defaultEx  Exchange
	log        SubmissionLog
	maxRetries int
	backoff    time.Duration
}

func NewAdapter(routes map[string]Exchange, defaultEx Exchange, log SubmissionLog) *Adapter {
	normalized := make(map[string]Exchange, len(routes))
	for instrument, ex := range routes {
		normalized[strings.ToUpper(strings.TrimSpace(instrument))] = ex
	}
	return &Adapter{
		routes:     normalized,
		defaultEx:  defaultEx,
		log:        log,
		maxRetries: 2,
		backoff:    500 * time.Millisecond,
	}
}

func (a *Adapter) exchangeFor(instrument string) (Exchange, error) {
	if ex, ok := a.routes[strings.ToUpper(strings.TrimSpace(instrument))]; ok && ex != nil {
		return ex, nil
	}
	if a.defaultEx != nil {
		return a.defaultEx, nil
	}
	return nil, fmt.Errorf("no exchange routed for %s", instrument)
}

// Submit places the order at most once. If this decision id was already
// attempted (crash, restart, double dispatch), the existing order is looked
// up instead of resubmitting. Transient failures are retried only while the
// request is known to have never reached the exchange; once it may have been
// sent, the adapter only queries.
func (a *Adapter) Submit(ctx context.Context, order Order) (Result, error) {
	ex, err := a.exchangeFor(order.Instrument)
	if err != nil {
		return Result{}, err
	}

	if a.log != nil {
		attempted, lerr := a.log.WasAttempted(ctx, order.DecisionID)
		if lerr != nil {
			return Result{}, fmt.Errorf("submission log read: %w", lerr)
		}
		if attempted {
			logger.Warnf("executor: decision %s already attempted on %s, querying instead of resubmitting",
				order.DecisionID, ex.Name())
			return a.queryExisting(ctx, ex, order)
		}
		if lerr := a.log.MarkAttempted(ctx, order.DecisionID, order.Instrument, ex.Name()); lerr != nil {
			return Result{}, fmt.Errorf("submission log write: %w", lerr)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		res, err := ex.Submit(ctx, order)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !neverSent(err) {
			// Sent-but-unknown: never retry the submission, only query.
			logger.Warnf("executor: %s submit ack lost for decision %s, resolving via query: %v",
				ex.Name(), order.DecisionID, err)
			return a.queryExisting(ctx, ex, order)
		}
		if attempt == a.maxRetries || ctx.Err() != nil {
			break
		}
		wait := a.backoff << attempt
		logger.Warnf("executor: %s submit attempt %d not sent, retrying in %s: %v",
			ex.Name(), attempt+1, wait, err)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return Result{}, fmt.Errorf("submit %s on %s: %w", order.DecisionID, ex.Name(), lastErr)
}

func (a *Adapter) queryExisting(ctx context.Context, ex Exchange, order Order) (Result, error) {
	res, err := ex.Query(ctx, order.Instrument, order.DecisionID)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrOrderNotFound) {
		// The earlier attempt never created an order; safe to submit once.
		logger.Infof("executor: no existing order for decision %s on %s, submitting",
			order.DecisionID, ex.Name())
		return ex.Submit(ctx, order)
	}
	return Result{}, fmt.Errorf("query %s on %s: %w", order.DecisionID, ex.Name(), err)
}

// Query resolves the current status of a previously submitted decision.
func (a *Adapter) Query(ctx context.Context, instrument, decisionID string) (Result, error) {
	ex, err := a.exchangeFor(instrument)
	if err != nil {
		return Result{}, err
	}
	return ex.Query(ctx, instrument, decisionID)
}

// Cancel revokes a resting order for the decision.
func (a *Adapter) Cancel(ctx context.Context, instrument, decisionID string) error {
	ex, err := a.exchangeFor(instrument)
	if err != nil {
		return err
	}
	return ex.Cancel(ctx, instrument, decisionID)
}

// PendingSubmission identifies an attempted submission with no recorded
// execution result, left behind by an abandoned cycle.
type PendingSubmission struct {
	DecisionID string
	Instrument string
}

// Reconcile resolves submissions orphaned by a crash or forced shutdown via
// the query path. Runs on startup before the first scheduled tick.
func (a *Adapter) Reconcile(ctx context.Context, pending []PendingSubmission) map[string]Result {
	resolved := make(map[string]Result, len(pending))
	for _, p := range pending {
		res, err := a.Query(ctx, p.Instrument, p.DecisionID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				logger.Infof("executor: reconcile decision %s: no order on exchange, submission never landed", p.DecisionID)
				resolved[p.DecisionID] = Result{
					ClientOrderID: p.DecisionID,
					Instrument:    p.Instrument,
					Status:        FillStatusRejected,
					Error:         "submission never reached the exchange",
				}
				continue
			}
			logger.Warnf("executor: reconcile decision %s failed: %v", p.DecisionID, err)
			continue
		}
		logger.Infof("executor: reconciled decision %s -> order %s status=%s", p.DecisionID, res.OrderID, res.Status)
		resolved[p.DecisionID] = res
	}
	return resolved
}

// neverSent classifies submission errors where the request provably never
// reached the exchange, making a retry safe.
func neverSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
