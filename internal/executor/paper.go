package executor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFunc supplies the fill price for simulated orders, typically backed
// by the market snapshot provider.
type PriceFunc func(ctx context.Context, instrument string) (float64, error)

// PaperExchange fills every order immediately at the supplied price plus a
// fixed slippage. Orders are kept in memory keyed by client order id so the
// query-before-resubmit path behaves like a real venue.
type PaperExchange struct {
	priceFn     PriceFunc
	slippageBps int64

	mu     sync.Mutex
	orders map[string]Result
	seq    int64
}

func NewPaperExchange(priceFn PriceFunc, slippageBps int64) *PaperExchange {
	return &PaperExchange{
		priceFn:     priceFn,
		slippageBps: slippageBps,
		orders:      make(map[string]Result),
	}
}

func (p *PaperExchange) Name() string { return "paper" }

func (p *PaperExchange) Submit(ctx context.Context, order Order) (Result, error) {
	p.mu.Lock()
	if existing, ok := p.orders[order.DecisionID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.mu.Unlock()

	price := order.Price
	if p.priceFn != nil {
		fetched, err := p.priceFn(ctx, order.Instrument)
		if err == nil && fetched > 0 {
			price = fetched
		}
	}
	price = p.applySlippage(price, order.Side)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	res := Result{
		OrderID:       "paper-" + strconv.FormatInt(p.seq, 10),
		ClientOrderID: order.DecisionID,
		Instrument:    order.Instrument,
		Status:        FillStatusFilled,
		ExecutedPrice: price,
		ExecutedSize:  order.Size,
		SubmittedAt:   time.Now().UTC(),
	}
	p.orders[order.DecisionID] = res
	return res, nil
}

func (p *PaperExchange) Query(_ context.Context, _, clientOrderID string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.orders[clientOrderID]; ok {
		return res, nil
	}
	return Result{}, ErrOrderNotFound
}

func (p *PaperExchange) Cancel(_ context.Context, _, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.orders[clientOrderID]; ok && res.Status == FillStatusNew {
		res.Status = FillStatusCanceled
		p.orders[clientOrderID] = res
		return nil
	}
	if _, ok := p.orders[clientOrderID]; !ok {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PaperExchange) applySlippage(price float64, side Side) float64 {
	if p.slippageBps == 0 || price <= 0 {
		return price
	}
	bps := decimal.New(p.slippageBps, -4)
	d := decimal.NewFromFloat(price)
	if side == SideBuy {
		d = d.Mul(decimal.NewFromInt(1).Add(bps))
	} else {
		d = d.Mul(decimal.NewFromInt(1).Sub(bps))
	}
	out, _ := d.Float64()
	return out
}
