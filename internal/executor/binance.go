package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	symbolpkg "github.com/allenxing4071/aicoin-sub002/internal/pkg/symbol"
)

// Binance error code for "Order does not exist".
const binanceOrderNotFound = -2013

type BinanceConfig struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	HTTPTimeout time.Duration
}

// BinanceExchange implements Exchange on Binance USD-M futures. The decision
// id rides as newClientOrderId, so duplicate submissions collapse server-side.
type BinanceExchange struct {
	client *futures.Client
}

func NewBinanceExchange(cfg BinanceConfig) *BinanceExchange {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if base := strings.TrimSpace(cfg.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceExchange{client: client}
}

func (b *BinanceExchange) Name() string { return "binance" }

func (b *BinanceExchange) Submit(ctx context.Context, order Order) (Result, error) {
	sym := symbolpkg.ToBinance(order.Instrument)
	qty := decimal.NewFromFloat(order.Size).String()

	svc := b.client.NewCreateOrderService().
		Symbol(sym).
		Side(futures.SideType(order.Side)).
		Type(futures.OrderType(order.Type)).
		Quantity(qty).
		NewClientOrderID(order.DecisionID)
	if order.Type == OrderTypeLimit && order.Price > 0 {
		svc = svc.Price(decimal.NewFromFloat(order.Price).String()).
			TimeInForce(futures.TimeInForceTypeGTC)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("binance create order: %w", err)
	}
	return Result{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Instrument:    order.Instrument,
		Status:        mapBinanceStatus(resp.Status),
		ExecutedPrice: parsePrice(resp.AvgPrice),
		ExecutedSize:  parsePrice(resp.ExecutedQuantity),
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

func (b *BinanceExchange) Query(ctx context.Context, instrument, clientOrderID string) (Result, error) {
	sym := symbolpkg.ToBinance(instrument)
	ord, err := b.client.NewGetOrderService().
		Symbol(sym).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceOrderNotFound {
			return Result{}, ErrOrderNotFound
		}
		return Result{}, fmt.Errorf("binance get order: %w", err)
	}
	return Result{
		OrderID:       strconv.FormatInt(ord.OrderID, 10),
		ClientOrderID: ord.ClientOrderID,
		Instrument:    instrument,
		Status:        mapBinanceStatus(ord.Status),
		ExecutedPrice: parsePrice(ord.AvgPrice),
		ExecutedSize:  parsePrice(ord.ExecutedQuantity),
	}, nil
}

func (b *BinanceExchange) Cancel(ctx context.Context, instrument, clientOrderID string) error {
	sym := symbolpkg.ToBinance(instrument)
	_, err := b.client.NewCancelOrderService().
		Symbol(sym).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("binance cancel order: %w", err)
	}
	return nil
}

func mapBinanceStatus(status futures.OrderStatusType) FillStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return FillStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return FillStatusPartial
	case futures.OrderStatusTypeFilled:
		return FillStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return FillStatusCanceled
	case futures.OrderStatusTypeRejected:
		return FillStatusRejected
	default:
		return FillStatusUnknown
	}
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
