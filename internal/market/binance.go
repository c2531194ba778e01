package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	symbolpkg "github.com/allenxing4071/aicoin-sub002/internal/pkg/symbol"
)

const maxKlineLimit = 1500

type BinanceConfig struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	Interval    string
	KlineLimit  int
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Interval == "" {
		c.Interval = "5m"
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 100
	}
	if c.KlineLimit > maxKlineLimit {
		c.KlineLimit = maxKlineLimit
	}
	return c
}

// BinanceSource implements Source on the Binance USD-M futures REST API.
type BinanceSource struct {
	cfg    BinanceConfig
	client *futures.Client
}

func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &BinanceSource{cfg: final, client: client}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) Fetch(ctx context.Context, instrument string) (Snapshot, error) {
	instrument = symbolpkg.Normalize(instrument)
	if instrument == "" {
		return Snapshot{}, fmt.Errorf("instrument is required")
	}
	exchangeSym := symbolpkg.ToBinance(instrument)

	tickers, err := s.client.NewListBookTickersService().Symbol(exchangeSym).Do(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("book ticker %s: %w", exchangeSym, err)
	}
	if len(tickers) == 0 || tickers[0] == nil {
		return Snapshot{}, fmt.Errorf("empty book ticker for %s", exchangeSym)
	}
	bid, ask := bookTop(tickers[0])

	kls, err := s.client.NewKlinesService().
		Symbol(exchangeSym).
		Interval(s.cfg.Interval).
		Limit(s.cfg.KlineLimit).
		Do(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("klines %s: %w", exchangeSym, err)
	}
	klines := make([]Kline, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	last := 0.0
	if len(klines) > 0 {
		last = klines[len(klines)-1].Close
	}

	return Snapshot{
		Instrument: instrument,
		CapturedAt: time.Now().UTC(),
		BestBid:    bid,
		BestAsk:    ask,
		LastPrice:  last,
		Klines:     klines,
		Source:     s.Name(),
		Indicators: computeIndicators(klines),
	}, nil
}

// bookTop extracts the top-of-book prices from a futures book ticker.
func bookTop(t *futures.BookTicker) (bid, ask float64) {
	return parseFloat(t.BidPrice), parseFloat(t.AskPrice)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
