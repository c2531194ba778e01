package market

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

func TestBookTopParsesTickerPrices(t *testing.T) {
	bid, ask := bookTop(&futures.BookTicker{
		Symbol:      "BTCUSDT",
		BidPrice:    "64250.10",
		AskPrice:    "64250.90",
		BidQuantity: "1.5",
		AskQuantity: "0.8",
	})
	assert.InDelta(t, 64250.10, bid, 1e-9)
	assert.InDelta(t, 64250.90, ask, 1e-9)
}

func TestBinanceConfigDefaults(t *testing.T) {
	cfg := BinanceConfig{}.withDefaults()
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "5m", cfg.Interval)
	assert.Equal(t, 100, cfg.KlineLimit)

	capped := BinanceConfig{KlineLimit: 9000}.withDefaults()
	assert.Equal(t, maxKlineLimit, capped.KlineLimit)
}
