package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/allenxing4071/aicoin-sub002/internal/market"
)

const (
	klineSummaryWindow = 12
	maxLessonLines     = 8
)

// renderInput flattens everything the template may reference into a single
// map. Templates run with missingkey=error so a template referencing a field
// that is absent fails the render instead of emitting "<no value>".
func renderInput(snap market.Snapshot, pos PositionView, mem Memory) map[string]any {
	return map[string]any{
		"instrument":    snap.Instrument,
		"captured_at":   snap.CapturedAt.UTC().Format("2006-01-02 15:04:05"),
		"best_bid":      snap.BestBid,
		"best_ask":      snap.BestAsk,
		"last_price":    snap.LastPrice,
		"mid_price":     snap.Mid(),
		"source":        snap.Source,
		"rsi_14":        snap.Indicators.RSI14,
		"ema_20":        snap.Indicators.EMA20,
		"ema_50":        snap.Indicators.EMA50,
		"atr_14":        snap.Indicators.ATR14,
		"kline_summary": summarizeKlines(snap.Klines),
		"position_size": pos.Size,
		"entry_price":   pos.EntryPrice,
		"daily_pnl":     pos.DailyPnL,
		"lessons":       summarizeLessons(mem.Lessons),
		"source_weight": sourceWeight(mem, snap.Source),
	}
}

func (tv *TemplateVersion) render(data map[string]any) (string, error) {
	for _, field := range tv.Required {
		if _, ok := data[field]; !ok {
			return "", fmt.Errorf("%w: template %s requires field %q", ErrTemplateRender, tv.ID, field)
		}
	}
	var b strings.Builder
	if err := tv.body.Execute(&b, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return b.String(), nil
}

// summarizeKlines compresses the tail of the window into one line per bar.
func summarizeKlines(klines []market.Kline) string {
	if len(klines) == 0 {
		return "(no kline data)"
	}
	start := 0
	if len(klines) > klineSummaryWindow {
		start = len(klines) - klineSummaryWindow
	}
	var b strings.Builder
	for _, k := range klines[start:] {
		fmt.Fprintf(&b, "O=%.6g H=%.6g L=%.6g C=%.6g V=%.4g\n", k.Open, k.High, k.Low, k.Close, k.Volume)
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizeLessons keeps the highest-weight lessons, newest first within a
// weight tier.
func summarizeLessons(lessons []Lesson) string {
	if len(lessons) == 0 {
		return "(no recorded lessons yet)"
	}
	sorted := make([]Lesson, len(lessons))
	copy(sorted, lessons)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	if len(sorted) > maxLessonLines {
		sorted = sorted[:maxLessonLines]
	}
	var b strings.Builder
	for _, l := range sorted {
		fmt.Fprintf(&b, "- [w=%.2f] %s -> %s\n", l.Weight, l.Pattern, l.Outcome)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sourceWeight(mem Memory, source string) float64 {
	if w, ok := mem.SourceReliability[source]; ok {
		return w
	}
	return 1.0
}
