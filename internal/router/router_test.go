package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenxing4071/aicoin-sub002/internal/market"
)

const baselineTemplate = `---
id: baseline
system: Reply with one JSON decision object.
required:
  - instrument
  - last_price
---
{{.instrument}} last={{.last_price}} rsi={{.rsi_14}}
`

const conciseTemplate = `---
id: concise
system: JSON only.
---
{{.instrument}} @ {{.last_price}}
`

func writeTemplates(t *testing.T, files map[string]string) *Registry {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	reg, err := NewRegistry(dir)
	require.NoError(t, err)
	return reg
}

type scriptedCall struct {
	raw   string
	err   error
	delay time.Duration
}

type fakeProvider struct {
	calls   int
	scripts []scriptedCall
}

func (f *fakeProvider) ID() string { return "fake:model" }

func (f *fakeProvider) Call(ctx context.Context, system, user string) (string, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	s := f.scripts[idx]
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.raw, s.err
}

func testSnapshot() market.Snapshot {
	return market.Snapshot{
		Instrument: "BTC/USDT",
		CapturedAt: time.Now().UTC(),
		BestBid:    64000,
		BestAsk:    64001,
		LastPrice:  64000.5,
		Source:     "binance",
	}
}

func TestDecideHappyPath(t *testing.T) {
	reg := writeTemplates(t, map[string]string{"baseline.tmpl": baselineTemplate})
	provider := &fakeProvider{scripts: []scriptedCall{
		{raw: `{"action": "BUY", "size": 0.2, "confidence": 0.75, "rationale": "trend up"}`},
	}}
	r := New(Params{Registry: reg, Provider: provider})

	d, err := r.Decide(context.Background(), testSnapshot(), PositionView{})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "BTC/USDT", d.Instrument)
	assert.Equal(t, ActionBuy, d.Action)
	assert.Equal(t, 0.2, d.Size)
	assert.Equal(t, 0.75, d.Confidence)
	assert.Equal(t, "baseline", d.TemplateVersion)
	assert.Empty(t, d.Variant)
	assert.Equal(t, "fake:model", d.ModelID)
	assert.Greater(t, d.Latency, time.Duration(0))
}

func TestDecideRetriesTransientAndRecordsOnlySuccessfulLatency(t *testing.T) {
	reg := writeTemplates(t, map[string]string{"baseline.tmpl": baselineTemplate})
	provider := &fakeProvider{scripts: []scriptedCall{
		{err: &statusError{code: 503, msg: "overloaded"}, delay: 300 * time.Millisecond},
		{raw: `{"action": "HOLD", "size": 0, "confidence": 0.9}`},
	}}
	r := New(Params{Registry: reg, Provider: provider, MaxRetries: 1})

	d, err := r.Decide(context.Background(), testSnapshot(), PositionView{})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, ActionHold, d.Action)
	// The slow failed attempt must not count toward the decision latency.
	assert.Less(t, d.Latency, 200*time.Millisecond)
}

func TestDecideDoesNotRetryPermanentFailure(t *testing.T) {
	reg := writeTemplates(t, map[string]string{"baseline.tmpl": baselineTemplate})
	provider := &fakeProvider{scripts: []scriptedCall{
		{err: &statusError{code: 401, msg: "bad key"}},
	}}
	r := New(Params{Registry: reg, Provider: provider, MaxRetries: 3})

	_, err := r.Decide(context.Background(), testSnapshot(), PositionView{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, 1, provider.calls)
}

func TestDecideMalformedOutputIsParseError(t *testing.T) {
	reg := writeTemplates(t, map[string]string{"baseline.tmpl": baselineTemplate})
	provider := &fakeProvider{scripts: []scriptedCall{{raw: "I would buy some."}}}
	r := New(Params{Registry: reg, Provider: provider})

	_, err := r.Decide(context.Background(), testSnapshot(), PositionView{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecisionParse)
}

func TestDecideMissingRequiredFieldIsRenderError(t *testing.T) {
	const broken = `---
id: broken
system: x
required:
  - funding_rate
---
{{.instrument}}
`
	reg := writeTemplates(t, map[string]string{"broken.tmpl": broken})
	provider := &fakeProvider{scripts: []scriptedCall{{raw: "{}"}}}
	r := New(Params{Registry: reg, Provider: provider})

	_, err := r.Decide(context.Background(), testSnapshot(), PositionView{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateRender)
	assert.Zero(t, provider.calls, "model must not be called when rendering fails")
}

func TestDecideRoutesThroughExperiment(t *testing.T) {
	reg := writeTemplates(t, map[string]string{
		"baseline.tmpl": baselineTemplate,
		"concise.tmpl":  conciseTemplate,
	})
	provider := &fakeProvider{scripts: []scriptedCall{
		{raw: `{"action": "SELL", "size": 0.1, "confidence": 0.8}`},
	}}
	experiments := func() []Experiment {
		return []Experiment{{
			Name:     "exp",
			Variants: []ExperimentVariant{{TemplateID: "concise", Weight: 1}},
		}}
	}
	r := New(Params{Registry: reg, Provider: provider, Experiments: experiments})

	d, err := r.Decide(context.Background(), testSnapshot(), PositionView{})
	require.NoError(t, err)
	assert.Equal(t, "concise", d.TemplateVersion)
	assert.Equal(t, "exp/concise", d.Variant)
}

func TestRegistryDefaultPinning(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "baseline.tmpl"), []byte(baselineTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "concise.tmpl"), []byte(conciseTemplate), 0o644))

	reg, err := NewRegistryWithDefault(dir, "concise")
	require.NoError(t, err)
	assert.Equal(t, "concise", reg.Default().ID)

	reg, err = NewRegistry(dir)
	require.NoError(t, err)
	assert.Equal(t, "baseline", reg.Default().ID, "lexically-first wins without a pin")
}
