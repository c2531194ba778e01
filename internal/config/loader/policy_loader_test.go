package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenxing4071/aicoin-sub002/internal/risk"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

var testFallback = risk.Limits{
	MinConfidence:   0.55,
	MaxPositionSize: 1.0,
	MaxDailyLoss:    500,
}

func TestPolicyLoaderResolvesOverrides(t *testing.T) {
	path := writePolicyFile(t, `
limits:
  default:
    min_confidence: 0.6
  overrides:
    btc/usdt:
      max_position_size: 0.5
`)
	l, err := NewPolicyLoader(path, testFallback)
	require.NoError(t, err)

	def := l.LimitsFor("ETH/USDT")
	assert.InDelta(t, 0.6, def.MinConfidence, 1e-9)
	assert.InDelta(t, 1.0, def.MaxPositionSize, 1e-9, "unset file fields fall back")
	assert.InDelta(t, 500.0, def.MaxDailyLoss, 1e-9)

	// Override keys are matched case-insensitively and inherit from the
	// merged defaults, not the raw fallback.
	btc := l.LimitsFor("btc/usdt")
	assert.InDelta(t, 0.5, btc.MaxPositionSize, 1e-9)
	assert.InDelta(t, 0.6, btc.MinConfidence, 1e-9)
}

func TestPolicyLoaderParsesExperiments(t *testing.T) {
	path := writePolicyFile(t, `
experiments:
  - name: concise-vs-baseline
    instruments: [eth/usdt]
    variants:
      - template_id: baseline
        weight: 50
      - template_id: concise
        weight: 50
`)
	l, err := NewPolicyLoader(path, testFallback)
	require.NoError(t, err)

	exps := l.Experiments()
	require.Len(t, exps, 1)
	assert.Equal(t, "concise-vs-baseline", exps[0].Name)
	assert.Equal(t, []string{"ETH/USDT"}, exps[0].Instruments)
	require.Len(t, exps[0].Variants, 2)
	assert.Equal(t, "baseline", exps[0].Variants[0].TemplateID)
}

func TestPolicyLoaderRejectsBrokenExperiments(t *testing.T) {
	cases := map[string]string{
		"missing name": `
experiments:
  - variants:
      - template_id: baseline
        weight: 100
`,
		"duplicate name": `
experiments:
  - name: exp
    variants:
      - {template_id: a, weight: 100}
  - name: exp
    variants:
      - {template_id: b, weight: 100}
`,
		"variant without template": `
experiments:
  - name: exp
    variants:
      - weight: 100
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPolicyLoader(writePolicyFile(t, content), testFallback)
			assert.Error(t, err)
		})
	}
}

func TestPolicyLoaderTradingDisabledTakenAsIs(t *testing.T) {
	path := writePolicyFile(t, `
limits:
  default:
    trading_disabled: true
  overrides:
    BTC/USDT:
      trading_disabled: false
      min_confidence: 0.7
`)
	l, err := NewPolicyLoader(path, testFallback)
	require.NoError(t, err)

	assert.True(t, l.LimitsFor("ETH/USDT").TradingDisabled)
	assert.False(t, l.LimitsFor("BTC/USDT").TradingDisabled,
		"an explicit false in an override must not inherit the default's true")
}

func TestStaticLoader(t *testing.T) {
	l := Static(testFallback)
	assert.Equal(t, testFallback, l.LimitsFor("BTC/USDT"))
	assert.Empty(t, l.Experiments())
	assert.EqualValues(t, 1, l.Snapshot().Version)
}
