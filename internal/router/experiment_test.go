package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExperiment() Experiment {
	return Experiment{
		Name:        "concise-vs-baseline",
		Instruments: []string{"BTC/USDT", "ETH/USDT"},
		Variants: []ExperimentVariant{
			{TemplateID: "baseline", Weight: 50},
			{TemplateID: "concise", Weight: 50},
		},
	}
}

func TestAssignVariantStableWithinDay(t *testing.T) {
	exp := testExperiment()
	day := time.Date(2026, 8, 14, 0, 0, 1, 0, time.UTC)

	first, ok := exp.AssignVariant("BTC/USDT", day)
	require.True(t, ok)
	for hour := 0; hour < 24; hour++ {
		at := day.Add(time.Duration(hour) * time.Hour)
		got, ok := exp.AssignVariant("BTC/USDT", at)
		require.True(t, ok)
		assert.Equal(t, first.TemplateID, got.TemplateID, "variant flipped at %s", at)
	}
}

func TestAssignVariantRespectsWeights(t *testing.T) {
	exp := testExperiment()
	exp.Variants = []ExperimentVariant{
		{TemplateID: "baseline", Weight: 100},
		{TemplateID: "concise", Weight: 0},
	}
	for _, instrument := range []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT"} {
		v, ok := exp.AssignVariant(instrument, time.Now())
		require.True(t, ok)
		assert.Equal(t, "baseline", v.TemplateID)
	}
}

func TestAssignVariantSplitsTraffic(t *testing.T) {
	exp := testExperiment()
	exp.Instruments = nil
	seen := map[string]bool{}
	at := time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC)
	for _, instrument := range []string{
		"AAA/USDT", "BBB/USDT", "CCC/USDT", "DDD/USDT", "EEE/USDT",
		"FFF/USDT", "GGG/USDT", "HHH/USDT", "III/USDT", "JJJ/USDT",
	} {
		v, ok := exp.AssignVariant(instrument, at)
		require.True(t, ok)
		seen[v.TemplateID] = true
	}
	// A 50/50 split over ten instruments should land in both arms.
	assert.True(t, seen["baseline"], "baseline arm never chosen")
	assert.True(t, seen["concise"], "concise arm never chosen")
}

func TestExperimentCovers(t *testing.T) {
	exp := testExperiment()
	assert.True(t, exp.covers("BTC/USDT"))
	assert.True(t, exp.covers("btc/usdt"))
	assert.False(t, exp.covers("SOL/USDT"))

	exp.Instruments = nil
	assert.True(t, exp.covers("SOL/USDT"))
}

func TestAssignVariantNoVariants(t *testing.T) {
	exp := Experiment{Name: "empty"}
	_, ok := exp.AssignVariant("BTC/USDT", time.Now())
	assert.False(t, ok)
}
