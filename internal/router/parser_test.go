package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionValid(t *testing.T) {
	raw := `{"action": "BUY", "size": 0.25, "confidence": 0.8, "rationale": "breakout above EMA20"}`
	payload, err := ParseDecision(raw)
	require.NoError(t, err)
	assert.Equal(t, "BUY", payload.Action)
	assert.Equal(t, 0.25, payload.Size)
	assert.Equal(t, 0.8, payload.Confidence)
	assert.Equal(t, "breakout above EMA20", payload.Rationale)
}

func TestParseDecisionFromFencedOutput(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"action\": \"SELL\", \"size\": 0.1, \"confidence\": 0.7}\n```\nGood luck."
	payload, err := ParseDecision(raw)
	require.NoError(t, err)
	assert.Equal(t, "SELL", payload.Action)
	assert.Equal(t, 0.1, payload.Size)
}

func TestParseDecisionHoldWithNonZeroSize(t *testing.T) {
	_, err := ParseDecision(`{"action": "HOLD", "size": 0.3, "confidence": 0.9}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecisionParse)
}

func TestParseDecisionHoldZeroSize(t *testing.T) {
	payload, err := ParseDecision(`{"action": "HOLD", "size": 0, "confidence": 0.6}`)
	require.NoError(t, err)
	assert.Equal(t, "HOLD", payload.Action)
	assert.Zero(t, payload.Size)
}

func TestParseDecisionRejectsBadInputs(t *testing.T) {
	cases := map[string]string{
		"no json":            "I think you should buy.",
		"invalid json":       `{"action": "BUY", "size": }`,
		"array root":         `[{"action": "BUY"}]`,
		"missing action":     `{"size": 0.1, "confidence": 0.5}`,
		"unknown action":     `{"action": "SHORT", "size": 0.1, "confidence": 0.5}`,
		"negative size":      `{"action": "BUY", "size": -0.1, "confidence": 0.5}`,
		"confidence above 1": `{"action": "BUY", "size": 0.1, "confidence": 1.2}`,
		"confidence below 0": `{"action": "BUY", "size": 0.1, "confidence": -0.2}`,
		"extra field":        `{"action": "BUY", "size": 0.1, "confidence": 0.5, "leverage": 20}`,
		"missing size":       `{"action": "BUY", "confidence": 0.5}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDecision(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecisionParse)
		})
	}
}

func TestParseDecisionRejectsOverlongRationale(t *testing.T) {
	long := strings.Repeat("x", 2000)
	_, err := ParseDecision(`{"action": "BUY", "size": 0.1, "confidence": 0.5, "rationale": "` + long + `"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecisionParse)

	ok := strings.Repeat("x", maxRationaleLen)
	payload, err := ParseDecision(`{"action": "BUY", "size": 0.1, "confidence": 0.5, "rationale": "` + ok + `"}`)
	require.NoError(t, err)
	assert.Len(t, payload.Rationale, maxRationaleLen)
}
