package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONPlainObject(t *testing.T) {
	block, ok := ExtractJSON(`{"action": "BUY"}`)
	require.True(t, ok)
	assert.Equal(t, `{"action": "BUY"}`, block)
}

func TestExtractJSONFromProse(t *testing.T) {
	block, ok := ExtractJSON(`Based on the data, I suggest: {"action": "SELL", "size": 0.1} as above.`)
	require.True(t, ok)
	assert.Equal(t, `{"action": "SELL", "size": 0.1}`, block)
}

func TestExtractJSONFromFence(t *testing.T) {
	raw := "```json\n{\"action\": \"HOLD\"}\n```"
	block, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Equal(t, `{"action": "HOLD"}`, block)
}

func TestExtractJSONNestedObject(t *testing.T) {
	raw := `{"a": {"b": [1, 2, {"c": "}"}]}, "d": "x"}`
	block, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Equal(t, raw, block)
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	raw := `{"rationale": "close above {resistance}", "action": "BUY"}`
	block, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Equal(t, raw, block)
}

func TestExtractJSONArray(t *testing.T) {
	block, ok := ExtractJSON(`prefix [1, 2, 3] suffix`)
	require.True(t, ok)
	assert.Equal(t, `[1, 2, 3]`, block)
}

func TestExtractJSONNothingFound(t *testing.T) {
	for _, raw := range []string{"", "   ", "no json here", `{"unbalanced": true`} {
		_, ok := ExtractJSON(raw)
		assert.False(t, ok, "input %q", raw)
	}
}
