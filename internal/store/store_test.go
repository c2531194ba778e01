package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendOutcomeKeepsEveryFailureRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Pre-decision failures have no decision id; none may be dropped.
	require.NoError(t, s.AppendOutcome(ctx, OutcomeRecord{
		Instrument:    "BTC/USDT",
		FailureReason: "SNAPSHOT_UNAVAILABLE",
		CreatedAt:     now,
	}))
	require.NoError(t, s.AppendOutcome(ctx, OutcomeRecord{
		Instrument:    "ETH/USDT",
		FailureReason: "MODEL_UNAVAILABLE",
		CreatedAt:     now,
	}))

	outcomes, err := s.RecentOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	reasons := []string{outcomes[0].FailureReason, outcomes[1].FailureReason}
	assert.ElementsMatch(t, []string{"SNAPSHOT_UNAVAILABLE", "MODEL_UNAVAILABLE"}, reasons)
}

func TestAppendOutcomeIdempotentPerDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := OutcomeRecord{
		DecisionID: "d-1",
		Instrument: "BTC/USDT",
		Action:     "BUY",
		FillStatus: "FILLED",
		CreatedAt:  time.Now().UTC(),
	}

	require.NoError(t, s.AppendOutcome(ctx, rec))
	require.NoError(t, s.AppendOutcome(ctx, rec), "a replay must be dropped, not error")

	outcomes, err := s.RecentOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "d-1", outcomes[0].DecisionID)
}

func TestSubmissionLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkAttempted(ctx, "d-1", "BTC/USDT", "paper"))
	require.NoError(t, s.MarkAttempted(ctx, "d-1", "BTC/USDT", "paper"))

	attempted, err := s.WasAttempted(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, attempted)

	attempted, err = s.WasAttempted(ctx, "d-2")
	require.NoError(t, err)
	assert.False(t, attempted)

	// No execution recorded yet: the submission is an orphan.
	pending, err := s.PendingSubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d-1", pending[0].DecisionID)
}
