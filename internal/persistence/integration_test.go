package persistence_test

import (
	"PerpCurve/internal/core"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/persistence"
	"PerpCurve/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Postgres round trip (INTEGRATION_TEST=1)
// ============================================================================

func TestIntegration_PersistThenReplay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	cfg := core.DefaultConfig()
	cfg.Genesis = 1_700_000_000
	cfg.IdempotencyCapacity = 64

	persistCh := make(chan core.CoreOutput, 16)
	live, err := core.NewDeterministicCore(cfg, persistCh, nil, persistence.NewPostgresIdempotencyChecker(db), nil, zerolog.Nop())
	require.NoError(t, err)

	buys := []*event.Exchange{
		{Header: event.Header{TriggerID: "b1", Sender: "alice", Sequence: 1, Timestamp: cfg.Genesis,
			Attached: &event.Attachment{Asset: "base", Amount: 1_000_000_000}}, Asset: curve.BaseAssetID},
		{Header: event.Header{TriggerID: "b2", Sender: "bob", Sequence: 1, Timestamp: cfg.Genesis + 60,
			Attached: &event.Attachment{Asset: "base", Amount: 5_000_000}}, Asset: curve.BaseAssetID},
	}
	for _, b := range buys {
		resp, err := live.ProcessEvent(b)
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
	}
	close(persistCh)

	rows := make(chan persistence.CoreOutput, 16)
	for out := range persistCh {
		rows <- persistence.NewCoreOutput(out.Envelope, out.Batch)
	}
	close(rows)
	worker := persistence.NewPersistenceWorker(db, rows, 10, 10*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	stored, err := sm.LoadEventsFrom(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	envs := make([]*event.EventEnvelope, 0, len(stored))
	for _, row := range stored {
		env, err := row.Envelope()
		require.NoError(t, err)
		envs = append(envs, env)
	}

	replayed, err := core.NewDeterministicCore(cfg, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	n, err := replayed.Replay(envs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, live.GetStateHash(), replayed.GetStateHash())

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(event.EventTypeExchange.String(), buys[0].IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)
}
