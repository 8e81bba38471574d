package scheduler_test

import (
	"PerpCurve/internal/core"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/observability"
	"PerpCurve/internal/scheduler"
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

type savedSnapshot struct {
	seq  int64
	hash []byte
	data []byte
}

type fakeStore struct {
	mu       sync.Mutex
	saved    []savedSnapshot
	verified []int64
}

func (f *fakeStore) SaveSnapshot(_ context.Context, seq int64, hash, data []byte, _ time.Time) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedSnapshot{seq: seq, hash: hash, data: data})
	return uuid.New(), nil
}

func (f *fakeStore) MarkVerified(_ context.Context, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, seq)
	return nil
}

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Genesis = t0
	cfg.IdempotencyCapacity = 64
	return cfg
}

func newTestRunner(t *testing.T) *core.Runner {
	t.Helper()
	c, err := core.NewDeterministicCore(testConfig(), nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	runner := core.NewRunner(c, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return runner
}

func mustBuy(t *testing.T, r *core.Runner, trigger string, seq int64) {
	t.Helper()
	resp, err := r.Submit(context.Background(), &event.Exchange{
		Header: event.Header{
			TriggerID: trigger, Sender: "alice", Sequence: seq, Timestamp: t0 + seq,
			Attached: &event.Attachment{Asset: "base", Amount: 1_000_000},
		},
		Asset: curve.BaseAssetID,
	})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
}

// ============================================================================
// Test: Snapshotter
// ============================================================================

func TestSnapshotter_SavesAndVerifies(t *testing.T) {
	r := newTestRunner(t)
	store := &fakeStore{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	snap := scheduler.NewSnapshotter(r, store, testConfig(), 100, metrics, zerolog.Nop())

	seq, err := snap.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "empty core has nothing to snapshot")

	mustBuy(t, r, "b1", 1)
	seq, err = snap.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	require.Len(t, store.saved, 1)
	assert.Equal(t, []int64{1}, store.verified)

	var tip [32]byte
	require.NoError(t, r.Read(context.Background(), func(c *core.DeterministicCore) { tip = c.GetStateHash() }))
	assert.Equal(t, hex.EncodeToString(tip[:]), hex.EncodeToString(store.saved[0].hash))

	decoded, err := core.DecodeSnapshot(store.saved[0].data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decoded.Sequence)

	// nothing new since the last snapshot
	seq, err = snap.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestSnapshotter_MaybeSnapshotWaitsForMinEvents(t *testing.T) {
	r := newTestRunner(t)
	store := &fakeStore{}
	snap := scheduler.NewSnapshotter(r, store, testConfig(), 3, nil, zerolog.Nop())

	mustBuy(t, r, "b1", 1)
	mustBuy(t, r, "b2", 2)
	seq, err := snap.MaybeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	mustBuy(t, r, "b3", 3)
	seq, err = snap.MaybeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestSnapshotter_SetLastSequence(t *testing.T) {
	r := newTestRunner(t)
	store := &fakeStore{}
	snap := scheduler.NewSnapshotter(r, store, testConfig(), 1, nil, zerolog.Nop())

	mustBuy(t, r, "b1", 1)
	snap.SetLastSequence(1)

	seq, err := snap.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Empty(t, store.saved)
}

// ============================================================================
// Test: Scheduler
// ============================================================================

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := scheduler.New(scheduler.NewSnapshotter(newTestRunner(t), &fakeStore{}, testConfig(), 1, nil, zerolog.Nop()),
		time.Second, zerolog.Nop())
	assert.Error(t, s.RegisterSnapshots("every now and then"))
	assert.NoError(t, s.RegisterSnapshots("0 */5 * * * *"))
}

func TestScheduler_RunSnapshotNow(t *testing.T) {
	r := newTestRunner(t)
	store := &fakeStore{}
	s := scheduler.New(scheduler.NewSnapshotter(r, store, testConfig(), 1, nil, zerolog.Nop()), time.Second, zerolog.Nop())

	mustBuy(t, r, "b1", 1)
	s.RunSnapshotNow()
	require.Len(t, store.saved, 1)
	assert.Equal(t, int64(1), store.saved[0].seq)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
