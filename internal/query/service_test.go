package query_test

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/core"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/projection"
	"PerpCurve/internal/query"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

func newTestRunner(t *testing.T) *core.Runner {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Genesis = t0
	cfg.IdempotencyCapacity = 128
	c, err := core.NewDeterministicCore(cfg, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	runner := core.NewRunner(c, 16)
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

func buy(t *testing.T, r *core.Runner, trigger string, seq, ts, reserve int64) *event.Response {
	t.Helper()
	resp, err := r.Submit(context.Background(), &event.Exchange{
		Header: event.Header{
			TriggerID: trigger, Sender: "alice", Sequence: seq, Timestamp: ts,
			Attached: &event.Attachment{Asset: "base", Amount: reserve},
		},
		Asset: curve.BaseAssetID,
	})
	require.NoError(t, err)
	require.True(t, resp.OK, "buy rejected: %s", resp.Error)
	return resp
}

func newTestService(t *testing.T) (*query.QueryService, *core.Runner) {
	t.Helper()
	r := newTestRunner(t)
	return query.NewQueryService(r, nil, nil, nil).WithClock(func() int64 { return t0 + 60 }), r
}

// ============================================================================
// Test: Computed queries
// ============================================================================

func TestGetExchangeResult_MatchesCommit(t *testing.T) {
	qs, r := newTestService(t)
	buy(t, r, "seed", 1, t0, 1_000_000_000)

	quote, err := qs.GetExchangeResult(context.Background(), curve.BaseAssetID, 0, 100_000_000, t0+60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), quote.AsOfSequence)
	assert.Greater(t, quote.DeltaS, int64(0))
	assert.Equal(t, int64(100_000_000), quote.DeltaR)

	resp := buy(t, r, "second", 2, t0+60, 100_000_000)
	assert.Equal(t, strconv.FormatInt(quote.DeltaS, 10), resp.Fields["delta_s"])
	assert.Equal(t, strconv.FormatInt(quote.Fee, 10), resp.Fields["fee"])
}

func TestGetExchangeResult_NeedsOneDirection(t *testing.T) {
	qs, _ := newTestService(t)

	_, err := qs.GetExchangeResult(context.Background(), curve.BaseAssetID, 5, 5, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = qs.GetExchangeResult(context.Background(), curve.BaseAssetID, 0, 0, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetPrice(t *testing.T) {
	qs, r := newTestService(t)
	buy(t, r, "seed", 1, t0, 1_000_000_000)

	resp, err := qs.GetPrice(context.Background(), curve.BaseAssetID, false, 0)
	require.NoError(t, err)
	assert.True(t, resp.Price.IsPositive())
	assert.Equal(t, t0+60, resp.At)

	_, err = qs.GetPrice(context.Background(), "a9", false, 0)
	assert.Error(t, err)
}

func TestGetAuctionPrice_RequiresAuction(t *testing.T) {
	qs, _ := newTestService(t)
	_, err := qs.GetAuctionPrice(context.Background(), curve.BaseAssetID, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetRewards_UnknownAsset(t *testing.T) {
	qs, _ := newTestService(t)

	_, err := qs.GetRewards(context.Background(), "alice", "a9")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	resp, err := qs.GetRewards(context.Background(), "alice", curve.BaseAssetID)
	require.NoError(t, err)
	assert.Empty(t, resp.Rewards)
}

func TestGetStake_NoStake(t *testing.T) {
	qs, _ := newTestService(t)
	_, err := qs.GetStake(context.Background(), "alice", curve.BaseAssetID)
	assert.Error(t, err)
}

func TestGetVoteGroups(t *testing.T) {
	qs, _ := newTestService(t)
	resp, err := qs.GetVoteGroups(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.TotalVP.IsZero())
	assert.Equal(t, int64(0), resp.AsOfSequence)
}

// ============================================================================
// Test: Cached queries
// ============================================================================

func newTestStore(t *testing.T) *projection.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return projection.NewStore(client, "q", 10)
}

func TestGetAsset_FallsBackToCore(t *testing.T) {
	r := newTestRunner(t)
	store := newTestStore(t)
	qs := query.NewQueryService(r, store, nil, nil)
	buy(t, r, "seed", 1, t0, 1_000_000_000)

	live, err := qs.GetAsset(context.Background(), curve.BaseAssetID)
	require.NoError(t, err)
	assert.False(t, live.Cached)
	assert.Greater(t, live.Supply, int64(0))

	seq, balances, snaps, err := qs.ProjectionState(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Reset(context.Background(), seq, balances, snaps))

	cached, err := qs.GetAsset(context.Background(), curve.BaseAssetID)
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, live.Supply, cached.Supply)

	bal, err := qs.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.AsOfSequence)
	assert.Equal(t, int64(1_000_000_000), bal.Balances["system:curve_reserve:base"])
}

func TestGetResponses(t *testing.T) {
	r := newTestRunner(t)
	store := newTestStore(t)
	qs := query.NewQueryService(r, store, nil, nil)

	require.NoError(t, store.Apply(context.Background(), projection.Output{
		Sequence: 1,
		Response: &event.Response{TriggerID: "x", Sender: "alice", Target: "curve", OK: true},
	}))

	resp, err := qs.GetResponses(context.Background(), "alice", 5)
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)
	assert.Equal(t, "x", resp.Responses[0].TriggerID)
	assert.Equal(t, int64(1), resp.AsOfSequence)
}

// ============================================================================
// Test: Event log queries
// ============================================================================

func TestVerifyIntegrity(t *testing.T) {
	r := newTestRunner(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	qs := query.NewQueryService(r, nil, db, nil)
	buy(t, r, "seed", 1, t0, 1_000_000_000)

	mock.ExpectQuery("FROM event_log.events e1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "report: %+v", report)
	assert.Equal(t, int64(1), report.AsOfSequence)

	mock.ExpectQuery("FROM event_log.events e1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(7)))
	report, err = qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{7}, report.HashChainBreaks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJournalHistory(t *testing.T) {
	r := newTestRunner(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	qs := query.NewQueryService(r, nil, db, nil)

	after := int64(10)
	cols := []string{"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account",
		"asset", "amount", "journal_type", "event_time"}
	mock.ExpectQuery("FROM event_log.journal").
		WithArgs("system:curve_reserve:base", after, 20).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"j1", "b1", "seed", int64(1), "system:curve_reserve:base", "external:wallets:base",
			"base", int64(1000), "curve_buy", time.Unix(t0, 0).UTC(),
		))

	entries, err := qs.GetJournalHistory(context.Background(), "system:curve_reserve:base", 20, &after)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, t0, entries[0].Timestamp)
	assert.Equal(t, "curve_buy", entries[0].JournalType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventLogInfo(t *testing.T) {
	r := newTestRunner(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := newTestStore(t)
	qs := query.NewQueryService(r, store, db, nil)
	buy(t, r, "seed", 1, t0, 1_000_000_000)

	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM event_log.events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	info, err := qs.GetEventLogInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.CoreSequence)
	assert.Len(t, info.StateHash, 64)
	assert.Equal(t, int64(0), info.PersistedSequence)
	assert.Equal(t, int64(0), info.ProjectedSequence)
	require.NoError(t, mock.ExpectationsWereMet())
}
