package persistence_test

import (
	"PerpCurve/internal/event"
	"PerpCurve/internal/ledger"
	"PerpCurve/internal/persistence"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func testEnvelope(seq int64) *event.EventEnvelope {
	return &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: "tx-1",
		EventType:      event.EventTypeExchange,
		Partition:      "sender:alice",
		Timestamp:      1_700_000_000,
		SourceSequence: 1,
		Payload:        []byte(`{"trigger_id":"tx-1"}`),
		StateHash:      sha256.Sum256([]byte("after")),
		PrevHash:       sha256.Sum256([]byte("before")),
	}
}

func testBatch(seq int64) *ledger.Batch {
	batchID := uuid.New()
	return &ledger.Batch{
		BatchID:  batchID,
		EventRef: "tx-1",
		Sequence: seq,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				EventRef:      "tx-1",
				Sequence:      seq,
				DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeCurveReserve, "base"),
				CreditAccount: ledger.NewExternalAccountKey("base"),
				Asset:         "base",
				Amount:        1000,
				JournalType:   ledger.JournalTypeCurveBuy,
				Timestamp:     1_700_000_000,
			},
		},
	}
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestNewCoreOutput_FlattensEnvelopeAndBatch(t *testing.T) {
	out := persistence.NewCoreOutput(testEnvelope(5), testBatch(5))

	assert.Equal(t, int64(5), out.EventRow.Sequence)
	assert.Equal(t, "Exchange", out.EventRow.EventType)
	assert.Len(t, out.EventRow.StateHash, 32)
	require.Len(t, out.JournalRows, 1)
	j := out.JournalRows[0]
	assert.Equal(t, "system:curve_reserve:base", j.DebitAccount)
	assert.Equal(t, "external:wallets:base", j.CreditAccount)
	assert.Equal(t, "curve_buy", j.JournalType)

	assert.Empty(t, persistence.NewCoreOutput(testEnvelope(6), nil).JournalRows)
}

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	env := testEnvelope(9)
	env.Rejected, env.ErrorKind = true, "ValidationError"

	got, err := persistence.NewEventRow(env).Envelope()
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestEventRow_EnvelopeRejectsBadRows(t *testing.T) {
	row := persistence.NewEventRow(testEnvelope(1))
	row.EventType = "Liquidation"
	_, err := row.Envelope()
	assert.Error(t, err)

	row = persistence.NewEventRow(testEnvelope(1))
	row.StateHash = row.StateHash[:4]
	_, err = row.Envelope()
	assert.Error(t, err)
}

// ============================================================================
// Test: Writer
// ============================================================================

func TestWriteEventBatch_MultiRowInsert(t *testing.T) {
	db, mock := newMockDB(t)
	w := persistence.NewEventLogWriter(db)

	mock.ExpectExec(`INSERT INTO event_log.events .*\(\$1, .*\$13\), \(\$14, .*\$26\) ON CONFLICT \(sequence\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	rows := []persistence.EventRow{
		persistence.NewEventRow(testEnvelope(1)),
		persistence.NewEventRow(testEnvelope(2)),
	}
	require.NoError(t, w.WriteEventBatch(context.Background(), db, rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatches_EmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	w := persistence.NewEventLogWriter(db)

	require.NoError(t, w.WriteEventBatch(context.Background(), db, nil))
	require.NoError(t, w.WriteJournalBatch(context.Background(), db, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Test: Worker
// ============================================================================

func runWorker(t *testing.T, db *sql.DB, outputs ...persistence.CoreOutput) error {
	t.Helper()
	ch := make(chan persistence.CoreOutput, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)
	w := persistence.NewPersistenceWorker(db, ch, 10, time.Hour, nil, zerolog.Nop())
	return w.Run(context.Background())
}

func TestPersistenceWorker_FlushesInOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.journal")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := runWorker(t, db,
		persistence.NewCoreOutput(testEnvelope(1), testBatch(1)),
		persistence.NewCoreOutput(testEnvelope(2), nil),
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_RollsBackOnJournalFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.journal")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := runWorker(t, db, persistence.NewCoreOutput(testEnvelope(1), testBatch(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write journals")
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Test: Snapshots and replay reads
// ============================================================================

func TestLoadLatestSnapshot_ColdStart(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("FROM event_log.snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_id", "sequence", "state_hash", "data", "created_at"}))

	snap, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadLatestSnapshot_ReturnsVerified(t *testing.T) {
	db, mock := newMockDB(t)
	id := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("FROM event_log.snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_id", "sequence", "state_hash", "data", "created_at"}).
			AddRow(id.String(), int64(42), []byte{1, 2}, []byte(`{"sequence":42}`), at))

	snap, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, int64(42), snap.Sequence)
	assert.True(t, snap.Verified)
	assert.JSONEq(t, `{"sequence":42}`, string(snap.Data))
}

func TestSaveSnapshot(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Unix(1_700_000_000, 0)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.snapshots")).
		WithArgs(sqlmock.AnyArg(), int64(7), []byte(`{}`), []byte{9}, 1, 2, at.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := persistence.NewSnapshotManager(db).SaveSnapshot(context.Background(), 7, []byte{9}, []byte(`{}`), at)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEventsFrom_ScansRows(t *testing.T) {
	db, mock := newMockDB(t)
	env := testEnvelope(3)
	env.Derived, env.Cause = true, "vote-1"

	cols := []string{"sequence", "event_type", "idempotency_key", "partition_key", "payload", "rejected",
		"error_kind", "derived", "cause", "state_hash", "prev_hash", "event_time", "source_sequence"}
	mock.ExpectQuery("FROM event_log.events").
		WithArgs(int64(3), 100).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			env.Sequence, "Exchange", env.IdempotencyKey, env.Partition, env.Payload, false,
			nil, true, "vote-1", env.StateHash[:], env.PrevHash[:], time.Unix(env.Timestamp, 0).UTC(), env.SourceSequence,
		))

	rows, err := persistence.NewSnapshotManager(db).LoadEventsFrom(context.Background(), 3, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got, err := rows[0].Envelope()
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestGetLatestSequence_EmptyLog(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(sequence)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	seq, err := persistence.NewSnapshotManager(db).GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

// ============================================================================
// Test: Tier-2 idempotency
// ============================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := newMockDB(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)

	mock.ExpectQuery("FROM event_log.events").
		WithArgs("Exchange", "tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("FROM event_log.events").
		WithArgs("Exchange", "tx-2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectQuery("FROM event_log.events").
		WithArgs("Exchange", "tx-3").
		WillReturnError(errors.New("connection reset"))

	dup, err := checker.IsDuplicate("Exchange", "tx-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("Exchange", "tx-2")
	require.NoError(t, err)
	assert.False(t, dup)

	_, err = checker.IsDuplicate("Exchange", "tx-3")
	assert.Error(t, err)
}
