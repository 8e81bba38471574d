package persistence

import (
	"PerpCurve/internal/event"
	"PerpCurve/internal/ledger"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes committed transitions and their journals to Postgres
// using multi-row inserts. Writes are idempotent on sequence and journal id.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Payload        []byte // canonical JSON of the event
	Rejected       bool
	ErrorKind      string
	Derived        bool
	Cause          string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

const eventColumns = 13

const journalColumns = 10

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow flattens an envelope into its event log row.
func NewEventRow(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Payload:        env.Payload,
		Rejected:       env.Rejected,
		ErrorKind:      env.ErrorKind,
		Derived:        env.Derived,
		Cause:          env.Cause,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// NewJournalRows flattens a ledger batch. A nil batch yields no rows.
func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.Asset,
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// Envelope rebuilds the envelope stored in the row, for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Partition:      r.Partition,
		Timestamp:      r.Timestamp,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
		Rejected:       r.Rejected,
		ErrorKind:      r.ErrorKind,
		Derived:        r.Derived,
		Cause:          r.Cause,
	}
	if err := copyHash(env.StateHash[:], r.StateHash); err != nil {
		return nil, fmt.Errorf("event %d state hash: %w", r.Sequence, err)
	}
	if err := copyHash(env.PrevHash[:], r.PrevHash); err != nil {
		return nil, fmt.Errorf("event %d prev hash: %w", r.Sequence, err)
	}
	return env, nil
}

func copyHash(dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d (%s)", len(dst), len(src), hex.EncodeToString(src))
	}
	copy(dst, src)
	return nil
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition_key, payload, rejected, error_kind,
		 derived, cause, state_hash, prev_hash, event_time, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*eventColumns)

	for i, e := range events {
		values = append(values, placeholders(i*eventColumns, eventColumns))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.Payload,
			e.Rejected, nullable(e.ErrorKind), e.Derived, nullable(e.Cause),
			e.StateHash, e.PrevHash, time.Unix(e.Timestamp, 0).UTC(), e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, event_time)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*journalColumns)

	for i, j := range journals {
		values = append(values, placeholders(i*journalColumns, journalColumns))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, time.Unix(j.Timestamp, 0).UTC(),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
