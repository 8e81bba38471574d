package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. Snapshot data is an opaque JSON document produced by the core.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRecord is one row of event_log.snapshots.
type SnapshotRecord struct {
	ID        uuid.UUID
	Sequence  int64
	StateHash []byte
	Data      []byte
	Verified  bool
	CreatedAt time.Time
}

// snapshot format versions
const (
	formatJSONv1 = 1
)

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot taken at sequence. A second snapshot at
// the same sequence replaces the first.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, stateHash, data []byte, at time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, id.String(), sequence, data, stateHash, formatJSONv1, len(data), at.UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("save snapshot %d: %w", sequence, err)
	}
	return id, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT snapshot_id, sequence, state_hash, data, created_at
		FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		rec SnapshotRecord
		id  string
	)
	if err := row.Scan(&id, &rec.Sequence, &rec.StateHash, &rec.Data, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: bad id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.Verified = true
	return &rec, nil
}

// MarkVerified marks a snapshot as verified after it was restored and
// re-checked.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, for
// warm restart (after a snapshot) or cold restart (from 1).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, payload, rejected,
		       error_kind, derived, cause, state_hash, prev_hash, event_time, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e         EventRow
			errorKind sql.NullString
			cause     sql.NullString
			at        time.Time
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.Payload, &e.Rejected,
			&errorKind, &e.Derived, &cause, &e.StateHash, &e.PrevHash, &at, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.ErrorKind = errorKind.String
		e.Cause = cause.String
		e.Timestamp = at.Unix()
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
