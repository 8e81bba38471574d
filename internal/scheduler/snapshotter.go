package scheduler

import (
	"PerpCurve/internal/core"
	"PerpCurve/internal/observability"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reader runs fn on the core goroutine. core.Runner implements it.
type Reader interface {
	Read(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// SnapshotStore persists encoded snapshots. persistence.SnapshotManager
// implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sequence int64, stateHash, data []byte, at time.Time) (uuid.UUID, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// Snapshotter captures core state between two events, saves it and marks
// it verified once it restores cleanly into a scratch core.
type Snapshotter struct {
	core      Reader
	store     SnapshotStore
	cfg       core.Config
	minEvents int64
	metrics   *observability.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

func NewSnapshotter(
	reader Reader,
	store SnapshotStore,
	cfg core.Config,
	minEvents int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		core:      reader,
		store:     store,
		cfg:       cfg,
		minEvents: minEvents,
		metrics:   metrics,
		log:       log,
	}
}

// SetLastSequence records the sequence of a snapshot loaded at startup.
func (s *Snapshotter) SetLastSequence(seq int64) {
	s.mu.Lock()
	s.lastSeq = seq
	s.mu.Unlock()
}

// MaybeSnapshot takes a snapshot when at least minEvents transitions were
// committed since the last one. It returns 0 when it skipped.
func (s *Snapshotter) MaybeSnapshot(ctx context.Context) (int64, error) {
	return s.take(ctx, false)
}

// TakeSnapshot takes a snapshot unless nothing was committed since the
// last one.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	return s.take(ctx, true)
}

func (s *Snapshotter) take(ctx context.Context, force bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var (
		snap    *core.SnapshotState
		data    []byte
		encErr  error
		current int64
	)
	err := s.core.Read(ctx, func(c *core.DeterministicCore) {
		current = c.GetSequence() - 1
		if current <= s.lastSeq || (!force && current-s.lastSeq < s.minEvents) {
			return
		}
		snap, data, encErr = c.EncodeSnapshot()
	})
	if err != nil {
		return 0, err
	}
	if encErr != nil {
		return 0, encErr
	}
	if snap == nil {
		return 0, nil
	}

	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
	}
	id, err := s.store.SaveSnapshot(ctx, snap.Sequence, hash, data, start)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	s.lastSeq = snap.Sequence

	if err := s.verify(data); err != nil {
		s.log.Error().Int64("sequence", snap.Sequence).Err(err).Msg("snapshot failed verification")
	} else if err := s.store.MarkVerified(ctx, snap.Sequence); err != nil {
		s.log.Warn().Int64("sequence", snap.Sequence).Err(err).Msg("mark snapshot verified failed")
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	}
	s.log.Info().
		Str("id", id.String()).
		Int64("sequence", snap.Sequence).
		Int("bytes", len(data)).
		Msg("snapshot saved")
	return snap.Sequence, nil
}

// verify restores data into a scratch core; restore re-checks every
// engine invariant and the custody reconciliation.
func (s *Snapshotter) verify(data []byte) error {
	decoded, err := core.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	scratch, err := core.NewDeterministicCore(s.cfg, nil, nil, nil, nil, zerolog.Nop())
	if err != nil {
		return err
	}
	if err := scratch.RestoreFromSnapshot(decoded); err != nil {
		return err
	}
	tip := scratch.GetStateHash()
	if got := hex.EncodeToString(tip[:]); got != decoded.StateHash {
		return fmt.Errorf("restored hash %s, want %s", got, decoded.StateHash)
	}
	return nil
}
