package core

import (
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/feed"
	"PerpCurve/internal/governance"
	"PerpCurve/internal/rewards"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"` // last committed sequence
	StateHash       string                `json:"state_hash"`
	Balances        map[string]int64      `json:"balances"` // AccountPath -> balance
	Curve           *curve.State          `json:"curve"`
	Governance      *governance.State     `json:"governance"`
	Rewards         *rewards.State        `json:"rewards"`
	Feeds           map[string]feed.Quote `json:"feeds"`
	SequenceState   map[string]int64      `json:"sequence_state"`   // partition -> last accepted
	IdempotencyKeys []string              `json:"idempotency_keys"` // oldest first
}

// CreateSnapshotState captures the current state. The engines' states are
// shared, so callers on other goroutines must use EncodeSnapshot instead.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	tip := c.hasher.GetPrevHash()
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       hex.EncodeToString(tip[:]),
		Balances:        c.balanceTracker.Snapshot(),
		Curve:           c.curve.State(),
		Governance:      c.gov.State(),
		Rewards:         c.gov.Rewards().State(),
		Feeds:           c.feeds.Snapshot(),
		SequenceState:   c.sequenceValidator.Snapshot(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// EncodeSnapshot serializes the current state.
func (c *DeterministicCore) EncodeSnapshot() (*SnapshotState, []byte, error) {
	snap := c.CreateSnapshotState()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snap, data, nil
}

// DecodeSnapshot parses an encoded snapshot.
func DecodeSnapshot(data []byte) (*SnapshotState, error) {
	var snap SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// RestoreFromSnapshot restores the core's in-memory state. On warm restart
// the snapshot is loaded first, then events after it are replayed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	raw, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("snapshot %d: bad state hash %q", snap.Sequence, snap.StateHash)
	}
	if err := c.curve.Restore(snap.Curve); err != nil {
		return err
	}
	if snap.Rewards != nil {
		c.gov.Rewards().Restore(snap.Rewards)
	}
	if err := c.gov.Restore(snap.Governance); err != nil {
		return err
	}
	if err := c.balanceTracker.Restore(snap.Balances); err != nil {
		return err
	}
	c.feeds.Restore(snap.Feeds)
	c.sequenceValidator.Restore(snap.SequenceState)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	var tip [32]byte
	copy(tip[:], raw)
	c.hasher.SetPrevHash(tip)
	c.sequence = snap.Sequence + 1

	if err := c.postCheckInvariants(); err != nil {
		return fmt.Errorf("snapshot %d does not reconcile: %w", snap.Sequence, err)
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// Replay rebuilds state from persisted envelopes in sequence order. Derived
// envelopes are regenerated by their cause and only their hashes are
// checked. Nothing is sent to persistence while replaying.
func (c *DeterministicCore) Replay(envelopes []*event.EventEnvelope) (int, error) {
	c.replaying = true
	c.replayHashes = make(map[int64][32]byte, len(envelopes))
	defer func() {
		c.replaying = false
		c.replayHashes = nil
	}()
	for _, env := range envelopes {
		c.replayHashes[env.Sequence] = env.StateHash
	}

	replayed := 0
	for _, env := range envelopes {
		if env.Sequence < c.sequence {
			// covered by the snapshot or regenerated as a follow-up
			continue
		}
		if env.Derived {
			return replayed, fmt.Errorf("replay: derived event %d (%s) without its cause", env.Sequence, env.IdempotencyKey)
		}
		if env.Sequence != c.sequence {
			return replayed, fmt.Errorf("replay: expected sequence %d, got %d", c.sequence, env.Sequence)
		}
		evt, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return replayed, fmt.Errorf("replay %d: %w", env.Sequence, err)
		}
		from := c.sequence
		if _, err := c.ProcessEvent(evt); err != nil {
			return replayed, fmt.Errorf("replay %d: %w", env.Sequence, err)
		}
		if c.sequence == from {
			return replayed, fmt.Errorf("replay %d: event was not committed", env.Sequence)
		}
		replayed += int(c.sequence - from)
		if c.metrics != nil {
			c.metrics.ReplayEventsTotal.Add(float64(c.sequence - from))
		}
	}
	return replayed, nil
}
