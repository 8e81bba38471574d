package core

import (
	"fmt"
	"strings"
)

// SequenceValidator validates source sequences per partition. Sender
// partitions must be gapless starting at 1; feed partitions tolerate gaps.
// Not thread-safe: only accessed from the core goroutine.
type SequenceValidator struct {
	lastSeen map[string]int64 // partition -> last accepted sequence

	onGap        func(partition string)
	onOutOfOrder func(partition string)
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeen: make(map[string]int64),
	}
}

// partitionKind strips the partition's id for metric labels.
func partitionKind(partition string) string {
	if i := strings.IndexByte(partition, ':'); i > 0 {
		return partition[:i]
	}
	return partition
}

// ValidateSequence checks a strict partition. Duplicates at or below the
// last accepted sequence pass; anything else out of line is an error and
// nothing is advanced.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	last := sv.lastSeen[partition]
	expected := last + 1

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.onOutOfOrder != nil {
			sv.onOutOfOrder(partitionKind(partition))
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		if sv.onGap != nil {
			sv.onGap(partitionKind(partition))
		}
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
	return nil
}

// Advance records an accepted sequence.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence > sv.lastSeen[partition] {
		sv.lastSeen[partition] = sourceSequence
	}
}

// ValidateFeedSequence reports whether a feed update is fresh. Gaps are
// counted but accepted.
func (sv *SequenceValidator) ValidateFeedSequence(partition string, sequence int64) bool {
	last := sv.lastSeen[partition]
	if sequence <= last {
		return false
	}
	if sequence > last+1 && last > 0 && sv.onGap != nil {
		sv.onGap(partitionKind(partition))
	}
	return true
}

func (sv *SequenceValidator) LastSequence(partition string) int64 {
	return sv.lastSeen[partition]
}

// Snapshot returns a copy of all partition positions.
func (sv *SequenceValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(sv.lastSeen))
	for k, v := range sv.lastSeen {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) Restore(positions map[string]int64) {
	sv.lastSeen = make(map[string]int64, len(positions))
	for k, v := range positions {
		sv.lastSeen[k] = v
	}
}
