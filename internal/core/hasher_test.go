package core_test

import (
	"PerpCurve/internal/core"
	"testing"
)

// ============================================================================
// Test: State hash chain
// ============================================================================

func TestStateHasher_ResumesFromSnapshotTip(t *testing.T) {
	full := core.NewStateHasher()
	full.ComputeHash(1, []byte("deposit"))
	tip := full.ComputeHash(2, []byte("exchange"))
	next := full.ComputeHash(3, []byte("harvest"))

	resumed := core.NewStateHasher()
	resumed.SetPrevHash(tip)
	if got := resumed.ComputeHash(3, []byte("harvest")); got != next {
		t.Fatalf("resumed chain diverged: %x != %x", got, next)
	}
	if resumed.GetPrevHash() != next {
		t.Errorf("tip not advanced")
	}
}

func TestStateHasher_SequenceAndDigestBothMatter(t *testing.T) {
	a := core.NewStateHasher().ComputeHash(1, []byte("x"))
	if b := core.NewStateHasher().ComputeHash(2, []byte("x")); a == b {
		t.Error("sequence not covered by the hash")
	}
	if c := core.NewStateHasher().ComputeHash(1, []byte("y")); a == c {
		t.Error("digest not covered by the hash")
	}
	if a == core.GenesisHash() {
		t.Error("first transition left the genesis tip unchanged")
	}
}
