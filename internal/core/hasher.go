package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpCurve:genesis:v1"

// StateHasher links every curve, staking and reward transition into one
// chain. Rejected requests advance it too, so the chain tip pins the exact
// request history a node applied. Snapshots store the tip and replay must
// reach it again.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// GenesisHash is the tip of an empty PerpCurve instance.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain. The digest covers the request payload, its outcome,
// the balances of touched accounts, the curve reserve and coef, and total vp.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns the tip that the next transition will extend.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a verified snapshot's state hash.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
