package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "FlashLever:genesis:v1"

// StateHasher chains committed state digests
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts the chain at the genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash returns SHA-256(prev_hash || sequence LE || digest) and advances the tip
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

// Tip returns the hash of the last committed event
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// Reset moves the tip, used when restoring from a snapshot
func (h *StateHasher) Reset(tip [32]byte) {
	h.prevHash = tip
}
