package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpEngine:genesis:v1"

// StateHasher chains state hashes across a market's event sequence.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts the chain at the market's genesis hash.
func NewStateHasher(market string) *StateHasher {
	return &StateHasher{prevHash: GenesisHash(market)}
}

// GenesisHash is SHA-256(seed || ":" || market).
func GenesisHash(market string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + market))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain.
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

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// Reset moves the chain tip, used when restoring from a snapshot.
func (h *StateHasher) Reset(tip [32]byte) {
	h.prevHash = tip
}
