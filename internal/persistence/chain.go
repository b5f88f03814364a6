package persistence

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "PerpSettle:genesis:v1"

// EventChain links persisted events into a tamper-evident hash chain:
// state_hash[N] = SHA-256(prev_hash || sequence || payload).
type EventChain struct {
	prevHash [32]byte
}

// NewEventChain starts a chain at the genesis hash.
func NewEventChain() *EventChain {
	return &EventChain{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

// Restore resumes a chain from the last persisted state hash.
func (c *EventChain) Restore(prev []byte) {
	copy(c.prevHash[:], prev)
}

// Next computes the hash for the event at sequence with the given
// payload, advancing the chain tip.
func (c *EventChain) Next(sequence int64, payload []byte) (hash, prev [32]byte) {
	prev = c.prevHash

	h := sha256.New()
	h.Write(c.prevHash[:])
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	h.Write(seqBuf[:])
	h.Write(payload)

	copy(hash[:], h.Sum(nil))
	c.prevHash = hash
	return hash, prev
}

// Tip returns the current chain tip.
func (c *EventChain) Tip() [32]byte {
	return c.prevHash
}
