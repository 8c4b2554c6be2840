// Package nonceseq implements the per-direction nonce sequencer (C2): a
// monotonic counter that hands out AEAD nonces one at a time and never
// repeats a value for the life of a session.
package nonceseq

import (
	"encoding/binary"
	"math/big"
	"sync"
)

// Sequence is a 128-bit monotonic counter whose low 96 bits are emitted as
// the next nonce on every call to Next, then post-incremented. One Sequence
// exists per direction (sealing, opening); the sealer and opener of a given
// key must be seeded with the same starting nonce or all decrypts fail.
//
// Not safe for concurrent use by multiple senders on the same direction —
// callers serialize sealing/opening per direction themselves (the session
// loop only ever seals or opens from one goroutine at a time per
// direction).
type Sequence struct {
	mu      sync.Mutex
	counter big.Int
}

// New creates a Sequence seeded with the given 96-bit starting nonce.
func New(start [12]byte) *Sequence {
	s := &Sequence{}
	s.counter.SetBytes(start[:])
	return s
}

// Next returns the current low-96-bit value and advances the counter.
func (s *Sequence) Next() [12]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [12]byte
	b := s.counter.Bytes()
	// big.Int.Bytes() is big-endian and unpadded; right-align into the
	// fixed 12-byte nonce, truncating to the low 96 bits if the counter
	// has grown past it (it will not in practice: a session would need
	// 2^96 messages first).
	if len(b) >= 12 {
		copy(out[:], b[len(b)-12:])
	} else {
		copy(out[12-len(b):], b)
	}

	s.counter.Add(&s.counter, big.NewInt(1))
	return out
}

// encode96 is a convenience for tests: builds a 96-bit big-endian value
// from a uint64 low part, useful for asserting small increments.
func encode96(low uint64) [12]byte {
	var out [12]byte
	binary.BigEndian.PutUint64(out[4:], low)
	return out
}
