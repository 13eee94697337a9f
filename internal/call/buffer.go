package call

import (
	"errors"
	"time"
)

var ErrBufferFull = errors.New("pending candidate buffer full")

// BufferedCandidate is a network-path descriptor that arrived before the
// session reached ACCEPTED. The descriptor is opaque to the relay.
type BufferedCandidate struct {
	FromUserID string
	Descriptor []byte
	ReceivedAt time.Time
}

// CandidateBuffer is a bounded FIFO of early candidates for one session.
// It is not safe for concurrent use on its own; the owning Session's lock
// serializes access.
type CandidateBuffer struct {
	max     int
	entries []BufferedCandidate
}

func newCandidateBuffer(max int) *CandidateBuffer {
	if max <= 0 {
		max = 1
	}
	return &CandidateBuffer{max: max}
}

func (b *CandidateBuffer) add(from string, descriptor []byte, at time.Time) error {
	if len(b.entries) >= b.max {
		return ErrBufferFull
	}
	b.entries = append(b.entries, BufferedCandidate{
		FromUserID: from,
		Descriptor: descriptor,
		ReceivedAt: at,
	})
	return nil
}

// flush returns all buffered candidates in arrival order and empties the
// buffer.
func (b *CandidateBuffer) flush() []BufferedCandidate {
	out := b.entries
	b.entries = nil
	return out
}

// discard drops everything unflushed, returning how many were dropped.
func (b *CandidateBuffer) discard() int {
	n := len(b.entries)
	b.entries = nil
	return n
}

func (b *CandidateBuffer) len() int { return len(b.entries) }
