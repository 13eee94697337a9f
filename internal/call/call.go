// Package call holds the session store and lifecycle logic for 1:1 calls.
// The relay never touches media; a session tracks only the control-plane
// state needed to get two peers talking directly.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSelfCall     = errors.New("caller and callee must differ")
	ErrAtCapacity   = errors.New("too many active calls")
	ErrNotFound     = errors.New("session not found")
	ErrUnauthorized = errors.New("user is not a participant of this session")
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, bool) {
	switch MediaKind(raw) {
	case MediaKindAudio:
		return MediaKindAudio, true
	case MediaKindVideo:
		return MediaKindVideo, true
	default:
		return "", false
	}
}

// State forms the monotonic lifecycle RINGING -> ACCEPTED -> ACTIVE -> ENDED
// (ACCEPTED and ACTIVE may be skipped, ENDED is absorbing).
type State string

const (
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateActive   State = "active"
	StateEnded    State = "ended"
)

// EndReason is set exactly once, at the transition to ENDED.
type EndReason string

const (
	EndReasonNone             EndReason = ""
	EndReasonRejected         EndReason = "rejected"
	EndReasonTimedOut         EndReason = "timed_out"
	EndReasonHungUp           EndReason = "hung_up"
	EndReasonPeerDisconnected EndReason = "peer_disconnected"
	EndReasonFailed           EndReason = "failed"
)

// Clock abstracts time.Now so lifecycle timestamps are testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Session is one 1:1 call. Identity fields are fixed at creation except for
// the caller/callee orientation, which may flip once during glare resolution.
// All mutable fields are guarded by mu; mutation goes through the Store.
type Session struct {
	ID string

	mu        sync.Mutex
	caller    string
	callee    string
	mediaKind MediaKind
	offer     []byte

	state      State
	endReason  EndReason
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time

	pending *CandidateBuffer
	// draining is set while a flushed batch is still being delivered by the
	// router; new candidates keep buffering so they cannot overtake it.
	draining bool
}

func newSession(caller, callee string, kind MediaKind, offer []byte, maxPending int, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		caller:    caller,
		callee:    callee,
		mediaKind: kind,
		offer:     offer,
		state:     StateRinging,
		createdAt: now,
		pending:   newCandidateBuffer(maxPending),
	}
}

func (s *Session) Caller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller
}

func (s *Session) Callee() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callee
}

func (s *Session) MediaKind() MediaKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaKind
}

// Participants returns caller and callee in that order.
func (s *Session) Participants() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller, s.callee
}

func (s *Session) HasParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller == userID || s.callee == userID
}

// Peer returns the other participant, or "" when userID is not part of the
// session.
func (s *Session) Peer(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch userID {
	case s.caller:
		return s.callee
	case s.callee:
		return s.caller
	default:
		return ""
	}
}

func (s *Session) State() (State, EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.endReason
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEnded
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) AnsweredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredAt
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Duration is endedAt - answeredAt, or zero when the call was never answered
// or has not ended yet.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answeredAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.answeredAt)
}

// pairKey is the unordered user pair a session belongs to. At most one
// non-ended session may exist per key.
type pairKey struct {
	lo, hi string
}

func pairKeyOf(a, b string) pairKey {
	if a < b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}
