// Package media is the client-side collaborator of the relay: it owns the
// local peer connection for one call and applies relay events to it. The
// relay itself never imports this package.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/lumenchat/call-relay/internal/call"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoCall         = errors.New("no call in progress")
	ErrNoSuchTrack    = errors.New("no sender for track kind")
)

// Session abstracts one peer connection so call flows are testable without a
// real media stack.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer and produces the local answer.
	CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(remote webrtc.SessionDescription) error
	AddRemoteCandidate(init webrtc.ICECandidateInit) error
	// ReplaceTrack swaps the outgoing track of the given kind. A nil track
	// mutes it. Used for mute, camera toggle and screen share.
	ReplaceTrack(kind call.MediaKind, track webrtc.TrackLocal) error
	Close() error
}

// SessionEvents are callbacks a Session fires as the transport progresses.
type SessionEvents struct {
	// OnLocalCandidate fires for each locally gathered candidate, to be
	// trickled to the relay. A zero-value init signals end of candidates.
	OnLocalCandidate func(init webrtc.ICECandidateInit)
	// OnConnected fires once the transport reaches the connected state.
	OnConnected func()
	// OnFailed fires when the transport fails terminally.
	OnFailed func()
}

// SessionFactory builds a fresh Session per call.
type SessionFactory interface {
	NewSession(kind call.MediaKind, events SessionEvents) (Session, error)
}

// Outbound is the controller's view of the relay connection. Implementations
// frame and send the corresponding signaling messages.
type Outbound interface {
	Initiate(calleeID string, kind call.MediaKind, offer webrtc.SessionDescription) error
	Accept(sessionID string, answer webrtc.SessionDescription) error
	Reject(sessionID string) error
	HangUp(sessionID string) error
	Connected(sessionID string) error
	Candidate(sessionID string, init webrtc.ICECandidateInit) error
}
