package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/lumenchat/call-relay/internal/call"
)

// Phase is the controller's local call state, a pure function of the relay's
// session lifecycle rather than a bag of independent flags.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseDialing Phase = "dialing"
	PhaseRinging Phase = "ringing"
	PhaseInCall  Phase = "in_call"
)

// IncomingCall is surfaced to the application so it can show an accept/reject
// prompt.
type IncomingCall struct {
	SessionID string
	CallerID  string
	MediaKind call.MediaKind
	Offer     webrtc.SessionDescription
}

// Controller drives one user's call lifecycle: it turns local intents into
// outbound signaling and applies relay events to the media session. At most
// one call is tracked at a time; a second incoming call while busy is
// rejected automatically.
type Controller struct {
	userID  string
	factory SessionFactory
	out     Outbound
	logger  *slog.Logger

	mu        sync.Mutex
	phase     Phase
	sessionID string
	peerID    string
	kind      call.MediaKind
	session   Session
	remoteSet bool
	// Candidates that arrived before the remote description; applied in
	// arrival order once it lands.
	pendingRemote []webrtc.ICECandidateInit
	incoming      *IncomingCall

	onIncoming func(IncomingCall)
	onPhase    func(Phase)
	onEnded    func(sessionID string, reason call.EndReason)
}

// ControllerConfig wires the controller's collaborators. The On* callbacks
// are invoked synchronously and must not call back into the Controller.
type ControllerConfig struct {
	UserID  string
	Factory SessionFactory
	Out     Outbound
	Logger  *slog.Logger

	OnIncoming func(IncomingCall)
	OnPhase    func(Phase)
	OnEnded    func(sessionID string, reason call.EndReason)
}

func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		userID:     cfg.UserID,
		factory:    cfg.Factory,
		out:        cfg.Out,
		logger:     logger,
		phase:      PhaseIdle,
		onIncoming: cfg.OnIncoming,
		onPhase:    cfg.OnPhase,
		onEnded:    cfg.OnEnded,
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// StartCall opens a media session, produces the offer and initiates the call.
func (c *Controller) StartCall(calleeID string, kind call.MediaKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return ErrCallInProgress
	}

	sess, err := c.newSessionLocked(kind)
	if err != nil {
		return err
	}
	offer, err := sess.CreateOffer()
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.out.Initiate(calleeID, kind, offer); err != nil {
		_ = sess.Close()
		return err
	}

	c.session = sess
	c.peerID = calleeID
	c.kind = kind
	c.setPhaseLocked(PhaseDialing)
	return nil
}

// AcceptIncoming answers the pending incoming call.
func (c *Controller) AcceptIncoming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseRinging || c.incoming == nil {
		return ErrNoCall
	}
	inc := *c.incoming

	sess, err := c.newSessionLocked(inc.MediaKind)
	if err != nil {
		return err
	}
	answer, err := sess.CreateAnswer(inc.Offer)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.out.Accept(inc.SessionID, answer); err != nil {
		_ = sess.Close()
		return err
	}

	c.session = sess
	c.remoteSet = true
	c.incoming = nil
	c.applyPendingLocked()
	c.setPhaseLocked(PhaseInCall)
	return nil
}

// RejectIncoming declines the pending incoming call.
func (c *Controller) RejectIncoming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseRinging || c.incoming == nil {
		return ErrNoCall
	}
	sessionID := c.incoming.SessionID
	c.resetLocked()
	return c.out.Reject(sessionID)
}

// HangUp ends the current call locally and tells the relay.
func (c *Controller) HangUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" && c.phase == PhaseIdle {
		return ErrNoCall
	}
	sessionID := c.sessionID
	c.resetLocked()
	if sessionID == "" {
		return nil
	}
	return c.out.HangUp(sessionID)
}

// SetTrack swaps the outgoing track of the given kind on the live session.
func (c *Controller) SetTrack(kind call.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNoCall
	}
	return c.session.ReplaceTrack(kind, track)
}

// HandleInitiated records the session ID the relay assigned to our call.
func (c *Controller) HandleInitiated(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseDialing {
		return
	}
	c.sessionID = sessionID
}

// HandleIncomingCall surfaces a ringing call, or rejects it if one is
// already in progress.
func (c *Controller) HandleIncomingCall(inc IncomingCall) {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		c.logger.Info("rejecting call while busy", "sessionId", inc.SessionID, "caller", inc.CallerID)
		_ = c.out.Reject(inc.SessionID)
		return
	}
	c.sessionID = inc.SessionID
	c.peerID = inc.CallerID
	c.kind = inc.MediaKind
	c.incoming = &inc
	c.setPhaseLocked(PhaseRinging)
	notify := c.onIncoming
	c.mu.Unlock()

	if notify != nil {
		notify(inc)
	}
}

// HandleAccepted applies the peer's description. Normally it is the answer to
// our offer; after glare both sides receive the peer's *offer* instead, and
// the higher-identity side re-answers on a fresh session while the lower side
// keeps its offer and waits for that answer.
func (c *Controller) HandleAccepted(sessionID string, desc webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseDialing || c.session == nil {
		return
	}
	c.sessionID = sessionID

	if desc.Type == webrtc.SDPTypeOffer {
		if c.userID < c.peerID {
			// We stay caller; the peer will answer our offer.
			return
		}
		_ = c.session.Close()
		sess, err := c.newSessionLocked(c.kind)
		if err != nil {
			c.logger.Error("glare re-answer failed", "sessionId", sessionID, "err", err)
			c.endLocked(sessionID, call.EndReasonFailed, true)
			return
		}
		answer, err := sess.CreateAnswer(desc)
		if err != nil {
			_ = sess.Close()
			c.logger.Error("glare re-answer failed", "sessionId", sessionID, "err", err)
			c.endLocked(sessionID, call.EndReasonFailed, true)
			return
		}
		if err := c.out.Accept(sessionID, answer); err != nil {
			_ = sess.Close()
			c.endLocked(sessionID, call.EndReasonFailed, true)
			return
		}
		c.session = sess
		c.remoteSet = true
		c.applyPendingLocked()
		c.setPhaseLocked(PhaseInCall)
		return
	}

	if err := c.session.SetRemoteDescription(desc); err != nil {
		c.logger.Error("apply remote description failed", "sessionId", sessionID, "err", err)
		c.endLocked(sessionID, call.EndReasonFailed, true)
		return
	}
	c.remoteSet = true
	c.applyPendingLocked()
	c.setPhaseLocked(PhaseInCall)
}

// HandleCandidate applies a relayed candidate, buffering it until the remote
// description is set.
func (c *Controller) HandleCandidate(sessionID string, init webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return
	}
	if c.session == nil || !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, init)
		return
	}
	if err := c.session.AddRemoteCandidate(init); err != nil {
		c.logger.Debug("add candidate failed", "sessionId", sessionID, "err", err)
	}
}

// HandleEnded releases local media and returns to idle.
func (c *Controller) HandleEnded(sessionID string, reason call.EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" && c.sessionID != sessionID {
		return
	}
	c.endLocked(sessionID, reason, false)
}

func (c *Controller) newSessionLocked(kind call.MediaKind) (Session, error) {
	return c.factory.NewSession(kind, SessionEvents{
		OnLocalCandidate: c.onLocalCandidate,
		OnConnected:      c.onTransportConnected,
		OnFailed:         c.onTransportFailed,
	})
}

func (c *Controller) onLocalCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" || init.Candidate == "" {
		return
	}
	if err := c.out.Candidate(sessionID, init); err != nil {
		c.logger.Debug("send candidate failed", "sessionId", sessionID, "err", err)
	}
}

func (c *Controller) onTransportConnected() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return
	}
	if err := c.out.Connected(sessionID); err != nil {
		c.logger.Debug("send connected failed", "sessionId", sessionID, "err", err)
	}
}

func (c *Controller) onTransportFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return
	}
	c.endLocked(c.sessionID, call.EndReasonFailed, true)
}

func (c *Controller) applyPendingLocked() {
	for _, init := range c.pendingRemote {
		if err := c.session.AddRemoteCandidate(init); err != nil {
			c.logger.Debug("apply buffered candidate failed", "err", err)
		}
	}
	c.pendingRemote = nil
}

func (c *Controller) endLocked(sessionID string, reason call.EndReason, tellRelay bool) {
	c.resetLocked()
	if tellRelay && sessionID != "" {
		_ = c.out.HangUp(sessionID)
	}
	if c.onEnded != nil {
		c.onEnded(sessionID, reason)
	}
}

func (c *Controller) resetLocked() {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	c.sessionID = ""
	c.peerID = ""
	c.incoming = nil
	c.remoteSet = false
	c.pendingRemote = nil
	c.setPhaseLocked(PhaseIdle)
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	if c.onPhase != nil {
		c.onPhase(p)
	}
}
