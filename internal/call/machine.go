package call

import (
	"log/slog"
	"sync"
	"time"
)

// Events receives timer-driven terminations: transitions not caused by an
// inbound message, which the router must still announce to the participants.
type Events interface {
	SessionEnded(sess *Session, reason EndReason)
}

type MachineConfig struct {
	Store *Store
	// RingTimeout bounds how long a session may stay RINGING.
	RingTimeout time.Duration
	// DisconnectGrace is how long a participant may be unreachable before
	// their sessions are ended. Reconnecting within the window cancels it.
	DisconnectGrace time.Duration
	Logger          *slog.Logger
}

// Machine drives the session lifecycle: it validates who may apply which
// event, schedules the ring timeout and disconnect grace timers, and lets
// racing events resolve through the store's compare-and-set.
type Machine struct {
	store  *Store
	logger *slog.Logger

	ringTimeout     time.Duration
	disconnectGrace time.Duration

	mu          sync.Mutex
	events      Events
	ringTimers  map[string]*time.Timer
	graceTimers map[graceKey]*time.Timer
	closed      bool
}

type graceKey struct {
	sessionID string
	userID    string
}

func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:           cfg.Store,
		logger:          logger,
		ringTimeout:     cfg.RingTimeout,
		disconnectGrace: cfg.DisconnectGrace,
		ringTimers:      make(map[string]*time.Timer),
		graceTimers:     make(map[graceKey]*time.Timer),
	}
}

// SetEvents wires the notification sink. Must be called before any session
// is created.
func (m *Machine) SetEvents(ev Events) {
	m.mu.Lock()
	m.events = ev
	m.mu.Unlock()
}

// Initiate creates (or glare-collapses) a session for caller -> callee and
// schedules the ring timeout for newly created sessions.
func (m *Machine) Initiate(callerID, calleeID string, kind MediaKind, offer []byte) (CreateResult, error) {
	res, err := m.store.CreateOrGlare(callerID, calleeID, kind, offer)
	if err != nil {
		return CreateResult{}, err
	}

	switch res.Outcome {
	case CreateOutcomeCreated:
		m.scheduleRingTimeout(res.Session.ID)
	case CreateOutcomeGlare:
		// The implicit accept already landed in the store.
		m.cancelRingTimeout(res.Session.ID)
	}
	return res, nil
}

// Accept moves a RINGING session to ACCEPTED. Only the recorded callee may
// accept. Returns the candidates buffered while ringing, in arrival order.
func (m *Machine) Accept(sessionID, userID string) (sess *Session, flushed []BufferedCandidate, err error) {
	sess, found := m.store.Get(sessionID)
	if !found {
		return nil, nil, ErrNotFound
	}
	if sess.Callee() != userID {
		return nil, nil, ErrUnauthorized
	}

	ok, flushed := m.store.CompareAndSetState(sessionID, StateRinging, StateAccepted, EndReasonNone)
	if !ok {
		return sess, nil, ErrStale
	}
	m.cancelRingTimeout(sessionID)
	return sess, flushed, nil
}

// Reject ends a RINGING session with reason REJECTED. Only the callee may
// reject. A second reject observes the session already ended and reports it
// stale, producing no duplicate notification.
func (m *Machine) Reject(sessionID, userID string) (*Session, error) {
	sess, found := m.store.Get(sessionID)
	if !found {
		return nil, ErrNotFound
	}
	if sess.Callee() != userID {
		return nil, ErrUnauthorized
	}

	ok, _ := m.store.CompareAndSetState(sessionID, StateRinging, StateEnded, EndReasonRejected)
	if !ok {
		return sess, ErrStale
	}
	m.cancelTimers(sess)
	return sess, nil
}

// HangUp ends the session from any non-ended state with reason HUNG_UP.
// Either participant may hang up.
func (m *Machine) HangUp(sessionID, userID string) (*Session, error) {
	sess, found := m.store.Get(sessionID)
	if !found {
		return nil, ErrNotFound
	}
	if !sess.HasParticipant(userID) {
		return nil, ErrUnauthorized
	}

	sess, ended := m.store.End(sessionID, EndReasonHungUp)
	if !ended {
		return sess, ErrStale
	}
	m.cancelTimers(sess)
	return sess, nil
}

// Fail ends the session with reason FAILED, used when invitation delivery
// fails outright.
func (m *Machine) Fail(sessionID string) (*Session, bool) {
	sess, ended := m.store.End(sessionID, EndReasonFailed)
	if !ended {
		return sess, false
	}
	m.cancelTimers(sess)
	return sess, true
}

// ActiveCount reports the number of non-ended sessions.
func (m *Machine) ActiveCount() int {
	return m.store.ActiveCount()
}

// Connected records the first application-layer acknowledgment that media is
// flowing, moving ACCEPTED to ACTIVE. Informational: it feeds duration
// accounting and does not gate candidate forwarding. Repeats are no-ops.
func (m *Machine) Connected(sessionID, userID string) (*Session, error) {
	sess, found := m.store.Get(sessionID)
	if !found {
		return nil, ErrNotFound
	}
	if !sess.HasParticipant(userID) {
		return nil, ErrUnauthorized
	}

	ok, _ := m.store.CompareAndSetState(sessionID, StateAccepted, StateActive, EndReasonNone)
	if !ok {
		if state, _ := sess.State(); state == StateActive {
			return sess, nil
		}
		return sess, ErrStale
	}
	return sess, nil
}

// DrainPending hands over candidates buffered during flush delivery, keeping
// per-sender arrival order intact.
func (m *Machine) DrainPending(sessionID string) []BufferedCandidate {
	return m.store.DrainPending(sessionID)
}

// RouteCandidate forwards or buffers a candidate depending on session state.
func (m *Machine) RouteCandidate(sessionID, fromUserID string, descriptor []byte) (sess *Session, forward bool, err error) {
	sess, found := m.store.Get(sessionID)
	if !found {
		return nil, false, ErrNotFound
	}
	forward, err = m.store.RouteCandidate(sessionID, fromUserID, descriptor)
	return sess, forward, err
}

// PeerGone starts the disconnect grace timer for each of the user's live
// sessions. When a timer fires the session ends with PEER_DISCONNECTED,
// unless the user came back first.
func (m *Machine) PeerGone(userID string) {
	for _, sess := range m.store.SessionsForUser(userID) {
		m.scheduleGrace(sess.ID, userID)
	}
}

// PeerBack cancels the user's pending grace timers after a reconnect within
// the grace window.
func (m *Machine) PeerBack(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, timer := range m.graceTimers {
		if key.userID != userID {
			continue
		}
		timer.Stop()
		delete(m.graceTimers, key)
	}
}

// Close stops all timers. Sessions are left as they are; the process is
// going away.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, timer := range m.ringTimers {
		timer.Stop()
		delete(m.ringTimers, id)
	}
	for key, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, key)
	}
}

func (m *Machine) scheduleRingTimeout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.ringTimers[sessionID] = time.AfterFunc(m.ringTimeout, func() {
		m.onRingTimeout(sessionID)
	})
}

func (m *Machine) onRingTimeout(sessionID string) {
	m.mu.Lock()
	delete(m.ringTimers, sessionID)
	events := m.events
	m.mu.Unlock()

	// A timer racing an accept or reject is settled here: only one of them
	// observes RINGING.
	ok, _ := m.store.CompareAndSetState(sessionID, StateRinging, StateEnded, EndReasonTimedOut)
	if !ok {
		return
	}
	sess, found := m.store.Get(sessionID)
	if !found {
		return
	}
	m.logger.Info("call ring timeout",
		"sessionId", sessionID,
		"caller", sess.Caller(),
		"callee", sess.Callee())
	if events != nil {
		events.SessionEnded(sess, EndReasonTimedOut)
	}
}

func (m *Machine) scheduleGrace(sessionID, userID string) {
	key := graceKey{sessionID: sessionID, userID: userID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, exists := m.graceTimers[key]; exists {
		return
	}
	m.graceTimers[key] = time.AfterFunc(m.disconnectGrace, func() {
		m.onGraceExpired(key)
	})
}

func (m *Machine) onGraceExpired(key graceKey) {
	m.mu.Lock()
	delete(m.graceTimers, key)
	events := m.events
	m.mu.Unlock()

	sess, ended := m.store.End(key.sessionID, EndReasonPeerDisconnected)
	if !ended {
		return
	}
	m.cancelTimers(sess)
	m.logger.Info("call ended by disconnect",
		"sessionId", key.sessionID,
		"gone", key.userID)
	if events != nil {
		events.SessionEnded(sess, EndReasonPeerDisconnected)
	}
}

func (m *Machine) cancelRingTimeout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.ringTimers[sessionID]; ok {
		timer.Stop()
		delete(m.ringTimers, sessionID)
	}
}

// cancelTimers drops every timer attached to an ended session.
func (m *Machine) cancelTimers(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.ringTimers[sess.ID]; ok {
		timer.Stop()
		delete(m.ringTimers, sess.ID)
	}
	for key, timer := range m.graceTimers {
		if key.sessionID != sess.ID {
			continue
		}
		timer.Stop()
		delete(m.graceTimers, key)
	}
}
