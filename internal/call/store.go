package call

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStale marks a message that references an already-ended session. Late and
// retransmitted messages are expected; callers acknowledge them instead of
// treating them as failures.
var ErrStale = errors.New("session already ended")

type CreateOutcome int

const (
	// CreateOutcomeCreated: a new session was created and is RINGING.
	CreateOutcomeCreated CreateOutcome = iota
	// CreateOutcomeBusy: the pair already has a non-ended session.
	CreateOutcomeBusy
	// CreateOutcomeGlare: the callee had a concurrent initiate in flight for
	// the same pair. The two calls collapsed into one ACCEPTED session with
	// the lower user ID as caller.
	CreateOutcomeGlare
)

type CreateResult struct {
	Outcome CreateOutcome
	Session *Session

	// PeerOffer is set on glare: the description recorded by the opposing
	// initiate, to be delivered to this initiator as its remote description.
	PeerOffer []byte
	// Flushed is set on glare: candidates buffered before the implicit
	// accept, in arrival order.
	Flushed []BufferedCandidate
}

type StoreConfig struct {
	Clock Clock
	// Retention keeps ended sessions resolvable for late message detection
	// before the sweeper drops them.
	Retention            time.Duration
	MaxPendingCandidates int
	// MaxActiveCalls caps concurrent non-ended sessions. <= 0 means no cap.
	MaxActiveCalls int
}

// Store is the single source of truth for call sessions. Pair uniqueness and
// glare are resolved under the store lock; state transitions serialize on the
// per-session lock so unrelated pairs never contend.
type Store struct {
	clock      Clock
	retention  time.Duration
	maxPending int
	maxActive  int

	mu     sync.Mutex
	byID   map[string]*Session
	byPair map[pairKey]*Session
}

func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	maxPending := cfg.MaxPendingCandidates
	if maxPending <= 0 {
		maxPending = 64
	}
	return &Store{
		clock:      clock,
		retention:  cfg.Retention,
		maxPending: maxPending,
		maxActive:  cfg.MaxActiveCalls,
		byID:       make(map[string]*Session),
		byPair:     make(map[pairKey]*Session),
	}
}

// CreateOrGlare atomically either creates a RINGING session for the pair,
// reports the pair busy, or resolves glare: when the callee's own initiate
// for the same pair is already RINGING, the two calls collapse into that
// session, re-oriented so the lower user ID is the caller, and it moves
// straight to ACCEPTED.
func (st *Store) CreateOrGlare(callerID, calleeID string, kind MediaKind, offer []byte) (CreateResult, error) {
	if callerID == calleeID {
		return CreateResult{}, ErrSelfCall
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	key := pairKeyOf(callerID, calleeID)
	if existing := st.byPair[key]; existing != nil {
		res, live := st.resolveExistingLocked(existing, callerID, calleeID, kind, offer)
		if live {
			return res, nil
		}
		// The indexed session ended but was not swept yet; the pair is free.
		delete(st.byPair, key)
	}

	if st.maxActive > 0 && len(st.byPair) >= st.maxActive {
		return CreateResult{}, ErrAtCapacity
	}

	sess := newSession(callerID, calleeID, kind, offer, st.maxPending, st.clock.Now())
	st.byID[sess.ID] = sess
	st.byPair[key] = sess
	return CreateResult{Outcome: CreateOutcomeCreated, Session: sess}, nil
}

// resolveExistingLocked inspects the session currently indexed for the pair.
// live=false means it already ended and the caller should proceed to create.
func (st *Store) resolveExistingLocked(existing *Session, callerID, calleeID string, kind MediaKind, offer []byte) (CreateResult, bool) {
	existing.mu.Lock()
	defer existing.mu.Unlock()

	if existing.state == StateEnded {
		return CreateResult{}, false
	}

	glare := existing.state == StateRinging &&
		existing.caller == calleeID && existing.callee == callerID
	if !glare {
		return CreateResult{Outcome: CreateOutcomeBusy, Session: existing}, true
	}

	peerOffer := existing.offer
	if callerID < calleeID {
		// The second initiator has the lower ID: it becomes the de-facto
		// caller and its description becomes the session's offer.
		existing.caller = callerID
		existing.callee = calleeID
		existing.mediaKind = kind
		existing.offer = offer
	}

	existing.state = StateAccepted
	existing.answeredAt = st.clock.Now()
	flushed := existing.pending.flush()
	existing.draining = len(flushed) > 0

	return CreateResult{
		Outcome:   CreateOutcomeGlare,
		Session:   existing,
		PeerOffer: peerOffer,
		Flushed:   flushed,
	}, true
}

func (st *Store) Get(sessionID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.byID[sessionID]
	return sess, ok
}

// FindActiveByPair returns the non-ended session for the unordered pair.
func (st *Store) FindActiveByPair(a, b string) (*Session, bool) {
	st.mu.Lock()
	sess := st.byPair[pairKeyOf(a, b)]
	st.mu.Unlock()
	if sess == nil || sess.Ended() {
		return nil, false
	}
	return sess, true
}

// CompareAndSetState is the sole transition path. It succeeds only when the
// session is currently in expected, so racing events (accept vs ring timeout)
// resolve to exactly one winner. Transitioning to ACCEPTED returns the
// buffered candidates, flushed atomically with the transition so candidates
// arriving concurrently cannot jump the queue.
func (st *Store) CompareAndSetState(sessionID string, expected, next State, reason EndReason) (ok bool, flushed []BufferedCandidate) {
	sess, found := st.Get(sessionID)
	if !found {
		return false, nil
	}

	sess.mu.Lock()
	if sess.state != expected || expected == next {
		sess.mu.Unlock()
		return false, nil
	}
	if !validTransition(expected, next) {
		sess.mu.Unlock()
		return false, nil
	}

	now := st.clock.Now()
	sess.state = next
	switch next {
	case StateAccepted:
		sess.answeredAt = now
		flushed = sess.pending.flush()
		sess.draining = len(flushed) > 0
	case StateEnded:
		if reason == EndReasonNone {
			reason = EndReasonFailed
		}
		sess.endReason = reason
		sess.endedAt = now
		sess.pending.discard()
		sess.draining = false
	}
	sess.mu.Unlock()

	if next == StateEnded {
		st.releasePair(sess)
	}
	return true, flushed
}

// End moves the session to ENDED from whatever non-ended state it is in.
// Returns false when it already ended (exactly-once).
func (st *Store) End(sessionID string, reason EndReason) (*Session, bool) {
	sess, found := st.Get(sessionID)
	if !found {
		return nil, false
	}

	sess.mu.Lock()
	if sess.state == StateEnded {
		sess.mu.Unlock()
		return sess, false
	}
	if reason == EndReasonNone {
		reason = EndReasonFailed
	}
	sess.state = StateEnded
	sess.endReason = reason
	sess.endedAt = st.clock.Now()
	sess.pending.discard()
	sess.draining = false
	sess.mu.Unlock()

	st.releasePair(sess)
	return sess, true
}

// RouteCandidate decides what to do with an inbound candidate: buffer it
// while RINGING, forward it once ACCEPTED, reject it as stale once ENDED.
// The decision and any buffering happen under the session lock so a
// concurrent accept observes a consistent buffer.
func (st *Store) RouteCandidate(sessionID, fromUserID string, descriptor []byte) (forward bool, err error) {
	sess, found := st.Get(sessionID)
	if !found {
		return false, ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.caller != fromUserID && sess.callee != fromUserID {
		return false, ErrUnauthorized
	}

	switch sess.state {
	case StateRinging:
		return false, sess.pending.add(fromUserID, descriptor, st.clock.Now())
	case StateAccepted, StateActive:
		if sess.draining {
			// A flushed batch is still in flight; keep buffering so this
			// candidate cannot reach the peer ahead of older ones.
			return false, sess.pending.add(fromUserID, descriptor, st.clock.Now())
		}
		return true, nil
	default:
		return false, ErrStale
	}
}

// DrainPending returns candidates buffered while a flushed batch was being
// delivered. Once the buffer is empty it reopens direct forwarding and
// returns nil. Callers loop it after delivering each batch.
func (st *Store) DrainPending(sessionID string) []BufferedCandidate {
	sess, found := st.Get(sessionID)
	if !found {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.draining {
		return nil
	}
	if batch := sess.pending.flush(); len(batch) > 0 {
		return batch
	}
	sess.draining = false
	return nil
}

// SessionsForUser returns the user's non-ended sessions.
func (st *Store) SessionsForUser(userID string) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*Session
	for _, sess := range st.byPair {
		if sess.HasParticipant(userID) && !sess.Ended() {
			out = append(out, sess)
		}
	}
	return out
}

// ActiveCount is the number of non-ended sessions.
func (st *Store) ActiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, sess := range st.byPair {
		if !sess.Ended() {
			n++
		}
	}
	return n
}

// Sweep drops ended sessions whose retention window has passed. Returns how
// many were removed.
func (st *Store) Sweep() int {
	now := st.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, sess := range st.byID {
		sess.mu.Lock()
		expired := sess.state == StateEnded && !sess.endedAt.IsZero() &&
			!now.Before(sess.endedAt.Add(st.retention))
		sess.mu.Unlock()
		if !expired {
			continue
		}
		delete(st.byID, id)
		key := pairKeyOf(sess.Caller(), sess.Callee())
		if st.byPair[key] == sess {
			delete(st.byPair, key)
		}
		removed++
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (st *Store) Run(ctx context.Context) {
	interval := st.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep()
		}
	}
}

func (st *Store) releasePair(sess *Session) {
	key := pairKeyOf(sess.Caller(), sess.Callee())
	st.mu.Lock()
	if st.byPair[key] == sess {
		delete(st.byPair, key)
	}
	st.mu.Unlock()
}

func validTransition(from, to State) bool {
	switch from {
	case StateRinging:
		return to == StateAccepted || to == StateEnded
	case StateAccepted:
		return to == StateActive || to == StateEnded
	case StateActive:
		return to == StateEnded
	default:
		return false
	}
}
