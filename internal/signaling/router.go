package signaling

import (
	"errors"
	"log/slog"

	"github.com/lumenchat/call-relay/internal/call"
	"github.com/lumenchat/call-relay/internal/calllog"
	"github.com/lumenchat/call-relay/internal/metrics"
	"github.com/lumenchat/call-relay/internal/presence"
)

// Router dispatches validated inbound messages: it resolves identities via
// the presence registry, applies the event through the call machine, and
// translates the outcome into outbound messages. State is authoritative;
// delivery is best-effort and never rolls a transition back.
type Router struct {
	logger   *slog.Logger
	registry *presence.Registry
	machine  *call.Machine
	recorder calllog.Recorder
}

func NewRouter(logger *slog.Logger, registry *presence.Registry, machine *call.Machine, recorder calllog.Recorder) *Router {
	if recorder == nil {
		recorder = calllog.Noop{}
	}
	rt := &Router{
		logger:   logger,
		registry: registry,
		machine:  machine,
		recorder: recorder,
	}
	machine.SetEvents(rt)
	return rt
}

// Dispatch routes one authenticated inbound message.
func (rt *Router) Dispatch(senderID string, msg wireMessage) {
	metrics.SignalingMessages.WithLabelValues(string(msg.Type), "in").Inc()

	switch msg.Type {
	case messageTypeInitiate:
		rt.handleInitiate(senderID, msg)
	case messageTypeAccept:
		rt.handleAccept(senderID, msg)
	case messageTypeReject:
		rt.handleReject(senderID, msg)
	case messageTypeHangUp:
		rt.handleHangUp(senderID, msg)
	case messageTypeConnected:
		rt.handleConnected(senderID, msg)
	case messageTypeCandidate:
		rt.handleCandidate(senderID, msg)
	case messageTypePing:
		rt.send(senderID, wireMessage{Type: messageTypePong})
	default:
		// Auth messages past the handshake and anything unknown.
		rt.sendError(senderID, errorCodeBadMessage, "unexpected message type")
	}
}

func (rt *Router) handleInitiate(senderID string, msg wireMessage) {
	kind, _ := call.ParseMediaKind(msg.MediaKind)

	if !rt.registry.Online(msg.CalleeID) {
		metrics.CallsInitiated.WithLabelValues("offline").Inc()
		rt.send(senderID, wireMessage{Type: messageTypeOffline, CalleeID: msg.CalleeID})
		return
	}

	res, err := rt.machine.Initiate(senderID, msg.CalleeID, kind, marshalSDP(msg.SDP))
	switch {
	case errors.Is(err, call.ErrSelfCall):
		rt.sendError(senderID, errorCodeBadMessage, "cannot call yourself")
		return
	case errors.Is(err, call.ErrAtCapacity):
		metrics.CallsInitiated.WithLabelValues("capacity").Inc()
		rt.sendError(senderID, errorCodeCapacity, "relay at capacity")
		return
	case err != nil:
		rt.logger.Error("initiate failed", "caller", senderID, "err", err)
		rt.sendError(senderID, errorCodeInternal, "initiate failed")
		return
	}

	switch res.Outcome {
	case call.CreateOutcomeBusy:
		metrics.CallsInitiated.WithLabelValues("busy").Inc()
		rt.send(senderID, wireMessage{Type: messageTypeBusy, CalleeID: msg.CalleeID})

	case call.CreateOutcomeCreated:
		sess := res.Session
		delivered := rt.send(msg.CalleeID, wireMessage{
			Type:      messageTypeIncomingCall,
			SessionID: sess.ID,
			CallerID:  senderID,
			MediaKind: msg.MediaKind,
			SDP:       msg.SDP,
		})
		if !delivered {
			// The callee went away between the presence check and delivery.
			if ended, ok := rt.machine.Fail(sess.ID); ok {
				rt.finalize(ended, call.EndReasonFailed)
			}
			rt.send(senderID, wireMessage{
				Type:      messageTypeEnded,
				SessionID: sess.ID,
				Reason:    string(call.EndReasonFailed),
			})
			return
		}
		metrics.CallsInitiated.WithLabelValues("created").Inc()
		metrics.ActiveCalls.Set(float64(rt.machine.ActiveCount()))
		rt.send(senderID, wireMessage{Type: messageTypeInitiated, SessionID: sess.ID})

	case call.CreateOutcomeGlare:
		sess := res.Session
		metrics.CallsInitiated.WithLabelValues("glare").Inc()
		rt.logger.Info("glare resolved",
			"sessionId", sess.ID,
			"caller", sess.Caller(),
			"callee", sess.Callee())

		// Both sides produced an offer; each receives the peer's and the
		// clients settle the collision locally.
		rt.send(senderID, wireMessage{
			Type:      messageTypeAccepted,
			SessionID: sess.ID,
			SDP:       unmarshalSDP(res.PeerOffer),
		})
		rt.send(sess.Peer(senderID), wireMessage{
			Type:      messageTypeAccepted,
			SessionID: sess.ID,
			SDP:       msg.SDP,
		})
		rt.forwardFlushed(sess, res.Flushed)
	}
}

func (rt *Router) handleAccept(senderID string, msg wireMessage) {
	sess, flushed, err := rt.machine.Accept(msg.SessionID, senderID)
	if !rt.checkLifecycleErr(senderID, msg.SessionID, err) {
		return
	}

	rt.send(sess.Peer(senderID), wireMessage{
		Type:      messageTypeAccepted,
		SessionID: sess.ID,
		SDP:       msg.SDP,
	})
	rt.forwardFlushed(sess, flushed)
}

func (rt *Router) handleReject(senderID string, msg wireMessage) {
	sess, err := rt.machine.Reject(msg.SessionID, senderID)
	if !rt.checkLifecycleErr(senderID, msg.SessionID, err) {
		return
	}

	rt.send(sess.Peer(senderID), wireMessage{
		Type:      messageTypeEnded,
		SessionID: sess.ID,
		Reason:    string(call.EndReasonRejected),
	})
	rt.finalize(sess, call.EndReasonRejected)
}

func (rt *Router) handleHangUp(senderID string, msg wireMessage) {
	sess, err := rt.machine.HangUp(msg.SessionID, senderID)
	if !rt.checkLifecycleErr(senderID, msg.SessionID, err) {
		return
	}

	rt.send(sess.Peer(senderID), wireMessage{
		Type:      messageTypeEnded,
		SessionID: sess.ID,
		Reason:    string(call.EndReasonHungUp),
	})
	rt.finalize(sess, call.EndReasonHungUp)
}

func (rt *Router) handleConnected(senderID string, msg wireMessage) {
	_, err := rt.machine.Connected(msg.SessionID, senderID)
	rt.checkLifecycleErr(senderID, msg.SessionID, err)
}

func (rt *Router) handleCandidate(senderID string, msg wireMessage) {
	sess, forward, err := rt.machine.RouteCandidate(msg.SessionID, senderID, marshalCandidate(msg.Candidate))
	switch {
	case errors.Is(err, call.ErrBufferFull):
		rt.sendError(senderID, errorCodeBufferFull, "too many pending candidates")
		return
	case err != nil:
		rt.checkLifecycleErr(senderID, msg.SessionID, err)
		return
	}

	if !forward {
		metrics.CandidatesBuffered.Inc()
		return
	}
	metrics.CandidatesForwarded.Inc()
	rt.send(sess.Peer(senderID), wireMessage{
		Type:      messageTypeCandidate,
		SessionID: sess.ID,
		Candidate: msg.Candidate,
	})
}

// SessionEnded delivers timer-driven terminations (ring timeout, disconnect
// grace) to both participants. Implements call.Events.
func (rt *Router) SessionEnded(sess *call.Session, reason call.EndReason) {
	caller, callee := sess.Participants()
	out := wireMessage{
		Type:      messageTypeEnded,
		SessionID: sess.ID,
		Reason:    string(reason),
	}
	rt.send(caller, out)
	rt.send(callee, out)
	rt.finalize(sess, reason)
}

// forwardFlushed delivers candidates buffered before accept, in arrival
// order, each to the buffering sender's peer. Candidates arriving while a
// batch is in flight keep buffering, so the loop drains until the store
// confirms the buffer settled and reopens direct forwarding.
func (rt *Router) forwardFlushed(sess *call.Session, flushed []call.BufferedCandidate) {
	for len(flushed) > 0 {
		for _, cand := range flushed {
			to := sess.Peer(cand.FromUserID)
			if to == "" {
				continue
			}
			metrics.CandidatesForwarded.Inc()
			rt.send(to, wireMessage{
				Type:      messageTypeCandidate,
				SessionID: sess.ID,
				Candidate: unmarshalCandidate(cand.Descriptor),
			})
		}
		flushed = rt.machine.DrainPending(sess.ID)
	}
}

// checkLifecycleErr acknowledges common lifecycle failures. Returns true when
// the operation succeeded.
func (rt *Router) checkLifecycleErr(senderID, sessionID string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, call.ErrNotFound), errors.Is(err, call.ErrStale):
		// Retransmitted or late message: idempotent no-op.
		rt.logger.Debug("stale signaling message", "sessionId", sessionID, "from", senderID, "err", err)
		rt.send(senderID, wireMessage{Type: messageTypeStale, SessionID: sessionID})
	case errors.Is(err, call.ErrUnauthorized):
		rt.sendError(senderID, errorCodeUnauthorized, "not a participant of this session")
	default:
		rt.logger.Error("signaling operation failed", "sessionId", sessionID, "from", senderID, "err", err)
		rt.sendError(senderID, errorCodeInternal, "operation failed")
	}
	return false
}

func (rt *Router) finalize(sess *call.Session, reason call.EndReason) {
	metrics.CallsEnded.WithLabelValues(string(reason)).Inc()
	metrics.ActiveCalls.Set(float64(rt.machine.ActiveCount()))
	if d := sess.Duration(); d > 0 {
		metrics.CallDuration.Observe(d.Seconds())
	}

	caller, callee := sess.Participants()
	rt.recorder.Record(calllog.Record{
		SessionID: sess.ID,
		CallerID:  caller,
		CalleeID:  callee,
		MediaKind: string(sess.MediaKind()),
		EndReason: string(reason),
		CreatedAt: sess.CreatedAt(),
		StartedAt: sess.AnsweredAt(),
		EndedAt:   sess.EndedAt(),
	})
}

func (rt *Router) send(userID string, msg wireMessage) bool {
	ch, ok := rt.registry.Lookup(userID)
	if !ok {
		return false
	}
	if err := ch.TrySend(encodeMessage(msg)); err != nil {
		rt.logger.Warn("dropping outbound message", "to", userID, "type", msg.Type, "err", err)
		return false
	}
	metrics.SignalingMessages.WithLabelValues(string(msg.Type), "out").Inc()
	return true
}

func (rt *Router) sendError(userID, code, message string) {
	metrics.SignalingErrors.WithLabelValues(code).Inc()
	rt.send(userID, wireMessage{Type: messageTypeError, Code: code, Message: message})
}
