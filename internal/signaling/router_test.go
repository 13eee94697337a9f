package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lumenchat/call-relay/internal/call"
	"github.com/lumenchat/call-relay/internal/calllog"
	"github.com/lumenchat/call-relay/internal/presence"
)

// fakeChannel records decoded outbound messages.
type fakeChannel struct {
	mu   sync.Mutex
	msgs []wireMessage
	fail bool
}

func (c *fakeChannel) TrySend(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errSendQueueFull
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Close() {}

func (c *fakeChannel) all() []wireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wireMessage(nil), c.msgs...)
}

func (c *fakeChannel) byType(t messageType) []wireMessage {
	var out []wireMessage
	for _, m := range c.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeChannel) one(t *testing.T, want messageType) wireMessage {
	t.Helper()
	msgs := c.byType(want)
	if len(msgs) != 1 {
		t.Fatalf("got %d %q messages, want 1 (all: %+v)", len(msgs), want, c.all())
	}
	return msgs[0]
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []calllog.Record
}

func (r *fakeRecorder) Record(rec calllog.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *fakeRecorder) records() []calllog.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]calllog.Record(nil), r.recs...)
}

type routerFixture struct {
	router   *Router
	registry *presence.Registry
	machine  *call.Machine
	recorder *fakeRecorder
}

func newRouterFixture(t *testing.T, ringTimeout, grace time.Duration) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := call.NewStore(call.StoreConfig{
		Retention:            time.Minute,
		MaxPendingCandidates: 4,
	})
	machine := call.NewMachine(call.MachineConfig{
		Store:           store,
		RingTimeout:     ringTimeout,
		DisconnectGrace: grace,
		Logger:          logger,
	})
	t.Cleanup(machine.Close)
	registry := presence.NewRegistry()
	recorder := &fakeRecorder{}
	router := NewRouter(logger, registry, machine, recorder)
	return &routerFixture{router: router, registry: registry, machine: machine, recorder: recorder}
}

func (f *routerFixture) connect(userID string) *fakeChannel {
	ch := &fakeChannel{}
	f.registry.Register(userID, ch)
	return ch
}

func offerFrom(user string) *sdp {
	return &sdp{Type: "offer", SDP: "v=0 o=" + user}
}

func answerFrom(user string) *sdp {
	return &sdp{Type: "answer", SDP: "v=0 o=" + user}
}

func initiateMsg(callee string, offer *sdp) wireMessage {
	return wireMessage{Type: messageTypeInitiate, CalleeID: callee, MediaKind: "audio", SDP: offer}
}

func candidateMsg(sessionID, frag string) wireMessage {
	return wireMessage{
		Type:      messageTypeCandidate,
		SessionID: sessionID,
		Candidate: &candidate{Candidate: "candidate:" + frag},
	}
}

func TestInitiateDeliversIncomingCall(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))

	incoming := bob.one(t, messageTypeIncomingCall)
	if incoming.CallerID != "alice" || incoming.MediaKind != "audio" {
		t.Fatalf("incoming = %+v", incoming)
	}
	if incoming.SDP == nil || incoming.SDP.SDP != offerFrom("alice").SDP {
		t.Fatalf("incoming sdp = %+v", incoming.SDP)
	}

	ack := alice.one(t, messageTypeInitiated)
	if ack.SessionID == "" || ack.SessionID != incoming.SessionID {
		t.Fatalf("initiated sessionId %q vs incoming %q", ack.SessionID, incoming.SessionID)
	}
}

func TestInitiateOfflineCallee(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))

	offline := alice.one(t, messageTypeOffline)
	if offline.CalleeID != "bob" {
		t.Fatalf("offline = %+v", offline)
	}
	if f.machine.ActiveCount() != 0 {
		t.Fatal("no session should exist")
	}
}

func TestInitiateSelfCall(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")

	f.router.Dispatch("alice", initiateMsg("alice", offerFrom("alice")))

	errMsg := alice.one(t, messageTypeError)
	if errMsg.Code != errorCodeBadMessage {
		t.Fatalf("code = %q", errMsg.Code)
	}
}

func TestInitiateBusyPair(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))

	busy := alice.one(t, messageTypeBusy)
	if busy.CalleeID != "bob" {
		t.Fatalf("busy = %+v", busy)
	}
}

func TestInitiateDeliveryFailureEndsCall(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")
	bob.fail = true

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))

	ended := alice.one(t, messageTypeEnded)
	if ended.Reason != string(call.EndReasonFailed) {
		t.Fatalf("reason = %q", ended.Reason)
	}
	if f.machine.ActiveCount() != 0 {
		t.Fatal("session should be ended")
	}
}

func TestGlareDeliversBothOffers(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	f.router.Dispatch("bob", initiateMsg("alice", offerFrom("bob")))

	// Each side receives the peer's offer on the same collapsed session.
	bobAccepted := bob.one(t, messageTypeAccepted)
	if bobAccepted.SDP == nil || bobAccepted.SDP.SDP != offerFrom("alice").SDP {
		t.Fatalf("bob accepted sdp = %+v", bobAccepted.SDP)
	}
	aliceAccepted := alice.one(t, messageTypeAccepted)
	if aliceAccepted.SDP == nil || aliceAccepted.SDP.SDP != offerFrom("bob").SDP {
		t.Fatalf("alice accepted sdp = %+v", aliceAccepted.SDP)
	}
	if aliceAccepted.SessionID != bobAccepted.SessionID {
		t.Fatal("glare must collapse into one session")
	}
	if f.machine.ActiveCount() != 1 {
		t.Fatalf("active = %d", f.machine.ActiveCount())
	}
}

func TestAcceptForwardsAnswerAndFlushedCandidates(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	sessionID := alice.one(t, messageTypeInitiated).SessionID

	// Trickled while ringing: buffered, nothing delivered yet.
	f.router.Dispatch("alice", candidateMsg(sessionID, "a1"))
	f.router.Dispatch("alice", candidateMsg(sessionID, "a2"))
	if got := bob.byType(messageTypeCandidate); len(got) != 0 {
		t.Fatalf("candidates delivered before accept: %+v", got)
	}

	f.router.Dispatch("bob", wireMessage{Type: messageTypeAccept, SessionID: sessionID, SDP: answerFrom("bob")})

	accepted := alice.one(t, messageTypeAccepted)
	if accepted.SDP == nil || accepted.SDP.Type != "answer" {
		t.Fatalf("accepted = %+v", accepted)
	}

	flushed := bob.byType(messageTypeCandidate)
	if len(flushed) != 2 {
		t.Fatalf("flushed %d candidates, want 2", len(flushed))
	}
	if flushed[0].Candidate.Candidate != "candidate:a1" || flushed[1].Candidate.Candidate != "candidate:a2" {
		t.Fatalf("flush order: %+v", flushed)
	}

	// After accept candidates flow directly.
	f.router.Dispatch("bob", candidateMsg(sessionID, "b1"))
	live := alice.one(t, messageTypeCandidate)
	if live.Candidate.Candidate != "candidate:b1" {
		t.Fatalf("live candidate = %+v", live)
	}
}

func TestCandidateFromOutsiderIsUnauthorized(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	f.connect("bob")
	mallory := f.connect("mallory")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	sessionID := alice.one(t, messageTypeInitiated).SessionID

	f.router.Dispatch("mallory", candidateMsg(sessionID, "m1"))

	errMsg := mallory.one(t, messageTypeError)
	if errMsg.Code != errorCodeUnauthorized {
		t.Fatalf("code = %q", errMsg.Code)
	}
}

func TestCandidateBufferOverflowAck(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	sessionID := alice.one(t, messageTypeInitiated).SessionID

	for i := 0; i < 5; i++ {
		f.router.Dispatch("alice", candidateMsg(sessionID, "x"))
	}

	errMsg := alice.one(t, messageTypeError)
	if errMsg.Code != errorCodeBufferFull {
		t.Fatalf("code = %q", errMsg.Code)
	}
}

func TestRejectNotifiesCaller(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	sessionID := alice.one(t, messageTypeInitiated).SessionID

	f.router.Dispatch("bob", wireMessage{Type: messageTypeReject, SessionID: sessionID})

	ended := alice.one(t, messageTypeEnded)
	if ended.Reason != string(call.EndReasonRejected) {
		t.Fatalf("reason = %q", ended.Reason)
	}

	recs := f.recorder.records()
	if len(recs) != 1 || recs[0].EndReason != string(call.EndReasonRejected) {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].CallerID != "alice" || recs[0].CalleeID != "bob" {
		t.Fatalf("record participants = %+v", recs[0])
	}
}

func TestHangUpNotifiesPeer(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	sessionID := alice.one(t, messageTypeInitiated).SessionID
	f.router.Dispatch("bob", wireMessage{Type: messageTypeAccept, SessionID: sessionID, SDP: answerFrom("bob")})
	f.router.Dispatch("alice", wireMessage{Type: messageTypeConnected, SessionID: sessionID})

	f.router.Dispatch("bob", wireMessage{Type: messageTypeHangUp, SessionID: sessionID})

	ended := alice.one(t, messageTypeEnded)
	if ended.Reason != string(call.EndReasonHungUp) {
		t.Fatalf("reason = %q", ended.Reason)
	}
	if len(bob.byType(messageTypeEnded)) != 0 {
		t.Fatal("the hanging-up side already knows; no echo expected")
	}
}

func TestStaleAfterEnd(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))
	sessionID := alice.one(t, messageTypeInitiated).SessionID
	f.router.Dispatch("bob", wireMessage{Type: messageTypeReject, SessionID: sessionID})

	// Late answer from a client that had not yet seen the rejection.
	f.router.Dispatch("bob", wireMessage{Type: messageTypeAccept, SessionID: sessionID, SDP: answerFrom("bob")})

	stale := bob.one(t, messageTypeStale)
	if stale.SessionID != sessionID {
		t.Fatalf("stale = %+v", stale)
	}
}

func TestUnknownSessionAck(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")

	f.router.Dispatch("alice", wireMessage{Type: messageTypeHangUp, SessionID: "nope"})

	stale := alice.one(t, messageTypeStale)
	if stale.SessionID != "nope" {
		t.Fatalf("stale = %+v", stale)
	}
}

func TestPingPong(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")

	f.router.Dispatch("alice", wireMessage{Type: messageTypePing})

	alice.one(t, messageTypePong)
}

func TestUnexpectedTypeIsBadMessage(t *testing.T) {
	f := newRouterFixture(t, time.Minute, time.Minute)
	alice := f.connect("alice")

	f.router.Dispatch("alice", wireMessage{Type: messageTypeAuth, APIKey: "k"})

	errMsg := alice.one(t, messageTypeError)
	if errMsg.Code != errorCodeBadMessage {
		t.Fatalf("code = %q", errMsg.Code)
	}
}

func TestRingTimeoutNotifiesBothSides(t *testing.T) {
	f := newRouterFixture(t, 20*time.Millisecond, time.Minute)
	alice := f.connect("alice")
	bob := f.connect("bob")

	f.router.Dispatch("alice", initiateMsg("bob", offerFrom("alice")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(alice.byType(messageTypeEnded)) == 1 && len(bob.byType(messageTypeEnded)) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, ch := range []*fakeChannel{alice, bob} {
		ended := ch.one(t, messageTypeEnded)
		if ended.Reason != string(call.EndReasonTimedOut) {
			t.Fatalf("reason = %q", ended.Reason)
		}
	}
	if f.machine.ActiveCount() != 0 {
		t.Fatal("session should be gone")
	}
}
