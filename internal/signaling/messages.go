package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/lumenchat/call-relay/internal/call"
)

type messageType string

// Client -> relay.
const (
	messageTypeAuth      messageType = "auth"
	messageTypeInitiate  messageType = "initiate"
	messageTypeAccept    messageType = "accept"
	messageTypeReject    messageType = "reject"
	messageTypeHangUp    messageType = "hangup"
	messageTypeConnected messageType = "connected"
	messageTypeCandidate messageType = "candidate"
	messageTypePing      messageType = "ping"
)

// Relay -> client.
const (
	messageTypeInitiated    messageType = "initiated"
	messageTypeIncomingCall messageType = "incoming_call"
	messageTypeAccepted     messageType = "accepted"
	messageTypeEnded        messageType = "ended"
	messageTypeBusy         messageType = "busy"
	messageTypeOffline      messageType = "offline"
	messageTypeStale        messageType = "stale"
	messageTypeError        messageType = "error"
	messageTypePong         messageType = "pong"
)

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sdp) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

func sdpFromPion(desc webrtc.SessionDescription) sdp {
	return sdp{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateFromPion(init webrtc.ICECandidateInit) candidate {
	return candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// wireMessage is the single envelope for both directions. Which fields may be
// set depends on Type; inbound messages are validated strictly.
type wireMessage struct {
	Type messageType `json:"type"`

	SessionID string `json:"sessionId,omitempty"`
	CallerID  string `json:"callerId,omitempty"`
	CalleeID  string `json:"calleeId,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`

	SDP       *sdp       `json:"sdp,omitempty"`
	Candidate *candidate `json:"candidate,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseWireMessage(data []byte) (wireMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return wireMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return wireMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return wireMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m wireMessage) validate() error {
	switch m.Type {
	case messageTypeAuth:
		if m.APIKey == "" && m.Token == "" && m.UserID == "" {
			return fmt.Errorf("auth message missing credentials")
		}
		if m.SDP != nil || m.Candidate != nil || m.SessionID != "" || m.CalleeID != "" {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case messageTypeInitiate:
		if m.CalleeID == "" {
			return fmt.Errorf("initiate message missing calleeId")
		}
		if _, ok := call.ParseMediaKind(m.MediaKind); !ok {
			return fmt.Errorf("initiate message has mediaKind=%q", m.MediaKind)
		}
		if m.SDP == nil {
			return fmt.Errorf("initiate message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("initiate message has sdp.type=%q", m.SDP.Type)
		}
		if m.SessionID != "" || m.Candidate != nil {
			return fmt.Errorf("initiate message has unexpected fields")
		}
	case messageTypeAccept:
		if m.SessionID == "" {
			return fmt.Errorf("accept message missing sessionId")
		}
		if m.SDP == nil {
			return fmt.Errorf("accept message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("accept message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil || m.CalleeID != "" {
			return fmt.Errorf("accept message has unexpected fields")
		}
	case messageTypeReject, messageTypeHangUp, messageTypeConnected:
		if m.SessionID == "" {
			return fmt.Errorf("%s message missing sessionId", m.Type)
		}
		if m.SDP != nil || m.Candidate != nil || m.CalleeID != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeCandidate:
		if m.SessionID == "" {
			return fmt.Errorf("candidate message missing sessionId")
		}
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != nil || m.CalleeID != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case messageTypePing:
		if m.SessionID != "" || m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("ping message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Error codes carried on error acknowledgments. Busy, offline and stale
// outcomes travel as message types of their own, not as error codes.
const (
	errorCodeUnauthorized = "unauthorized"
	errorCodeCapacity     = "capacity"
	errorCodeBufferFull   = "buffer_full"
	errorCodeBadMessage   = "bad_message"
	errorCodeInternal     = "internal"
)

func encodeMessage(msg wireMessage) []byte {
	payload, err := json.Marshal(msg)
	if err != nil {
		// The envelope contains only marshalable fields.
		panic(err)
	}
	return payload
}

// Descriptions and candidates pass through the session store as opaque
// blobs; these helpers move them across that boundary.

func marshalSDP(s *sdp) []byte {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return b
}

func unmarshalSDP(b []byte) *sdp {
	if len(b) == 0 {
		return nil
	}
	var s sdp
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return &s
}

func marshalCandidate(c *candidate) []byte {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	return b
}

func unmarshalCandidate(b []byte) *candidate {
	if len(b) == 0 {
		return nil
	}
	var c candidate
	if err := json.Unmarshal(b, &c); err != nil {
		return nil
	}
	return &c
}
