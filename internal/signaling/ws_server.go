package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenchat/call-relay/internal/auth"
	"github.com/lumenchat/call-relay/internal/call"
	"github.com/lumenchat/call-relay/internal/config"
	"github.com/lumenchat/call-relay/internal/metrics"
	"github.com/lumenchat/call-relay/internal/presence"
	"github.com/lumenchat/call-relay/internal/ratelimit"
)

// WebSocketServer owns the signaling connection lifecycle: origin check,
// authentication (query credentials or a first auth message), presence
// registration with supersede, the read loop with per-connection limits, and
// disconnect handling.
type WebSocketServer struct {
	cfg      config.Config
	logger   *slog.Logger
	verifier auth.Verifier
	registry *presence.Registry
	machine  *call.Machine
	router   *Router
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, logger *slog.Logger, registry *presence.Registry, machine *call.Machine, router *Router) (*WebSocketServer, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &WebSocketServer{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		registry: registry,
		machine:  machine,
		router:   router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	userID, ok := s.authenticate(conn, r)
	if !ok {
		metrics.AuthFailures.Inc()
		return
	}

	ch := newWSChannel(conn, s.cfg.SignalingWSPingInterval)
	defer ch.Close()

	if prev := s.registry.Register(userID, ch); prev != nil {
		// The user reconnected elsewhere; the old socket is done. Their
		// calls survive because the new channel takes over immediately.
		metrics.ConnectionsSuperseded.Inc()
		if wsPrev, isWS := prev.(*wsChannel); isWS {
			wsPrev.CloseWithReason(websocket.ClosePolicyViolation, "superseded by newer connection")
		} else {
			prev.Close()
		}
	}
	s.machine.PeerBack(userID)
	metrics.OnlineUsers.Set(float64(s.registry.Count()))
	s.logger.Info("signaling connected", "userId", userID, "remote", r.RemoteAddr)

	defer func() {
		if s.registry.Unregister(userID, ch) {
			// Genuine disconnect, not a supersede: start the grace clock on
			// the user's calls.
			s.machine.PeerGone(userID)
			metrics.OnlineUsers.Set(float64(s.registry.Count()))
			s.logger.Info("signaling disconnected", "userId", userID)
		}
	}()

	s.readLoop(conn, userID)
}

// authenticate establishes the connection's verified user ID, either from
// query credentials or from a first auth message sent within the auth
// timeout.
func (s *WebSocketServer) authenticate(conn *websocket.Conn, r *http.Request) (string, bool) {
	creds, err := auth.CredentialsFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err == nil {
		return s.verifyCredentials(conn, creds)
	}
	if !errors.Is(err, auth.ErrMissingCredentials) && !errors.Is(err, auth.ErrMissingUserID) {
		writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
		return "", false
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))

	msgType, msgReader, err := conn.NextReader()
	if err != nil {
		if isTimeout(err) {
			writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
		}
		return "", false
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return "", false
	}
	msg, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
	if err != nil {
		writeClose(conn, websocket.CloseMessageTooBig, "message too large")
		return "", false
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil || envelope.Type != string(messageTypeAuth) {
		writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
		return "", false
	}
	var authMsg auth.WireAuthMessage
	if err := json.Unmarshal(msg, &authMsg); err != nil {
		writeClose(conn, websocket.CloseUnsupportedData, "invalid auth message")
		return "", false
	}
	creds, err = auth.CredentialsFromAuthMessage(s.cfg.AuthMode, authMsg)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "missing credentials")
		return "", false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return s.verifyCredentials(conn, creds)
}

func (s *WebSocketServer) verifyCredentials(conn *websocket.Conn, creds auth.Credentials) (string, bool) {
	verified, err := s.verifier.Verify(creds.Credential)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return "", false
	}
	userID, err := auth.ResolveUserID(verified, creds.UserID)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "invalid identity")
		return "", false
	}
	return userID, true
}

func (s *WebSocketServer) readLoop(conn *websocket.Conn, userID string) {
	limiter := ratelimit.NewTokenBucket(nil,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	refreshDeadline := func() {
		if s.cfg.SignalingWSIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
		}
	}
	conn.SetPongHandler(func(string) error {
		refreshDeadline()
		return nil
	})
	refreshDeadline()

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				writeClose(conn, websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		refreshDeadline()

		if !limiter.Allow(1) {
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		payload, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := parseWireMessage(payload)
		if err != nil {
			s.logger.Debug("invalid signaling message", "userId", userID, "err", err)
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		// Messages are dispatched on this goroutine, which keeps per-sender
		// FIFO ordering for a session.
		s.router.Dispatch(userID, msg)
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.ToLower(strings.TrimSuffix(a, "/")) == origin {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
