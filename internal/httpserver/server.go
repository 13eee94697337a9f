package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/lumenchat/call-relay/internal/auth"
	"github.com/lumenchat/call-relay/internal/calllog"
	"github.com/lumenchat/call-relay/internal/config"
	"github.com/lumenchat/call-relay/internal/presence"
	"github.com/lumenchat/call-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the collaborators the REST surface reads from. History and
// TURNGenerator are optional.
type Deps struct {
	Registry      *presence.Registry
	Verifier      auth.Verifier
	History       *calllog.Store
	TURNGenerator *turnrest.Generator
	// Signaling handles WebSocket upgrades on /ws.
	Signaling http.Handler
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		corsMiddleware(cfg.AllowedOrigins),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No global read/write timeouts: /ws carries long-lived upgraded
		// connections.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", s.cfg.ListenAddr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /presence", s.handlePresence)
	s.mux.HandleFunc("GET /calls/history", s.handleCallHistory)
	s.mux.HandleFunc("GET /webrtc/ice", s.handleICE)

	if s.deps.Signaling != nil {
		s.mux.Handle("GET /ws", s.deps.Signaling)
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	entries := s.deps.Registry.Snapshot()
	online := make([]presenceEntry, 0, len(entries))
	for _, e := range entries {
		online = append(online, presenceEntry{UserID: e.UserID, Since: e.Since.Unix()})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"online": online, "count": len(online)})
}

type presenceEntry struct {
	UserID string `json:"userId"`
	Since  int64  `json:"since"`
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if s.deps.History == nil {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "call history is not enabled"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}

	recs, err := s.deps.History.HistoryForUser(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("call history query failed", "userId", userID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "history unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"calls": historyJSON(recs)})
}

// handleICE returns the STUN/TURN bootstrap for clients, minting ephemeral
// TURN REST credentials when a shared secret is configured.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	servers := s.cfg.ICEServers

	if s.deps.TURNGenerator != nil {
		creds, err := s.mintTURNCredentials(userID)
		if err != nil {
			s.log.Error("turn credential mint failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "ice config unavailable"})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
			"ttl":        s.cfg.TURNREST.TTLSeconds,
			"expiresAt":  creds.ExpiryUnix,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) mintTURNCredentials(userID string) (turnrest.Credentials, error) {
	if userID != "" {
		return s.deps.TURNGenerator.GenerateForUser(userID)
	}
	return s.deps.TURNGenerator.GenerateAnonymous()
}

// authenticate resolves the caller's identity from query credentials using
// the same scheme as the signaling endpoint.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	creds, err := auth.CredentialsFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing credentials"})
		return "", false
	}
	verified, err := s.deps.Verifier.Verify(creds.Credential)
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return "", false
	}
	userID, err := auth.ResolveUserID(verified, creds.UserID)
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid identity"})
		return "", false
	}
	return userID, true
}

type callHistoryEntry struct {
	SessionID   string `json:"sessionId"`
	CallerID    string `json:"callerId"`
	CalleeID    string `json:"calleeId"`
	MediaKind   string `json:"mediaKind"`
	EndReason   string `json:"endReason"`
	CreatedAt   int64  `json:"createdAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	EndedAt     int64  `json:"endedAt"`
	DurationSec int64  `json:"durationSec"`
}

func historyJSON(recs []calllog.Record) []callHistoryEntry {
	out := make([]callHistoryEntry, 0, len(recs))
	for _, rec := range recs {
		entry := callHistoryEntry{
			SessionID:   rec.SessionID,
			CallerID:    rec.CallerID,
			CalleeID:    rec.CalleeID,
			MediaKind:   rec.MediaKind,
			EndReason:   rec.EndReason,
			CreatedAt:   rec.CreatedAt.Unix(),
			EndedAt:     rec.EndedAt.Unix(),
			DurationSec: int64(rec.Duration().Seconds()),
		}
		if !rec.StartedAt.IsZero() {
			entry.StartedAt = rec.StartedAt.Unix()
		}
		out = append(out, entry)
	}
	return out
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func corsMiddleware(allowedOrigins []string) Middleware {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the underlying writer so the /ws upgrade works through
// the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

