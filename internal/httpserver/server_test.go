package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lumenchat/call-relay/internal/auth"
	"github.com/lumenchat/call-relay/internal/calllog"
	"github.com/lumenchat/call-relay/internal/config"
	"github.com/lumenchat/call-relay/internal/presence"
	"github.com/lumenchat/call-relay/internal/turnrest"
)

func testServer(t *testing.T, cfg config.Config, deps Deps) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if deps.Registry == nil {
		deps.Registry = presence.NewRegistry()
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NoneVerifier{}
	}
	s := New(cfg, logger, BuildInfo{Commit: "abc123", BuildTime: "now"}, deps)
	s.ready.Store(true)
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d (body: %s)", url, resp.StatusCode, wantStatus, body)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthAndVersion(t *testing.T) {
	srv := testServer(t, config.Config{AuthMode: config.AuthModeNone}, Deps{})

	got := getJSON(t, srv.URL+"/healthz", http.StatusOK)
	if got["ok"] != true {
		t.Fatalf("healthz = %v", got)
	}

	got = getJSON(t, srv.URL+"/version", http.StatusOK)
	if got["commit"] != "abc123" {
		t.Fatalf("version = %v", got)
	}
}

type nopChannel struct{}

func (nopChannel) TrySend([]byte) error { return nil }
func (nopChannel) Close()               {}

func TestPresenceEndpoint(t *testing.T) {
	registry := presence.NewRegistry()
	registry.Register("bob", nopChannel{})
	registry.Register("alice", nopChannel{})
	srv := testServer(t, config.Config{AuthMode: config.AuthModeNone}, Deps{Registry: registry})

	got := getJSON(t, srv.URL+"/presence?userId=alice", http.StatusOK)
	if got["count"] != float64(2) {
		t.Fatalf("presence = %v", got)
	}
	online, _ := got["online"].([]any)
	if len(online) != 2 {
		t.Fatalf("online = %v", online)
	}
	first, _ := online[0].(map[string]any)
	second, _ := online[1].(map[string]any)
	if first["userId"] != "alice" || second["userId"] != "bob" {
		t.Fatalf("online = %v", online)
	}
	if since, _ := first["since"].(float64); since <= 0 {
		t.Fatalf("since = %v", first["since"])
	}

	getJSON(t, srv.URL+"/presence", http.StatusUnauthorized)
}

func TestCallHistoryEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := calllog.Open(filepath.Join(t.TempDir(), "calls.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	store.Record(calllog.Record{
		SessionID: "s1",
		CallerID:  "alice",
		CalleeID:  "bob",
		MediaKind: "audio",
		EndReason: "hung_up",
		CreatedAt: now.Add(-time.Minute),
		StartedAt: now.Add(-50 * time.Second),
		EndedAt:   now,
	})

	srv := testServer(t, config.Config{AuthMode: config.AuthModeNone}, Deps{History: store})

	got := getJSON(t, srv.URL+"/calls/history?userId=alice", http.StatusOK)
	calls, _ := got["calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("calls = %v", got)
	}
	entry, _ := calls[0].(map[string]any)
	if entry["sessionId"] != "s1" || entry["endReason"] != "hung_up" {
		t.Fatalf("entry = %v", entry)
	}
	if entry["durationSec"] != float64(50) {
		t.Fatalf("durationSec = %v", entry["durationSec"])
	}

	getJSON(t, srv.URL+"/calls/history?userId=carol", http.StatusOK)
	getJSON(t, srv.URL+"/calls/history?userId=alice&limit=bogus", http.StatusBadRequest)
}

func TestCallHistoryDisabled(t *testing.T) {
	srv := testServer(t, config.Config{AuthMode: config.AuthModeNone}, Deps{})

	getJSON(t, srv.URL+"/calls/history?userId=alice", http.StatusNotFound)
}

func TestICEEndpointWithTURNREST(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "lumen",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	cfg := config.Config{
		AuthMode: config.AuthModeNone,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
		TURNREST: config.TurnRESTConfig{SharedSecret: "secret", TTLSeconds: 600, UsernamePrefix: "lumen"},
	}
	srv := testServer(t, cfg, Deps{TURNGenerator: gen})

	got := getJSON(t, srv.URL+"/webrtc/ice?userId=alice", http.StatusOK)
	servers, _ := got["iceServers"].([]any)
	if len(servers) != 2 {
		t.Fatalf("iceServers = %v", got)
	}
	stun, _ := servers[0].(map[string]any)
	if _, hasCred := stun["credential"]; hasCred && stun["credential"] != "" {
		t.Fatalf("stun entry must not get credentials: %v", stun)
	}
	turn, _ := servers[1].(map[string]any)
	if turn["username"] != "1700000600:lumen:alice" {
		t.Fatalf("turn username = %v", turn["username"])
	}
	if turn["credential"] == "" {
		t.Fatalf("turn entry missing credential: %v", turn)
	}
	if got["expiresAt"] != float64(1_700_000_600) {
		t.Fatalf("expiresAt = %v", got["expiresAt"])
	}
}

func TestICEEndpointWithoutTURNREST(t *testing.T) {
	cfg := config.Config{
		AuthMode:   config.AuthModeNone,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	srv := testServer(t, cfg, Deps{})

	got := getJSON(t, srv.URL+"/webrtc/ice?userId=alice", http.StatusOK)
	if _, hasTTL := got["ttl"]; hasTTL {
		t.Fatalf("no ttl expected without TURN REST: %v", got)
	}
}

func TestWithTURNCredentials(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com"}},
		{URLs: []string{"TURNS:turn.example.com"}},
	}
	out := withTURNCredentials(servers, "user", "cred")
	if out[0].Username != "" {
		t.Fatalf("stun entry modified: %+v", out[0])
	}
	if out[1].Username != "user" || out[1].Credential != "cred" {
		t.Fatalf("turn entry = %+v", out[1])
	}
	if servers[1].Username != "" {
		t.Fatal("input slice must not be mutated")
	}
	if got := withTURNCredentials([]webrtc.ICEServer{}, "u", "c"); got == nil || len(got) != 0 {
		t.Fatalf("empty slice handling: %v", got)
	}
}
