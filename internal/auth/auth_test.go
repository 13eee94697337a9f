package auth

import (
	"net/url"
	"testing"

	"github.com/lumenchat/call-relay/internal/config"
)

func TestCredentialsFromQuery(t *testing.T) {
	t.Run("none requires userId", func(t *testing.T) {
		creds, err := CredentialsFromQuery(config.AuthModeNone, url.Values{"userId": {"alice"}})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if creds.UserID != "alice" {
			t.Fatalf("userID=%q, want %q", creds.UserID, "alice")
		}

		if _, err := CredentialsFromQuery(config.AuthModeNone, url.Values{}); err != ErrMissingUserID {
			t.Fatalf("err=%v, want %v", err, ErrMissingUserID)
		}
	})

	t.Run("api_key", func(t *testing.T) {
		creds, err := CredentialsFromQuery(config.AuthModeAPIKey, url.Values{"apiKey": {"k"}, "userId": {"alice"}})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if creds.Credential != "k" || creds.UserID != "alice" {
			t.Fatalf("creds=%+v", creds)
		}

		if _, err := CredentialsFromQuery(config.AuthModeAPIKey, url.Values{"userId": {"alice"}}); err != ErrMissingCredentials {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})

	t.Run("jwt", func(t *testing.T) {
		creds, err := CredentialsFromQuery(config.AuthModeJWT, url.Values{"token": {"t"}})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if creds.Credential != "t" {
			t.Fatalf("creds=%+v", creds)
		}
	})
}

func TestCredentialsFromAuthMessage(t *testing.T) {
	creds, err := CredentialsFromAuthMessage(config.AuthModeAPIKey, WireAuthMessage{Type: "auth", APIKey: "k", UserID: "bob"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if creds.Credential != "k" || creds.UserID != "bob" {
		t.Fatalf("creds=%+v", creds)
	}

	if _, err := CredentialsFromAuthMessage(config.AuthModeJWT, WireAuthMessage{Type: "auth"}); err != ErrMissingCredentials {
		t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
	}
}

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}

	if _, err := v.Verify("secret"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if _, err := v.Verify("wrong"); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
	if _, err := v.Verify(""); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}

	empty := APIKeyVerifier{}
	if _, err := empty.Verify("anything"); err != ErrInvalidCredentials {
		t.Fatalf("empty expected key must reject, got %v", err)
	}
}

func TestResolveUserID(t *testing.T) {
	got, err := ResolveUserID("", "alice")
	if err != nil || got != "alice" {
		t.Fatalf("got=%q err=%v", got, err)
	}

	got, err = ResolveUserID("alice", "")
	if err != nil || got != "alice" {
		t.Fatalf("got=%q err=%v", got, err)
	}

	got, err = ResolveUserID("alice", "alice")
	if err != nil || got != "alice" {
		t.Fatalf("got=%q err=%v", got, err)
	}

	if _, err := ResolveUserID("alice", "mallory"); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}

	if _, err := ResolveUserID("", ""); err != ErrMissingUserID {
		t.Fatalf("err=%v, want %v", err, ErrMissingUserID)
	}
}
