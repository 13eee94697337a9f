package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtTestSecret = "jwt-test-secret"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtTestSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func newTestJWTVerifier(at time.Time) *JWTVerifier {
	v := NewJWTVerifier(jwtTestSecret)
	v.now = func() time.Time { return at }
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signHS256(t, jwt.MapClaims{
		"sub": "alice",
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	userID, err := newTestJWTVerifier(now).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "alice" {
		t.Fatalf("userID=%q, want %q", userID, "alice")
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signHS256(t, jwt.MapClaims{
		"sub": "alice",
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-time.Hour).Unix(),
	})

	if _, err := newTestJWTVerifier(now).Verify(token); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_MissingExp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signHS256(t, jwt.MapClaims{
		"sub": "alice",
		"iat": now.Unix(),
	})

	if _, err := newTestJWTVerifier(now).Verify(token); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_MissingSub(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signHS256(t, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	if _, err := newTestJWTVerifier(now).Verify(token); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := newTestJWTVerifier(now).Verify(token); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsNoneAlg(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	// Unsecured JWT: header {"alg":"none","typ":"JWT"}, no signature.
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := newTestJWTVerifier(now).Verify(token); err != ErrInvalidCredentials {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_GarbageAndEmpty(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestJWTVerifier(now)

	for _, token := range []string{"", "not.a.jwt", "a.b", "..."} {
		if _, err := v.Verify(token); err != ErrInvalidCredentials {
			t.Fatalf("token=%q err=%v, want %v", token, err, ErrInvalidCredentials)
		}
	}
}
