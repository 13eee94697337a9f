package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/lumenchat/call-relay/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrMissingUserID      = errors.New("missing user id")
)

// Verifier checks a signaling credential and, when the credential carries
// identity (JWT sub claim), returns the authenticated user ID. Verifiers whose
// credential is a shared secret return an empty user ID; the caller must
// resolve identity from the connection request instead.
type Verifier interface {
	Verify(credential string) (userID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// NoneVerifier accepts every connection. Dev mode only; identity comes from
// the userId query parameter.
type NoneVerifier struct{}

func (NoneVerifier) Verify(string) (string, error) { return "", nil }

// Credentials are a connection-time credential plus the claimed user ID, as
// carried by the request query or the first auth message.
type Credentials struct {
	Credential string
	UserID     string
}

func CredentialsFromQuery(mode config.AuthMode, q url.Values) (Credentials, error) {
	creds := Credentials{UserID: q.Get("userId")}
	switch mode {
	case config.AuthModeNone:
		if creds.UserID == "" {
			return Credentials{}, ErrMissingUserID
		}
		return creds, nil
	case config.AuthModeAPIKey:
		creds.Credential = q.Get("apiKey")
	case config.AuthModeJWT:
		creds.Credential = q.Get("token")
	default:
		return Credentials{}, fmt.Errorf("unsupported auth mode %q", mode)
	}
	if creds.Credential == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return creds, nil
}

// WireAuthMessage is the first client message on an unauthenticated socket.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
}

func CredentialsFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (Credentials, error) {
	creds := Credentials{UserID: msg.UserID}
	switch mode {
	case config.AuthModeNone:
		if creds.UserID == "" {
			return Credentials{}, ErrMissingUserID
		}
		return creds, nil
	case config.AuthModeAPIKey:
		creds.Credential = msg.APIKey
	case config.AuthModeJWT:
		creds.Credential = msg.Token
	default:
		return Credentials{}, fmt.Errorf("unsupported auth mode %q", mode)
	}
	if creds.Credential == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return creds, nil
}

// ResolveUserID reconciles the verifier's identity with the claimed one. A
// credential-borne identity wins; a claim that contradicts it is rejected
// rather than silently ignored.
func ResolveUserID(verified, claimed string) (string, error) {
	if verified == "" {
		if claimed == "" {
			return "", ErrMissingUserID
		}
		return claimed, nil
	}
	if claimed != "" && claimed != verified {
		return "", ErrInvalidCredentials
	}
	return verified, nil
}
