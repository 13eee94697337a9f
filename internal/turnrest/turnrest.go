// Package turnrest mints coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<user_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	realm          string
	now            func() time.Time

	randomIDSource func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
	Now            func() time.Time
	RandomIDSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomIDSource == nil {
		cfg.RandomIDSource = cryptoRandomID
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		realm:          cfg.Realm,
		now:            cfg.Now,
		randomIDSource: cfg.RandomIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Realm      string
	ExpiryUnix int64
}

// GenerateForUser mints credentials whose username embeds the user's
// identity, so TURN allocations are attributable in server logs.
func (g *Generator) GenerateForUser(userID string) (Credentials, error) {
	if userID == "" {
		return Credentials{}, errors.New("userID is required")
	}
	if strings.ContainsRune(userID, ':') {
		return Credentials{}, errors.New("userID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, userID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		Realm:      g.realm,
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateAnonymous mints credentials with a random suffix, for callers that
// are not authenticated with a stable identity.
func (g *Generator) GenerateAnonymous() (Credentials, error) {
	id, err := g.randomIDSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.GenerateForUser(id)
}

func cryptoRandomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
