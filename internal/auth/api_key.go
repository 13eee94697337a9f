package auth

import "crypto/subtle"

// APIKeyVerifier compares the presented key against a single shared secret.
// Identity is not part of the credential; callers take it from the claimed
// user ID after the key checks out.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (string, error) {
	if apiKey == "" || v.Expected == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}
