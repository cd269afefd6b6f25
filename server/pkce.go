package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Entropy for the per-login random values, in bytes before hex encoding.
const (
	stateBytes    = 16
	nonceBytes    = 16
	verifierBytes = 32
)

// NewPendingAuth generates independent state, nonce and PKCE verifier values for one login attempt.
func NewPendingAuth(now time.Time) (*PendingAuthState, error) {
	state, err := randomHex(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomHex(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	verifier, err := randomHex(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	return &PendingAuthState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		CreatedAt:    now,
	}, nil
}

// CodeChallenge returns base64url_no_pad(SHA256(verifier)).
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
