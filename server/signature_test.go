package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func writeJWKS(t *testing.T, idp *fakeIdP) string {
	t.Helper()
	data, err := json.Marshal(idp.jwks())
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwks.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write jwks: %v", err)
	}
	return path
}

func foreignToken(t *testing.T, kid string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "mallory"})
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestRemoteVerifierUsesDiscoveredJWKS(t *testing.T) {
	idp := newFakeIdP(t)
	discovery := NewDiscoveryClient(OIDCConfig{Issuer: idp.issuer()}, nil, discardLogger())
	v := NewRemoteVerifier(discovery, nil)

	if err := v.Verify(context.Background(), idp.sign(jwt.MapClaims{"sub": "user-1"})); err != nil {
		t.Fatalf("expected signature to verify: %v", err)
	}

	err := v.Verify(context.Background(), foreignToken(t, idp.kid))
	if reasonOf(err) != ReasonSignature {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestRemoteVerifierPropagatesDiscoveryFailure(t *testing.T) {
	v := NewRemoteVerifier(NewDiscoveryClient(OIDCConfig{}, nil, discardLogger()), nil)
	if err := v.Verify(context.Background(), "x.y.z"); !errors.Is(err, ErrDiscovery) {
		t.Fatalf("expected ErrDiscovery, got %v", err)
	}
}

func TestRemoteVerifierFollowsRediscoveredJWKS(t *testing.T) {
	var jwksURI atomic.Value
	jwksURI.Store("https://idp.example.com/keys/v1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, DiscoveryDocument{
			Issuer:                "https://idp.example.com",
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			TokenEndpoint:         "https://idp.example.com/token",
			JWKSURI:               jwksURI.Load().(string),
		})
	}))
	defer srv.Close()

	discovery := NewDiscoveryClient(OIDCConfig{DiscoveryURL: srv.URL}, nil, discardLogger())
	v := NewRemoteVerifier(discovery, nil)

	first, err := v.keys(context.Background())
	if err != nil {
		t.Fatalf("keys returned error: %v", err)
	}
	again, err := v.keys(context.Background())
	if err != nil || again != first {
		t.Fatalf("key set should be reused while jwks_uri is unchanged")
	}

	jwksURI.Store("https://idp.example.com/keys/v2")
	discovery.Invalidate()

	rotated, err := v.keys(context.Background())
	if err != nil {
		t.Fatalf("keys after invalidate returned error: %v", err)
	}
	if rotated == first || v.jwksURI != "https://idp.example.com/keys/v2" {
		t.Fatalf("key set should follow the rediscovered jwks_uri, got %q", v.jwksURI)
	}
}

func TestStaticVerifier(t *testing.T) {
	idp := newFakeIdP(t)
	v, err := NewStaticVerifier(writeJWKS(t, idp))
	if err != nil {
		t.Fatalf("NewStaticVerifier returned error: %v", err)
	}
	if v.Mode() != SignatureStatic {
		t.Fatalf("unexpected mode %q", v.Mode())
	}

	if err := v.Verify(context.Background(), idp.sign(jwt.MapClaims{"sub": "user-1"})); err != nil {
		t.Fatalf("expected signature to verify: %v", err)
	}
	if err := v.Verify(context.Background(), foreignToken(t, idp.kid)); reasonOf(err) != ReasonSignature {
		t.Fatalf("expected rejection for foreign key, got %v", err)
	}
	if err := v.Verify(context.Background(), foreignToken(t, "unknown-kid")); reasonOf(err) != ReasonSignature {
		t.Fatalf("expected rejection for unknown kid, got %v", err)
	}
	if err := v.Verify(context.Background(), "garbage"); reasonOf(err) != ReasonSignature {
		t.Fatalf("expected rejection for garbage, got %v", err)
	}
}

func TestNewSignatureVerifierModes(t *testing.T) {
	idp := newFakeIdP(t)
	discovery := NewDiscoveryClient(OIDCConfig{Issuer: idp.issuer()}, nil, discardLogger())

	cases := []struct {
		cfg  OIDCConfig
		want string
	}{
		{OIDCConfig{}, SignatureRemote},
		{OIDCConfig{SignatureVerification: SignatureRemote}, SignatureRemote},
		{OIDCConfig{SignatureVerification: SignatureDisabled}, SignatureDisabled},
		{OIDCConfig{SignatureVerification: SignatureStatic, JWKSFile: writeJWKS(t, idp)}, SignatureStatic},
	}
	for _, tc := range cases {
		v, err := NewSignatureVerifier(tc.cfg, discovery, nil)
		if err != nil {
			t.Fatalf("NewSignatureVerifier(%q) returned error: %v", tc.cfg.SignatureVerification, err)
		}
		if v.Mode() != tc.want {
			t.Fatalf("mode = %q, want %q", v.Mode(), tc.want)
		}
	}

	if _, err := NewSignatureVerifier(OIDCConfig{SignatureVerification: SignatureStatic, JWKSFile: "/nonexistent"}, discovery, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing jwks file, got %v", err)
	}
	if _, err := NewSignatureVerifier(OIDCConfig{SignatureVerification: "sometimes"}, discovery, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown mode, got %v", err)
	}
}
