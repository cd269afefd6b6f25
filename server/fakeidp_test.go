package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	testClientID     = "bffd-web"
	testClientSecret = "s3cret"
	testRedirectURI  = "http://bff.test/callback"
	testFrontendURL  = "http://app.test"
	testAuthCode     = "abc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIdP is an httptest OIDC provider serving discovery, JWKS and a token
// endpoint that enforces PKCE against the challenge seen at authorize time.
type fakeIdP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey
	kid string

	discoveryHits atomic.Int32
	tokenHits     atomic.Int32

	mu          sync.Mutex
	nonce       string
	challenge   string
	lastForm    url.Values
	tokenStatus int
	omitIDToken bool
	mutate      func(jwt.MapClaims)
	issuerSlash bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idp := &fakeIdP{t: t, key: key, kid: "test-key"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("/jwks", idp.handleJWKS)
	mux.HandleFunc("/token", idp.handleToken)
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (f *fakeIdP) issuer() string {
	return f.srv.URL
}

func (f *fakeIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	f.discoveryHits.Add(1)
	iss := f.srv.URL
	f.mu.Lock()
	if f.issuerSlash {
		iss += "/"
	}
	f.mu.Unlock()
	writeJSON(w, DiscoveryDocument{
		Issuer:                iss,
		AuthorizationEndpoint: f.srv.URL + "/authorize",
		TokenEndpoint:         f.srv.URL + "/token",
		UserInfoEndpoint:      f.srv.URL + "/userinfo",
		JWKSURI:               f.srv.URL + "/jwks",
	})
}

func (f *fakeIdP) jwks() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.key.PublicKey,
		KeyID:     f.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

func (f *fakeIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, f.jwks())
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	f.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.lastForm = r.PostForm
	status, omit, nonce, challenge := f.tokenStatus, f.omitIDToken, f.nonce, f.challenge
	f.mu.Unlock()

	if status != 0 {
		writeJSONStatus(w, status, map[string]string{"error": "server_error"})
		return
	}
	form := r.PostForm
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != testAuthCode ||
		form.Get("client_id") != testClientID || form.Get("client_secret") != testClientSecret ||
		oauth2.S256ChallengeFromVerifier(form.Get("code_verifier")) != challenge {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	resp := map[string]any{
		"access_token": "access-123",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omit {
		resp["id_token"] = f.sign(f.claims(nonce))
	}
	writeJSON(w, resp)
}

func (f *fakeIdP) claims(nonce string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.srv.URL,
		"aud":   testClientID,
		"sub":   "user-1",
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": "jane@corp.com",
		"name":  "Jane Doe",
	}
	f.mu.Lock()
	mutate := f.mutate
	f.mu.Unlock()
	if mutate != nil {
		mutate(claims)
	}
	return claims
}

func (f *fakeIdP) sign(claims jwt.MapClaims) string {
	f.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.kid
	raw, err := tok.SignedString(f.key)
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	return raw
}

// authorize plays the browser visiting the IdP: it records nonce and
// challenge from the login redirect and returns the state to echo back.
func (f *fakeIdP) authorize(t *testing.T, location string) string {
	t.Helper()
	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("parse login redirect: %v", err)
	}
	q := u.Query()
	f.mu.Lock()
	f.nonce = q.Get("nonce")
	f.challenge = q.Get("code_challenge")
	f.mu.Unlock()
	return q.Get("state")
}

func (f *fakeIdP) setMutate(fn func(jwt.MapClaims)) {
	f.mu.Lock()
	f.mutate = fn
	f.mu.Unlock()
}

func (f *fakeIdP) setTokenResponse(status int, omitIDToken bool) {
	f.mu.Lock()
	f.tokenStatus = status
	f.omitIDToken = omitIDToken
	f.mu.Unlock()
}

func (f *fakeIdP) form() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func testConfig(idp *fakeIdP) Config {
	cfg := DefaultConfig()
	cfg.OIDC.Issuer = idp.issuer()
	cfg.OIDC.ClientID = testClientID
	cfg.OIDC.ClientSecret = testClientSecret
	cfg.OIDC.RedirectURI = testRedirectURI
	cfg.Roles.AdminEmails = []string{"Admin@Corp.com"}
	cfg.Frontend.BaseURL = testFrontendURL
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func decodeJSON(t *testing.T, body io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
