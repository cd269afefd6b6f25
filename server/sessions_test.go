package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestSessionManager(t *testing.T, store SessionStore) *SessionManager {
	t.Helper()
	cfg := DefaultConfig().Sessions
	cfg.Cookie.Secure = true
	return NewSessionManager(cfg, store, discardLogger())
}

func requestWithCookie(c *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if c != nil {
		req.AddCookie(c)
	}
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie set", DefaultCookieName)
	return nil
}

func TestSessionManagerCommitAndLoad(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	sm := newTestSessionManager(t, store)

	if sess, err := sm.Load(requestWithCookie(nil)); err != nil || sess != nil {
		t.Fatalf("expected no session without cookie, got %v %v", sess, err)
	}

	sess, err := sm.Begin(requestWithCookie(nil))
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	sess.Pending = &PendingAuthState{State: "s1", Nonce: "n1", CodeVerifier: "v1"}

	rec := httptest.NewRecorder()
	if err := sm.Commit(context.Background(), rec, sess); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	cookie := sessionCookie(t, rec)
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}
	if cookie.MaxAge <= 0 || cookie.MaxAge > int(DefaultPendingTTL.Seconds()) {
		t.Fatalf("pending cookie should live for the pending ttl, got %d", cookie.MaxAge)
	}

	loaded, err := sm.Load(requestWithCookie(cookie))
	if err != nil || loaded == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Pending.State != "s1" {
		t.Fatalf("unexpected pending state %+v", loaded.Pending)
	}

	user, err := sm.CurrentUser(requestWithCookie(cookie))
	if err != nil || user != nil {
		t.Fatalf("pending session must not resolve to a user, got %v %v", user, err)
	}
}

func TestSessionManagerBeginDropsPreviousSession(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	sm := newTestSessionManager(t, store)

	first, _ := sm.Begin(requestWithCookie(nil))
	first.Pending = &PendingAuthState{State: "s1", Nonce: "n1", CodeVerifier: "v1"}
	rec := httptest.NewRecorder()
	if err := sm.Commit(context.Background(), rec, first); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	cookie := sessionCookie(t, rec)

	second, err := sm.Begin(requestWithCookie(cookie))
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh session id")
	}
	if _, err := store.Get(context.Background(), first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("previous session should be deleted, got %v", err)
	}
}

func TestSessionManagerAbsoluteLifetime(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	sm := newTestSessionManager(t, store)
	now := time.Now()
	sm.now = func() time.Time { return now }

	sess, _ := sm.Begin(requestWithCookie(nil))
	sess.Identity = &Identity{Subject: "user-1", Role: RoleEmployee}
	rec := httptest.NewRecorder()
	if err := sm.Commit(context.Background(), rec, sess); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	cookie := sessionCookie(t, rec)

	now = now.Add(DefaultSessionTTL - time.Minute)
	if user, _ := sm.CurrentUser(requestWithCookie(cookie)); user == nil {
		t.Fatalf("session should still be valid before ttl")
	}

	now = now.Add(2 * time.Minute)
	if user, _ := sm.CurrentUser(requestWithCookie(cookie)); user != nil {
		t.Fatalf("session should expire at an absolute ttl even after reads")
	}
}

func TestSessionManagerLogoutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	sm := newTestSessionManager(t, store)

	sess, _ := sm.Begin(requestWithCookie(nil))
	sess.Identity = &Identity{Subject: "user-1", Role: RoleAdmin}
	rec := httptest.NewRecorder()
	if err := sm.Commit(context.Background(), rec, sess); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	cookie := sessionCookie(t, rec)

	if user, err := sm.CurrentUser(requestWithCookie(cookie)); err != nil || user == nil || user.Role != RoleAdmin {
		t.Fatalf("expected admin identity, got %v %v", user, err)
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		if err := sm.Logout(context.Background(), rec, requestWithCookie(cookie)); err != nil {
			t.Fatalf("Logout #%d returned error: %v", i+1, err)
		}
		cleared := sessionCookie(t, rec)
		if cleared.MaxAge >= 0 || cleared.Value != "" || !cleared.Secure {
			t.Fatalf("expected cleared secure cookie, got %+v", cleared)
		}
	}

	if user, err := sm.CurrentUser(requestWithCookie(cookie)); err != nil || user != nil {
		t.Fatalf("old cookie must not resolve after logout, got %v %v", user, err)
	}
	if err := sm.Logout(context.Background(), httptest.NewRecorder(), requestWithCookie(nil)); err != nil {
		t.Fatalf("Logout without a session should succeed: %v", err)
	}
}

type brokenStore struct {
	SessionStore
	err error
}

func (b brokenStore) Delete(context.Context, string) error { return b.err }

func TestSessionManagerDestroyReportsStoreFailure(t *testing.T) {
	mem := NewMemoryStore()
	defer mem.Close()
	sm := newTestSessionManager(t, brokenStore{SessionStore: mem, err: errors.New("store down")})

	rec := httptest.NewRecorder()
	err := sm.Destroy(context.Background(), rec, &Session{ID: "x"})
	if err == nil {
		t.Fatalf("expected destroy failure to be returned")
	}
	if sessionCookie(t, rec).MaxAge >= 0 {
		t.Fatalf("cookie should be cleared even when the delete fails")
	}
}
