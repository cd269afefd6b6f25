package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SessionManager handles cookie-backed sessions. Lifetimes are absolute:
// reading a session never extends it.
type SessionManager struct {
	store      SessionStore
	logger     *slog.Logger
	ttl        time.Duration
	pendingTTL time.Duration
	cookie     CookieConfig
	now        func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg SessionsConfig, store SessionStore, logger *slog.Logger) *SessionManager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	pendingTTL := cfg.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	cookie := cfg.Cookie
	if cookie.Name == "" {
		cookie.Name = DefaultCookieName
	}
	return &SessionManager{
		store:      store,
		logger:     logger,
		ttl:        ttl,
		pendingTTL: pendingTTL,
		cookie:     cookie,
		now:        time.Now,
	}
}

// Load returns the session referenced by the request cookie, or nil when the
// request carries no cookie or the record is gone.
func (sm *SessionManager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookie.Name)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	sess, err := sm.store.Get(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sm.remaining(sess) <= 0 {
		if err := sm.store.Delete(r.Context(), sess.ID); err != nil {
			sm.logger.Warn("failed to delete expired session", "error", err)
		}
		return nil, nil
	}
	return sess, nil
}

// Begin starts a fresh session for a login attempt. Any session the request
// already references is deleted so that its pending state can no longer be used.
func (sm *SessionManager) Begin(r *http.Request) (*Session, error) {
	if cookie, err := r.Cookie(sm.cookie.Name); err == nil && cookie.Value != "" {
		if err := sm.store.Delete(r.Context(), cookie.Value); err != nil {
			return nil, fmt.Errorf("drop previous session: %w", err)
		}
	}
	id, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	return &Session{ID: id, CreatedAt: sm.now()}, nil
}

// Save persists sess without touching the cookie. A session whose lifetime has
// already run out is deleted instead.
func (sm *SessionManager) Save(ctx context.Context, sess *Session) error {
	ttl := sm.remaining(sess)
	if ttl <= 0 {
		return sm.store.Delete(ctx, sess.ID)
	}
	if err := sm.store.Save(ctx, sess, ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Commit persists sess and then sets the session cookie.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if err := sm.Save(ctx, sess); err != nil {
		return err
	}
	sm.setCookie(w, sess.ID, sm.remaining(sess))
	return nil
}

// Destroy deletes sess and clears the cookie. The cookie is cleared even when
// the delete fails so the browser stops presenting a stale ID.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	sm.clearCookie(w)
	if sess == nil {
		return nil
	}
	if err := sm.store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// CurrentUser resolves the request to an identity. It returns nil, nil for
// anonymous requests and for sessions still waiting on a callback.
func (sm *SessionManager) CurrentUser(r *http.Request) (*Identity, error) {
	sess, err := sm.Load(r)
	if err != nil {
		return nil, err
	}
	if !sess.Authenticated() {
		return nil, nil
	}
	return sess.Identity, nil
}

// Logout removes whatever session the request references and clears the
// cookie. Calling it without a session is not an error.
func (sm *SessionManager) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	sm.clearCookie(w)
	cookie, err := r.Cookie(sm.cookie.Name)
	if err != nil || cookie.Value == "" {
		return nil
	}
	if err := sm.store.Delete(ctx, cookie.Value); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// remaining reports how long sess may still live. Authenticated sessions get
// the full session TTL from login; sessions without an identity only live for
// the pending TTL.
func (sm *SessionManager) remaining(sess *Session) time.Duration {
	lifetime := sm.pendingTTL
	if sess.Authenticated() {
		lifetime = sm.ttl
	}
	return sess.CreatedAt.Add(lifetime).Sub(sm.now())
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, id string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookie.Name,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookie.Domain,
		HttpOnly: true,
		Secure:   sm.cookie.Secure,
		SameSite: sm.cookie.SameSiteMode(),
		MaxAge:   int(ttl.Seconds()),
	})
}

func (sm *SessionManager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookie.Domain,
		HttpOnly: true,
		Secure:   sm.cookie.Secure,
		SameSite: sm.cookie.SameSiteMode(),
		MaxAge:   -1,
	})
}
