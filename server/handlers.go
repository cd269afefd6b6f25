package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     SessionStore
	Sessions  *SessionManager
	Discovery *DiscoveryClient
	Provider  IdentityProvider
	Validator *TokenValidator
	Roles     RoleAssigner

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	httpClient := newHTTPClient(cfg.OIDC.HTTPTimeout)

	store, err := NewSessionStore(ctx, cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}

	discovery := NewDiscoveryClient(cfg.OIDC, httpClient, logger)
	verifier, err := NewSignatureVerifier(cfg.OIDC, discovery, httpClient)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init signature verification: %w", err)
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  NewSessionManager(cfg.Sessions, store, logger),
		Discovery: discovery,
		Provider:  NewOIDCProvider(cfg.OIDC, discovery, httpClient, logger),
		Validator: NewTokenValidator(cfg.OIDC, verifier),
		Roles:     NewRoleResolver(cfg.Roles.AdminEmails),
		now:       time.Now,
	}

	if verifier.Mode() == SignatureDisabled {
		logger.Warn("ID token signature verification is DISABLED; tokens are trusted on claims alone",
			"setting", "oidc.signature_verification",
			"value", SignatureDisabled)
	}
	if missing := cfg.MissingOIDCSettings(); len(missing) > 0 {
		logger.Warn("OIDC settings incomplete, /login will fail until they are set", "missing", missing)
	}
	logger.Info("login flow configured",
		"discovery_url", discovery.URL(),
		"signature_verification", verifier.Mode(),
		"session_backend", cfg.Sessions.Backend,
		"admins", len(cfg.Roles.AdminEmails))

	return app, nil
}

// Close releases the session store.
func (a *App) Close() error {
	return a.Store.Close()
}

// withSession loads the request's session (nil when there is none) and hands it to h.
func (a *App) withSession(h func(http.ResponseWriter, *http.Request, *Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.Sessions.Load(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		h(w, r, sess)
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if missing := a.Config.MissingOIDCSettings(); len(missing) > 0 {
		a.writeError(w, r, fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", ")))
		return
	}

	ctx := r.Context()
	pending, err := NewPendingAuth(a.now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	authURL, err := a.Provider.AuthCodeURL(ctx, pending)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	sess, err := a.Sessions.Begin(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sess.Pending = pending
	if err := a.Sessions.Commit(ctx, w, sess); err != nil {
		a.writeError(w, r, err)
		return
	}

	loginsStarted.Inc()
	a.Logger.Info("login.start", "request_id", RequestIDFromContext(ctx))
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, err := a.Sessions.CurrentUser(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if identity == nil {
		writeJSONStatus(w, http.StatusUnauthorized, ErrorResponse{Code: "unauthenticated"})
		return
	}
	setSubject(r.Context(), identity.Subject)
	writeJSON(w, map[string]any{"user": identity})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Logout(r.Context(), w, r); err != nil {
		a.writeError(w, r, err)
		return
	}
	logouts.Inc()
	writeJSON(w, map[string]string{"status": "logged_out"})
}

// storePinger is implemented by session backends that live out of process.
type storePinger interface {
	Ping(ctx context.Context) error
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":                 "ok",
		"signature_verification": a.Validator.SignatureMode(),
		"session_backend":        a.Config.Sessions.Backend,
	}
	if p, ok := a.Store.(storePinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.Logger.Error("session store unreachable", "error", err, "request_id", RequestIDFromContext(r.Context()))
			body["status"] = "unavailable"
			writeJSONStatus(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, body)
}

// writeError logs err and answers with its mapped status and a generic body.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	attrs := []any{"error", err, "status", status, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context())}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", attrs...)
	} else {
		a.Logger.Warn("request rejected", attrs...)
	}
	writeJSONStatus(w, status, errorResponse(err))
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
