package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// handleCallback finishes the login started by /login. Rejected identities are
// sent back to the frontend error page; malformed or failed callbacks get a JSON error.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request, sess *Session) {
	identity, err := a.completeLogin(w, r, sess)
	if err != nil {
		code := errorCode(err)
		loginOutcomes.WithLabelValues(code).Inc()
		switch {
		case errors.Is(err, ErrTokenValidation),
			errors.Is(err, ErrAuthorizationDenied),
			errors.Is(err, ErrIdentityProvider):
			a.Logger.Warn("login.denied", "reason", code, "error", err, "request_id", RequestIDFromContext(r.Context()))
			http.Redirect(w, r, a.Config.Frontend.ErrorURL(code), http.StatusFound)
		default:
			a.writeError(w, r, err)
		}
		return
	}

	loginOutcomes.WithLabelValues("success").Inc()
	setSubject(r.Context(), identity.Subject)
	a.Logger.Info("login.success", "subject", identity.Subject, "role", identity.Role, "request_id", RequestIDFromContext(r.Context()))
	http.Redirect(w, r, a.Config.Frontend.BaseURL, http.StatusFound)
}

// completeLogin drives PENDING_AUTH to AUTHENTICATED. A state mismatch, a
// missing parameter or a session with no login in progress leaves the session
// as it is. Every later failure, including an IdP-reported error carrying the
// right state, destroys it so no partial login survives.
func (a *App) completeLogin(w http.ResponseWriter, r *http.Request, sess *Session) (*Identity, error) {
	ctx := r.Context()
	q := r.URL.Query()

	code, state, idpErr := q.Get("code"), q.Get("state"), q.Get("error")
	if state == "" || (code == "" && idpErr == "") {
		return nil, fmt.Errorf("%w: code and state are required", ErrMissingParameter)
	}
	if sess == nil || sess.Pending == nil {
		return nil, fmt.Errorf("%w: no login in progress", ErrMissingSessionData)
	}
	pending := sess.Pending
	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		return nil, fmt.Errorf("%w: callback state does not match session", ErrStateMismatch)
	}
	if idpErr != "" {
		return nil, a.abandon(ctx, w, sess, fmt.Errorf("%w: %s", ErrIdentityProvider, idpErr))
	}
	if pending.CodeVerifier == "" || pending.Nonce == "" {
		return nil, a.abandon(ctx, w, sess, fmt.Errorf("%w: pending login lacks verifier or nonce", ErrMissingSessionData))
	}

	tokens, err := a.Provider.Exchange(ctx, code, pending.CodeVerifier)
	if err != nil {
		return nil, a.abandon(ctx, w, sess, err)
	}
	issuer, err := a.Provider.Issuer(ctx)
	if err != nil {
		return nil, a.abandon(ctx, w, sess, err)
	}

	claims, err := a.Validator.Validate(ctx, tokens.IDToken, pending.Nonce, issuer)
	if err != nil {
		return nil, a.abandon(ctx, w, sess, err)
	}

	identifier, source := ExtractIdentifier(claims.Raw)
	role, ok := a.Roles.Resolve(identifier)
	if !ok {
		return nil, a.abandon(ctx, w, sess, fmt.Errorf("%w: token carries no usable identifier", ErrAuthorizationDenied))
	}

	identity := buildIdentity(claims, identifier, source, role)
	sess.Pending = nil
	sess.Identity = identity
	sess.Tokens = tokens
	sess.CreatedAt = a.now()
	if err := a.Sessions.Commit(ctx, w, sess); err != nil {
		return nil, err
	}
	return identity, nil
}

// abandon destroys the session of a failed login. When the destroy itself
// fails the returned error no longer matches cause, so the caller answers 500.
func (a *App) abandon(ctx context.Context, w http.ResponseWriter, sess *Session, cause error) error {
	if err := a.Sessions.Destroy(ctx, w, sess); err != nil {
		a.Logger.Error("login.cleanup_failed", "error", err, "cause", cause)
		return fmt.Errorf("%w (login failed: %v)", err, cause)
	}
	return cause
}

func buildIdentity(claims *IDTokenClaims, identifier, source string, role Role) *Identity {
	identity := &Identity{Subject: claims.Subject, Role: role}
	if source != "sub" {
		identity.Email = identifier
	}
	name, _ := claims.Raw["name"].(string)
	if strings.TrimSpace(name) == "" {
		name, _ = claims.Raw["preferred_username"].(string)
	}
	identity.Name = strings.TrimSpace(name)
	return identity
}
