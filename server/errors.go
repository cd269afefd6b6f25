package server

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the login flow. Wrap them with fmt.Errorf("%w: ...")
// so the boundary can map them to a status code without leaking detail.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrDiscovery           = errors.New("discovery error")
	ErrMissingParameter    = errors.New("missing parameter")
	ErrMissingSessionData  = errors.New("missing session data")
	ErrStateMismatch       = errors.New("state mismatch")
	ErrTokenExchange       = errors.New("token exchange failed")
	ErrTokenValidation     = errors.New("token validation failed")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrSessionNotFound     = errors.New("session not found")
	ErrIdentityProvider    = errors.New("identity provider reported an error")
)

// ValidationReason names the ID token check that failed.
type ValidationReason string

const (
	ReasonMalformed      ValidationReason = "malformed"
	ReasonSignature      ValidationReason = "signature"
	ReasonIssuer         ValidationReason = "issuer"
	ReasonAudience       ValidationReason = "audience"
	ReasonNonce          ValidationReason = "nonce"
	ReasonExpired        ValidationReason = "expired"
	ReasonIssuedAt       ValidationReason = "issued_at"
	ReasonMissingSubject ValidationReason = "missing_subject"
)

// TokenValidationError reports a single failed ID token check.
type TokenValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *TokenValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrTokenValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrTokenValidation, e.Reason, e.Detail)
}

// Is lets errors.Is(err, ErrTokenValidation) match.
func (e *TokenValidationError) Is(target error) bool {
	return target == ErrTokenValidation
}

func validationError(reason ValidationReason, format string, args ...any) *TokenValidationError {
	return &TokenValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ErrorResponse is the JSON body returned to the browser on failures.
type ErrorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrMissingParameter),
		errors.Is(err, ErrMissingSessionData),
		errors.Is(err, ErrStateMismatch),
		errors.Is(err, ErrIdentityProvider):
		return http.StatusBadRequest
	case errors.Is(err, ErrTokenExchange), errors.Is(err, ErrDiscovery):
		return http.StatusBadGateway
	case errors.Is(err, ErrTokenValidation), errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// errorCode maps an error to a stable client-facing code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingParameter):
		return "missing_parameter"
	case errors.Is(err, ErrMissingSessionData):
		return "missing_session_data"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrTokenExchange):
		return "token_exchange_failed"
	case errors.Is(err, ErrDiscovery):
		return "idp_unavailable"
	case errors.Is(err, ErrIdentityProvider):
		return "idp_error"
	case errors.Is(err, ErrTokenValidation):
		return "invalid_token"
	case errors.Is(err, ErrAuthorizationDenied):
		return "access_denied"
	case errors.Is(err, ErrConfiguration):
		return "server_misconfigured"
	default:
		return "server_error"
	}
}

var errorDescriptions = map[string]string{
	"missing_parameter":     "The login callback is missing required parameters.",
	"missing_session_data":  "No login is in progress for this session. Start again from /login.",
	"state_mismatch":        "The login response does not match this session. Start again from /login.",
	"token_exchange_failed": "The identity provider could not complete the login.",
	"idp_unavailable":       "The identity provider is unavailable.",
	"idp_error":             "The identity provider did not complete the login.",
	"invalid_token":         "The identity provider returned an invalid identity.",
	"access_denied":         "Access denied.",
	"server_misconfigured":  "Login is not configured on this server.",
	"server_error":          "Internal error.",
}

func errorResponse(err error) ErrorResponse {
	code := errorCode(err)
	return ErrorResponse{Code: code, Description: errorDescriptions[code]}
}
