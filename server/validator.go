package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator checks ID token claims. Signature verification is delegated
// to a SignatureVerifier so it can be swapped or explicitly disabled.
type TokenValidator struct {
	clientID         string
	configuredIssuer string
	skew             time.Duration
	verifier         SignatureVerifier
	collectAll       bool
	now              func() time.Time
	parser           *jwt.Parser
}

// ValidatorOption customises a TokenValidator.
type ValidatorOption func(*TokenValidator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *TokenValidator) { v.now = now }
}

// WithCollectAll runs every check and reports all failures instead of stopping at the first.
func WithCollectAll() ValidatorOption {
	return func(v *TokenValidator) { v.collectAll = true }
}

// NewTokenValidator builds a validator for the configured client and issuer.
func NewTokenValidator(cfg OIDCConfig, verifier SignatureVerifier, opts ...ValidatorOption) *TokenValidator {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	if verifier == nil {
		verifier = DisabledVerifier{}
	}
	v := &TokenValidator{
		clientID:         cfg.ClientID,
		configuredIssuer: cfg.Issuer,
		skew:             skew,
		verifier:         verifier,
		now:              time.Now,
		parser:           jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SignatureMode reports the active signature verification mode.
func (v *TokenValidator) SignatureMode() string {
	return v.verifier.Mode()
}

type claimCheck func(claims jwt.MapClaims, now time.Time) error

// Validate decodes rawIDToken and checks signature, issuer, audience, nonce,
// expiry, issued-at and subject.
func (v *TokenValidator) Validate(ctx context.Context, rawIDToken, expectedNonce, expectedIssuer string) (*IDTokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := v.parser.ParseUnverified(rawIDToken, claims); err != nil {
		return nil, validationError(ReasonMalformed, "%v", err)
	}

	var errs []error
	if err := v.verifier.Verify(ctx, rawIDToken); err != nil {
		var tve *TokenValidationError
		if !errors.As(err, &tve) {
			err = validationError(ReasonSignature, "%v", err)
		}
		if !v.collectAll {
			return nil, err
		}
		errs = append(errs, err)
	}

	checks := []claimCheck{
		v.checkIssuer(expectedIssuer),
		v.checkAudience,
		checkNonce(expectedNonce),
		checkExpiry,
		v.checkIssuedAt,
		checkSubject,
	}

	now := v.now()
	for _, check := range checks {
		if err := check(claims, now); err != nil {
			if !v.collectAll {
				return nil, err
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return buildIDTokenClaims(claims), nil
}

func (v *TokenValidator) checkIssuer(expectedIssuer string) claimCheck {
	return func(claims jwt.MapClaims, _ time.Time) error {
		iss, err := claims.GetIssuer()
		if err != nil || iss == "" {
			return validationError(ReasonIssuer, "iss missing or not a string")
		}
		got := NormalizeIssuer(iss)
		for _, accepted := range []string{expectedIssuer, v.configuredIssuer} {
			if accepted != "" && got == NormalizeIssuer(accepted) {
				return nil
			}
		}
		return validationError(ReasonIssuer, "unexpected issuer %q", iss)
	}
}

func (v *TokenValidator) checkAudience(claims jwt.MapClaims, _ time.Time) error {
	aud, err := claims.GetAudience()
	if err != nil {
		return validationError(ReasonAudience, "aud has invalid type")
	}
	if v.clientID == "" || !slices.Contains([]string(aud), v.clientID) {
		return validationError(ReasonAudience, "client id not in audience")
	}
	return nil
}

func checkNonce(expected string) claimCheck {
	return func(claims jwt.MapClaims, _ time.Time) error {
		nonce, _ := claims["nonce"].(string)
		if expected == "" || nonce != expected {
			return validationError(ReasonNonce, "nonce does not match login")
		}
		return nil
	}
}

func checkExpiry(claims jwt.MapClaims, now time.Time) error {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return validationError(ReasonExpired, "exp missing or not a number")
	}
	if exp.Time.Before(now) {
		return validationError(ReasonExpired, "token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// checkIssuedAt accepts iat within [now-skew, now+skew].
func (v *TokenValidator) checkIssuedAt(claims jwt.MapClaims, now time.Time) error {
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return validationError(ReasonIssuedAt, "iat missing or not a number")
	}
	if iat.Time.After(now.Add(v.skew)) {
		return validationError(ReasonIssuedAt, "iat is in the future")
	}
	if iat.Time.Before(now.Add(-v.skew)) {
		return validationError(ReasonIssuedAt, "iat is too old")
	}
	return nil
}

func checkSubject(claims jwt.MapClaims, _ time.Time) error {
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return validationError(ReasonMissingSubject, "sub missing")
	}
	return nil
}

func buildIDTokenClaims(claims jwt.MapClaims) *IDTokenClaims {
	out := &IDTokenClaims{Raw: make(map[string]any, len(claims))}
	for k, val := range claims {
		out.Raw[k] = val
	}
	out.Subject, _ = claims.GetSubject()
	out.Issuer, _ = claims.GetIssuer()
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	out.Nonce, _ = claims["nonce"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out
}
