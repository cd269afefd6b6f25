package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
)

// SignatureVerifier checks the cryptographic signature of a raw ID token.
// Claim checks happen separately in TokenValidator.
type SignatureVerifier interface {
	Verify(ctx context.Context, rawIDToken string) error
	Mode() string
}

// NewSignatureVerifier selects the verifier for the configured mode.
func NewSignatureVerifier(cfg OIDCConfig, discovery *DiscoveryClient, httpClient *http.Client) (SignatureVerifier, error) {
	switch cfg.SignatureVerification {
	case SignatureDisabled:
		return DisabledVerifier{}, nil
	case SignatureStatic:
		return NewStaticVerifier(cfg.JWKSFile)
	case SignatureRemote, "":
		return NewRemoteVerifier(discovery, httpClient), nil
	default:
		return nil, fmt.Errorf("%w: unknown signature verification mode %q", ErrConfiguration, cfg.SignatureVerification)
	}
}

// DisabledVerifier accepts every signature. It exists for deployments where
// the IdP's key endpoint is unreachable and must be chosen explicitly.
type DisabledVerifier struct{}

func (DisabledVerifier) Verify(context.Context, string) error { return nil }

func (DisabledVerifier) Mode() string { return SignatureDisabled }

// RemoteVerifier verifies signatures against the IdP's published JWKS.
type RemoteVerifier struct {
	discovery  *DiscoveryClient
	httpClient *http.Client

	mu      sync.Mutex
	jwksURI string
	keySet  *oidc.RemoteKeySet
}

// NewRemoteVerifier resolves the JWKS URI lazily from discovery.
func NewRemoteVerifier(discovery *DiscoveryClient, httpClient *http.Client) *RemoteVerifier {
	if httpClient == nil {
		httpClient = newHTTPClient(DefaultHTTPTimeout)
	}
	return &RemoteVerifier{discovery: discovery, httpClient: httpClient}
}

func (v *RemoteVerifier) Mode() string { return SignatureRemote }

func (v *RemoteVerifier) Verify(ctx context.Context, rawIDToken string) error {
	keySet, err := v.keys(ctx)
	if err != nil {
		return err
	}
	if _, err := keySet.VerifySignature(ctx, rawIDToken); err != nil {
		return validationError(ReasonSignature, "%v", err)
	}
	return nil
}

// keys returns the key set for the currently discovered jwks_uri. It is
// rebuilt when the URI changes, e.g. after the discovery cache is invalidated.
func (v *RemoteVerifier) keys(ctx context.Context) (*oidc.RemoteKeySet, error) {
	doc, err := v.discovery.Config(ctx)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keySet != nil && v.jwksURI == doc.JWKSURI {
		return v.keySet, nil
	}
	// The key set keeps its own context for background refreshes, so it must
	// not inherit the request context.
	keyCtx := oidc.ClientContext(context.Background(), v.httpClient)
	v.keySet = oidc.NewRemoteKeySet(keyCtx, doc.JWKSURI)
	v.jwksURI = doc.JWKSURI
	return v.keySet, nil
}

// StaticVerifier verifies signatures against a JWKS loaded from disk.
type StaticVerifier struct {
	keys jose.JSONWebKeySet
}

// NewStaticVerifier reads a JSON Web Key Set file.
func NewStaticVerifier(path string) (*StaticVerifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read jwks file: %v", ErrConfiguration, err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("%w: parse jwks file: %v", ErrConfiguration, err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: jwks file %s has no keys", ErrConfiguration, path)
	}
	return &StaticVerifier{keys: set}, nil
}

func (v *StaticVerifier) Mode() string { return SignatureStatic }

func (v *StaticVerifier) Verify(_ context.Context, rawIDToken string) error {
	sig, err := jose.ParseSigned(rawIDToken)
	if err != nil {
		return validationError(ReasonSignature, "parse jws: %v", err)
	}
	if len(sig.Signatures) != 1 {
		return validationError(ReasonSignature, "expected one signature, got %d", len(sig.Signatures))
	}

	candidates := v.keys.Keys
	if kid := sig.Signatures[0].Header.KeyID; kid != "" {
		candidates = v.keys.Key(kid)
	}
	if len(candidates) == 0 {
		return validationError(ReasonSignature, "no key matches kid %q", sig.Signatures[0].Header.KeyID)
	}

	var errs []error
	for _, key := range candidates {
		_, err := sig.Verify(key.Public())
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return validationError(ReasonSignature, "%v", errors.Join(errs...))
}
