package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// IdentityProvider represents the minimal behaviour required from the upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, pending *PendingAuthState) (string, error)
	Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error)
	Issuer(ctx context.Context) (string, error)
}

// OIDCProvider talks to the configured IdP through its discovery metadata.
type OIDCProvider struct {
	discovery  *DiscoveryClient
	builder    *AuthRequestBuilder
	httpClient *http.Client
	issuer     string
	logger     *slog.Logger
}

// NewOIDCProvider wires discovery, the authorization request builder and the
// HTTP client used for the token exchange.
func NewOIDCProvider(cfg OIDCConfig, discovery *DiscoveryClient, httpClient *http.Client, logger *slog.Logger) *OIDCProvider {
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.HTTPTimeout)
	}
	return &OIDCProvider{
		discovery:  discovery,
		builder:    NewAuthRequestBuilder(cfg),
		httpClient: httpClient,
		issuer:     cfg.Issuer,
		logger:     logger,
	}
}

// AuthCodeURL constructs the authorization request for the IdP.
func (p *OIDCProvider) AuthCodeURL(ctx context.Context, pending *PendingAuthState) (string, error) {
	doc, err := p.discovery.Config(ctx)
	if err != nil {
		return "", err
	}
	return p.builder.AuthCodeURL(doc, pending)
}

// Exchange redeems the authorization code with the PKCE verifier.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	doc, err := p.discovery.Config(ctx)
	if err != nil {
		return nil, err
	}
	oauthCfg, err := p.builder.OAuth2Config(doc)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	start := time.Now()
	tok, err := oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	tokenExchangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return nil, fmt.Errorf("%w: token endpoint returned %d %s", ErrTokenExchange, rerr.Response.StatusCode, rerr.ErrorCode)
		}
		return nil, fmt.Errorf("%w: exchange code: %v", ErrTokenExchange, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || strings.TrimSpace(rawIDToken) == "" {
		return nil, fmt.Errorf("%w: id_token missing in response", ErrTokenExchange)
	}

	return &Tokens{
		AccessToken:  tok.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// Issuer returns the issuer reported by discovery, falling back to configuration.
func (p *OIDCProvider) Issuer(ctx context.Context) (string, error) {
	doc, err := p.discovery.Config(ctx)
	if err != nil {
		return "", err
	}
	if doc.Issuer != "" {
		return doc.Issuer, nil
	}
	return p.issuer, nil
}
