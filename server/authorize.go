package server

import (
	"fmt"

	"golang.org/x/oauth2"
)

// AuthRequestBuilder composes IdP authorization URLs and the matching
// oauth2.Config used later for the code exchange.
type AuthRequestBuilder struct {
	clientID     string
	clientSecret string
	redirectURI  string
	scopes       []string
}

// NewAuthRequestBuilder captures the client registration from configuration.
func NewAuthRequestBuilder(cfg OIDCConfig) *AuthRequestBuilder {
	return &AuthRequestBuilder{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		scopes:       cfg.Scopes,
	}
}

// OAuth2Config binds the client registration to the discovered endpoints.
func (b *AuthRequestBuilder) OAuth2Config(doc *DiscoveryDocument) (*oauth2.Config, error) {
	if b.clientID == "" {
		return nil, fmt.Errorf("%w: client id not configured", ErrConfiguration)
	}
	if b.redirectURI == "" {
		return nil, fmt.Errorf("%w: redirect uri not configured", ErrConfiguration)
	}
	if doc == nil || doc.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("%w: no authorization endpoint discovered", ErrConfiguration)
	}
	scopes := b.scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	return &oauth2.Config{
		ClientID:     b.clientID,
		ClientSecret: b.clientSecret,
		RedirectURL:  b.redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

// AuthCodeURL builds the redirect to the IdP for the given pending state.
func (b *AuthRequestBuilder) AuthCodeURL(doc *DiscoveryDocument, pending *PendingAuthState) (string, error) {
	oauthCfg, err := b.OAuth2Config(doc)
	if err != nil {
		return "", err
	}
	if pending == nil || pending.State == "" || pending.Nonce == "" || pending.CodeVerifier == "" {
		return "", fmt.Errorf("%w: incomplete pending auth state", ErrConfiguration)
	}
	return oauthCfg.AuthCodeURL(pending.State,
		oauth2.SetAuthURLParam("nonce", pending.Nonce),
		oauth2.S256ChallengeOption(pending.CodeVerifier),
	), nil
}
