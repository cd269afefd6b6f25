package server

import "time"

// Role is the internal authorization level derived at login.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleEmployee
}

// DiscoveryDocument holds the IdP metadata fields the login flow needs.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri"`
}

// PendingAuthState is the per-session slot filled by /login and consumed by /callback.
type PendingAuthState struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// Tokens are the IdP credentials held on behalf of the browser. They never leave the server.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Identity is the authenticated user as seen by downstream components.
type Identity struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Role    Role   `json:"role"`
}

// Session is the server-side record keyed by the opaque cookie value.
type Session struct {
	ID        string            `json:"-"`
	Pending   *PendingAuthState `json:"pending,omitempty"`
	Identity  *Identity         `json:"identity,omitempty"`
	Tokens    *Tokens           `json:"tokens,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Authenticated reports whether the session carries a usable identity.
func (s *Session) Authenticated() bool {
	return s != nil && s.Identity != nil && s.Identity.Role.Valid()
}

// IDTokenClaims is the subset of validated ID token claims used after login.
type IDTokenClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	Nonce     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}
