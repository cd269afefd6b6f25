package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultCookieName matches the session cookie bffd issues by default.
const DefaultCookieName = "bffd_session"

// ResolverConfig configures the identity resolver.
type ResolverConfig struct {
	// BFFURL is the base URL of the bffd instance that owns the session.
	BFFURL     string
	CookieName string
	// CacheTTL caches resolved identities per cookie. Zero disables caching,
	// so a logout is visible on the very next request.
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Identity is the authenticated user as reported by bffd.
type Identity struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role"`
}

// Resolver turns a browser request into an Identity by asking bffd's /me
// endpoint with the caller's session cookie.
type Resolver struct {
	cfg    ResolverConfig
	client *http.Client
	cache  *ttlcache.Cache[string, *Identity]
}

// NewResolver creates a resolver with sane defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	cfg.BFFURL = strings.TrimSuffix(cfg.BFFURL, "/")

	r := &Resolver{cfg: cfg, client: client}
	if cfg.CacheTTL > 0 {
		r.cache = ttlcache.New[string, *Identity](
			ttlcache.WithTTL[string, *Identity](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *Identity](),
		)
		go r.cache.Start()
	}
	return r
}

// Close stops the cache expiry loop.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Stop()
	}
}

// Resolve returns the identity behind req's session cookie, or nil when the
// request is anonymous or the session is no longer valid.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Identity, error) {
	cookie, err := req.Cookie(r.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	key := cacheKey(cookie.Value)
	if r.cache != nil {
		if item := r.cache.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	identity, err := r.fetch(ctx, cookie)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && identity != nil {
		r.cache.Set(key, identity, ttlcache.DefaultTTL)
	}
	return identity, nil
}

func (r *Resolver) fetch(ctx context.Context, cookie *http.Cookie) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BFFURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("create /me request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call /me: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("/me returned %s", resp.Status)
	}

	var body struct {
		User *Identity `json:"user"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode /me: %w", err)
	}
	if body.User == nil || body.User.Subject == "" {
		return nil, errors.New("/me returned no user")
	}
	return body.User, nil
}

func cacheKey(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}

// RequireIdentity rejects anonymous requests and injects the identity into the context.
func RequireIdentity(r *Resolver) func(http.Handler) http.Handler {
	return RequireRole(r)
}

// RequireRole is RequireIdentity plus a role check. With no roles it only requires a login.
func RequireRole(r *Resolver, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			identity, err := r.Resolve(req.Context(), req)
			if err != nil {
				writeError(w, http.StatusBadGateway, "identity_unavailable")
				return
			}
			if identity == nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, identity.Role) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			ctx := context.WithValue(req.Context(), identityKey{}, identity)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// IdentityFromContext retrieves the identity attached by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok
}

type identityKey struct{}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
