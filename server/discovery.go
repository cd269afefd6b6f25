package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const wellKnownPath = "/.well-known/openid-configuration"

// maxDiscoveryBody caps the metadata document we are willing to read.
const maxDiscoveryBody = 1 << 20

// DiscoveryClient fetches the IdP metadata document once and then serves it
// from memory for the lifetime of the process. Concurrent first callers share
// a single in-flight fetch; a failed fetch is not cached.
type DiscoveryClient struct {
	issuer       string
	discoveryURL string
	httpClient   *http.Client
	logger       *slog.Logger

	doc   atomic.Pointer[DiscoveryDocument]
	group singleflight.Group
}

// NewDiscoveryClient builds a client for the configured issuer or explicit discovery URL.
func NewDiscoveryClient(cfg OIDCConfig, httpClient *http.Client, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.HTTPTimeout)
	}
	discoveryURL := cfg.DiscoveryURL
	if discoveryURL == "" && cfg.Issuer != "" {
		discoveryURL = NormalizeIssuer(cfg.Issuer) + wellKnownPath
	}
	return &DiscoveryClient{
		issuer:       cfg.Issuer,
		discoveryURL: discoveryURL,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// Config returns the cached discovery document, fetching it on first use.
func (c *DiscoveryClient) Config(ctx context.Context) (*DiscoveryDocument, error) {
	if doc := c.doc.Load(); doc != nil {
		return doc, nil
	}
	if c.discoveryURL == "" {
		return nil, fmt.Errorf("%w: issuer not configured", ErrDiscovery)
	}

	// The shared fetch is detached from the caller that started it and is
	// bounded by the HTTP client timeout. Callers stop waiting on their own ctx.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.discoveryURL, func() (any, error) {
		if doc := c.doc.Load(); doc != nil {
			return doc, nil
		}
		doc, err := c.fetch(fetchCtx)
		if err != nil {
			discoveryFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		discoveryFetches.WithLabelValues("success").Inc()
		c.doc.Store(doc)
		return doc, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("discovery fetch shared", "url", c.discoveryURL)
		}
		return res.Val.(*DiscoveryDocument), nil
	}
}

// Cached returns the document if it has already been fetched.
func (c *DiscoveryClient) Cached() (*DiscoveryDocument, bool) {
	doc := c.doc.Load()
	return doc, doc != nil
}

// Invalidate drops the cached document so the next Config call refetches it.
func (c *DiscoveryClient) Invalidate() {
	c.doc.Store(nil)
}

// URL returns the metadata endpoint in use.
func (c *DiscoveryClient) URL() string {
	return c.discoveryURL
}

func (c *DiscoveryClient) fetch(ctx context.Context) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrDiscovery, c.discoveryURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s returned %s", ErrDiscovery, c.discoveryURL, resp.Status)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrDiscovery, err)
	}

	var missing []string
	if doc.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if doc.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if doc.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: metadata missing %s", ErrDiscovery, strings.Join(missing, ", "))
	}

	if c.issuer != "" && doc.Issuer != "" && NormalizeIssuer(doc.Issuer) != NormalizeIssuer(c.issuer) {
		c.logger.Warn("discovery issuer differs from configured issuer",
			"configured", c.issuer,
			"discovered", doc.Issuer)
	}

	c.logger.Info("discovery document fetched",
		"url", c.discoveryURL,
		"issuer", doc.Issuer,
		"duration_ms", time.Since(start).Milliseconds())
	return &doc, nil
}

// NormalizeIssuer strips a single trailing slash, since IdPs report either form.
func NormalizeIssuer(issuer string) string {
	return strings.TrimSuffix(strings.TrimSpace(issuer), "/")
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
