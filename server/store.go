package server

import (
	"context"
	"fmt"
	"time"
)

// SessionStore persists sessions keyed by their opaque ID. Save returns only
// once the backend has acknowledged the write.
type SessionStore interface {
	// Get returns ErrSessionNotFound when the ID is unknown or expired.
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, sess *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewSessionStore builds the backend selected by cfg.Backend.
func NewSessionStore(ctx context.Context, cfg SessionsConfig) (SessionStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: unknown session backend %q", ErrConfiguration, cfg.Backend)
	}
}

func cloneSession(sess *Session) *Session {
	out := *sess
	if sess.Pending != nil {
		p := *sess.Pending
		out.Pending = &p
	}
	if sess.Identity != nil {
		id := *sess.Identity
		out.Identity = &id
	}
	if sess.Tokens != nil {
		t := *sess.Tokens
		out.Tokens = &t
	}
	return &out
}
