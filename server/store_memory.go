package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps sessions in process. Entries expire after the TTL given to
// Save; reads never extend the lifetime.
type MemoryStore struct {
	cache *ttlcache.Cache[string, *Session]
}

// NewMemoryStore constructs the store and starts its expiry loop.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, *Session](
		ttlcache.WithDisableTouchOnHit[string, *Session](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Get retrieves a copy of the session.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	item := s.cache.Get(id)
	if item == nil || item.IsExpired() {
		return nil, ErrSessionNotFound
	}
	return cloneSession(item.Value()), nil
}

// Save stores or replaces a session.
func (s *MemoryStore) Save(_ context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	if ttl <= 0 {
		return fmt.Errorf("save session: non-positive ttl %s", ttl)
	}
	s.cache.Set(sess.ID, cloneSession(sess), ttl)
	return nil
}

// Delete removes a session. Unknown IDs are ignored.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

func (s *MemoryStore) size() int {
	return s.cache.Len()
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}
