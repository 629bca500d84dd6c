// Package memory is an in-process model.SessionStore, used when Redis is
// not configured and in tests. Entries expire lazily on read.
package memory

import (
	"context"
	"sync"
	"time"

	"stopsafe/internal/model"
)

const defaultSessionTTL = 12 * time.Hour

type entry struct {
	value     any
	expiresAt time.Time
}

// Store implements model.SessionStore in memory. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// New creates an in-memory session store.
func New() *Store {
	return &Store{
		ttl:     defaultSessionTTL,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func kotakKey(userID string) string     { return "kotak:" + userID }
func aliceblueKey(userID string) string { return "aliceblue:" + userID }

func (s *Store) put(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: v, expiresAt: s.now().Add(s.ttl)}
}

func (s *Store) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *Store) del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *Store) SaveKotakSession(_ context.Context, userID string, sess model.KotakSession) error {
	s.put(kotakKey(userID), sess)
	return nil
}

func (s *Store) KotakSession(_ context.Context, userID string) (model.KotakSession, bool, error) {
	v, ok := s.get(kotakKey(userID))
	if !ok {
		return model.KotakSession{}, false, nil
	}
	return v.(model.KotakSession), true, nil
}

func (s *Store) ClearKotakSession(_ context.Context, userID string) error {
	s.del(kotakKey(userID))
	return nil
}

func (s *Store) SaveAliceBlueSession(_ context.Context, userID string, sess model.AliceBlueSession) error {
	s.put(aliceblueKey(userID), sess)
	return nil
}

func (s *Store) AliceBlueSession(_ context.Context, userID string) (model.AliceBlueSession, bool, error) {
	v, ok := s.get(aliceblueKey(userID))
	if !ok {
		return model.AliceBlueSession{}, false, nil
	}
	return v.(model.AliceBlueSession), true, nil
}

func (s *Store) ClearAliceBlueSession(_ context.Context, userID string) error {
	s.del(aliceblueKey(userID))
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
