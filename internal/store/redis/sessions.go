// Package redis caches live broker sessions in Redis with a TTL, so a
// server restart does not force every user back through TOTP login.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stopsafe/internal/model"
)

// Broker sessions are invalidated server-side at end of day; the TTL just
// keeps stale entries from outliving that.
const defaultSessionTTL = 12 * time.Hour

// Config configures the session store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration
}

// Store implements model.SessionStore on Redis.
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a session store and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	slog.Info("redis session store connected", slog.String("addr", cfg.Addr))
	return &Store{client: client, ttl: ttl}, nil
}

func kotakKey(userID string) string     { return "session:kotak:" + userID }
func aliceblueKey(userID string) string { return "session:aliceblue:" + userID }

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis marshal session: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis load session: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("redis decode session: %w", err)
	}
	return true, nil
}

func (s *Store) SaveKotakSession(ctx context.Context, userID string, sess model.KotakSession) error {
	return s.save(ctx, kotakKey(userID), sess)
}

func (s *Store) KotakSession(ctx context.Context, userID string) (model.KotakSession, bool, error) {
	var sess model.KotakSession
	ok, err := s.load(ctx, kotakKey(userID), &sess)
	if !ok || err != nil {
		return model.KotakSession{}, false, err
	}
	return sess, true, nil
}

func (s *Store) ClearKotakSession(ctx context.Context, userID string) error {
	return s.client.Del(ctx, kotakKey(userID)).Err()
}

func (s *Store) SaveAliceBlueSession(ctx context.Context, userID string, sess model.AliceBlueSession) error {
	return s.save(ctx, aliceblueKey(userID), sess)
}

func (s *Store) AliceBlueSession(ctx context.Context, userID string) (model.AliceBlueSession, bool, error) {
	var sess model.AliceBlueSession
	ok, err := s.load(ctx, aliceblueKey(userID), &sess)
	if !ok || err != nil {
		return model.AliceBlueSession{}, false, err
	}
	return sess, true, nil
}

func (s *Store) ClearAliceBlueSession(ctx context.Context, userID string) error {
	return s.client.Del(ctx, aliceblueKey(userID)).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
