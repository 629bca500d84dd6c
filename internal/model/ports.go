package model

import (
	"context"
	"errors"
)

// ErrNotLoggedIn is returned by broker operations that need a live session
// when none is cached for the user.
var ErrNotLoggedIn = errors.New("not logged in")

// ── Storage Port Interfaces ──
// These interfaces decouple the API layer from concrete storage
// implementations (SQLite for credentials, Redis or memory for sessions).

// SettingsStore persists per-user broker credentials.
type SettingsStore interface {
	// SaveKotakSettings stores or replaces a user's Kotak credentials.
	SaveKotakSettings(ctx context.Context, userID string, s KotakSettings) error

	// KotakSettings loads a user's Kotak credentials. ok is false when the
	// user has never saved any.
	KotakSettings(ctx context.Context, userID string) (s KotakSettings, ok bool, err error)

	// SaveAliceBlueSettings stores or replaces a user's Alice Blue credentials.
	SaveAliceBlueSettings(ctx context.Context, userID string, s AliceBlueSettings) error

	// AliceBlueSettings loads a user's Alice Blue credentials.
	AliceBlueSettings(ctx context.Context, userID string) (s AliceBlueSettings, ok bool, err error)

	// Close releases underlying resources.
	Close() error
}

// SessionStore caches live broker sessions. Sessions are short-lived and
// expire server-side; implementations apply a TTL on write.
type SessionStore interface {
	SaveKotakSession(ctx context.Context, userID string, s KotakSession) error
	KotakSession(ctx context.Context, userID string) (s KotakSession, ok bool, err error)
	ClearKotakSession(ctx context.Context, userID string) error

	SaveAliceBlueSession(ctx context.Context, userID string, s AliceBlueSession) error
	AliceBlueSession(ctx context.Context, userID string) (s AliceBlueSession, ok bool, err error)
	ClearAliceBlueSession(ctx context.Context, userID string) error

	// Close releases underlying resources.
	Close() error
}

// CandleSource fetches a bounded chronological series of daily close prices
// for one instrument. Implementations apply their own request timeout and
// return an error rather than partial data.
type CandleSource interface {
	DailyCloses(ctx context.Context, exchange, token string, days int) ([]float64, error)
}
