// Package sqlite persists per-user broker credentials in a local SQLite
// database. Writes are serialized through a single connection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stopsafe/internal/model"
)

// Config configures the settings store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/stopsafe.db"
}

// Store implements model.SettingsStore on SQLite.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite settings store opened", slog.String("path", cfg.DBPath))
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kotak_settings (
			user_id       TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			mobile_number TEXT NOT NULL,
			ucc           TEXT NOT NULL,
			mpin          TEXT NOT NULL,
			totp_secret   TEXT NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS aliceblue_settings (
			user_id        TEXT PRIMARY KEY,
			broker_user_id TEXT NOT NULL,
			api_key        TEXT NOT NULL,
			api_secret     TEXT NOT NULL,
			updated_at     INTEGER NOT NULL
		);
	`)
	return err
}

func (s *Store) SaveKotakSettings(ctx context.Context, userID string, k model.KotakSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO kotak_settings
			(user_id, access_token, mobile_number, ucc, mpin, totp_secret, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, k.AccessToken, k.MobileNumber, k.UCC, k.MPIN, k.TOTPSecret, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite save kotak settings: %w", err)
	}
	return nil
}

func (s *Store) KotakSettings(ctx context.Context, userID string) (model.KotakSettings, bool, error) {
	var k model.KotakSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, mobile_number, ucc, mpin, totp_secret
		FROM kotak_settings WHERE user_id = ?`, userID,
	).Scan(&k.AccessToken, &k.MobileNumber, &k.UCC, &k.MPIN, &k.TOTPSecret)
	if err == sql.ErrNoRows {
		return model.KotakSettings{}, false, nil
	}
	if err != nil {
		return model.KotakSettings{}, false, fmt.Errorf("sqlite load kotak settings: %w", err)
	}
	return k, true, nil
}

func (s *Store) SaveAliceBlueSettings(ctx context.Context, userID string, a model.AliceBlueSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO aliceblue_settings
			(user_id, broker_user_id, api_key, api_secret, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, a.UserID, a.APIKey, a.APISecret, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite save aliceblue settings: %w", err)
	}
	return nil
}

func (s *Store) AliceBlueSettings(ctx context.Context, userID string) (model.AliceBlueSettings, bool, error) {
	var a model.AliceBlueSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT broker_user_id, api_key, api_secret
		FROM aliceblue_settings WHERE user_id = ?`, userID,
	).Scan(&a.UserID, &a.APIKey, &a.APISecret)
	if err == sql.ErrNoRows {
		return model.AliceBlueSettings{}, false, nil
	}
	if err != nil {
		return model.AliceBlueSettings{}, false, fmt.Errorf("sqlite load aliceblue settings: %w", err)
	}
	return a, true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
