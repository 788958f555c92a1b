// Package confstore persists the provisioned device configuration in
// non-volatile storage. The record body and a validity marker are kept
// separately: a load only succeeds when the marker carries the expected
// value, and a save clears the marker, writes the body, then sets the
// marker again inside a single transaction. Storage that is missing,
// unmarked, or unreadable is reported as "never configured" — corrupt
// state must trigger re-provisioning, never a crash or a partial record.
package confstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seaborne/multisense/internal/device"

	_ "github.com/mattn/go-sqlite3"
)

// markerValue is the magic byte that marks a stored body as valid. The
// same value has marked configured nodes since the first hardware
// revision, so a store written by old firmware reads back correctly.
const markerValue = 0xAE

// Store holds device configuration in a SQLite database. All methods
// are safe for concurrent use (SQLite serializes writes), though the
// lifecycle controller only touches it from the main loop.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) a configuration store at the given
// database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS config_body (
		slot     INTEGER PRIMARY KEY CHECK (slot = 0),
		body     TEXT NOT NULL,
		revision TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_marker (
		slot   INTEGER PRIMARY KEY CHECK (slot = 0),
		marker INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the stored configuration, or (nil, nil) when the store
// holds no valid record. An absent marker, a marker with the wrong
// value, a missing body, and an unparseable body are all reported the
// same way: never configured. Only infrastructure failures (the
// database itself unusable) return an error.
func (s *Store) Load() (*device.Configuration, error) {
	var marker int
	err := s.db.QueryRow(`SELECT marker FROM config_marker WHERE slot = 0`).Scan(&marker)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}
	if marker != markerValue {
		return nil, nil
	}

	var body string
	err = s.db.QueryRow(`SELECT body FROM config_body WHERE slot = 0`).Scan(&body)
	if err == sql.ErrNoRows {
		// Marker without a body: treat as corrupt, therefore absent.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var cfg device.Configuration
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		// Unparseable body: absent, not fatal.
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		// A marked-valid record must be complete; anything else is
		// storage corruption and must not propagate.
		return nil, nil
	}

	return &cfg, nil
}

// Save persists cfg as the valid configuration and returns the
// revision id stamped on it. The record must validate before it can be
// marked. Marker and body are committed as one unit, with the marker
// cleared first so a torn write can never leave a marker paired with a
// stale or missing body.
func (s *Store) Save(cfg *device.Configuration) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("refusing to store incomplete configuration: %w", err)
	}

	rev, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate revision: %w", err)
	}
	cfg.Revision = rev.String()

	body, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal configuration: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM config_marker WHERE slot = 0`); err != nil {
		return "", fmt.Errorf("clear marker: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO config_body (slot, body, revision, saved_at)
		 VALUES (0, ?, ?, ?)
		 ON CONFLICT (slot) DO UPDATE
		 SET body = excluded.body, revision = excluded.revision, saved_at = excluded.saved_at`,
		string(body), cfg.Revision, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return "", fmt.Errorf("write body: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO config_marker (slot, marker) VALUES (0, ?)`,
		markerValue,
	); err != nil {
		return "", fmt.Errorf("write marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save: %w", err)
	}
	return cfg.Revision, nil
}

// Clear invalidates any stored configuration by removing the marker.
// The body is left in place for post-mortem inspection; Load treats
// the store as never configured.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM config_marker WHERE slot = 0`); err != nil {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}
