// Package storage keeps paired peer records, their packet-type settings and
// an audit trail of trust decisions in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const (
	// DefaultDBFileName is the database file inside the data directory.
	DefaultDBFileName = "devlink.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old
	// security events are pruned.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultSecurityEventRetention is how long security events are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// migrations run in order; PRAGMA user_version records how many have been applied.
var migrations = []migration{
	{"peers", `
CREATE TABLE IF NOT EXISTS peers (
  peer_id             TEXT PRIMARY KEY,
  display_name        TEXT NOT NULL,
  device_class        TEXT NOT NULL CHECK(device_class IN ('desktop','laptop','phone','tablet','tv','unknown')) DEFAULT 'unknown',
  cert_fingerprint    TEXT NOT NULL,
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_ip       TEXT,
  last_known_port     INTEGER
)`},
	{"peer packet types", `
CREATE TABLE IF NOT EXISTS peer_packet_types (
  peer_id     TEXT NOT NULL REFERENCES peers(peer_id) ON DELETE CASCADE,
  packet_type TEXT NOT NULL,
  enabled     INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (peer_id, packet_type)
)`},
	{"security events", `
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  peer_id    TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
)`},
	{"security events by time", `
CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events (timestamp DESC, id DESC)`},
	{"security events by peer", `
CREATE INDEX IF NOT EXISTS idx_security_events_peer ON security_events (peer_id, timestamp DESC, id DESC)`},
}

// Store is the SQLite-backed peer store. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	retention time.Duration

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates DefaultDBFileName under dataDir. It returns the
// store and the database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, migrates it and starts the
// maintenance loop.
func OpenPath(dbPath string) (*Store, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	dsn := "file:" + filepath.ToSlash(dbPath) + "?" + params.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := prepare(db); err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := &Store{
		db:        db,
		retention: DefaultSecurityEventRetention,
		stop:      cancel,
	}
	store.wg.Add(1)
	go store.maintenanceLoop(ctx, DefaultMaintenanceInterval)

	return store, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("sqlite database is in %q journal mode, want wal", journalMode)
	}

	if err := migrate(db); err != nil {
		return err
	}
	return checkpoint(db)
}

func migrate(db *sql.DB) error {
	var applied int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range migrations[applied:] {
		version := applied + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migrate %s (v%d): %w", m.name, version, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func checkpoint(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return nil
}

// Maintain truncates the WAL and prunes security events older than the
// retention horizon.
func (s *Store) Maintain() error {
	s.mu.RLock()
	retention := s.retention
	s.mu.RUnlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	_, pruneErr := s.PruneSecurityEvents(cutoff)
	return multierr.Combine(pruneErr, checkpoint(s.db))
}

func (s *Store) maintenanceLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Maintain()
		case <-ctx.Done():
			return
		}
	}
}

// Close stops maintenance and closes the database. Calling it again returns
// the first result.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.stop()
		s.wg.Wait()
		s.closeErr = multierr.Combine(checkpoint(s.db), s.db.Close())
	})
	return s.closeErr
}
