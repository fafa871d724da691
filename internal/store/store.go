// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

// Package store persists the plugin registry: discovered manifests,
// enabled flags, and scan history. SQLite keeps the engine
// self-contained; a single writer (the manager, under its own lock)
// with occasional concurrent readers is well inside its envelope.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/plugkit/plugkit/internal/plugin"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	name         TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	last_load_ok INTEGER,
	manifest     BLOB NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS scans (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	scanned_at  TEXT NOT NULL,
	found       INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
`

// Store is a SQLite-backed plugin registry.
type Store struct {
	db   *sql.DB
	path string
}

var _ plugin.RegistryStore = (*Store)(nil)

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "plugkit.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveManifests upserts a snapshot of discovered manifests. The
// persisted enabled flag is left untouched for known plugins so
// operator enable/disable decisions survive rescans; new plugins take
// the manifest's flag.
func (s *Store) SaveManifests(ctx context.Context, manifests []*plugin.Manifest) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, m := range manifests {
			payload, err := json.Marshal(m.ToMap())
			if err != nil {
				return fmt.Errorf("encode manifest %q: %w", m.Name, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO plugins (name, version, content_hash, enabled, manifest, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					version = excluded.version,
					content_hash = excluded.content_hash,
					manifest = excluded.manifest,
					updated_at = excluded.updated_at`,
				m.Name, m.Version, m.ContentHash, boolToInt(m.Enabled), payload, now)
			if err != nil {
				return fmt.Errorf("upsert %q: %w", m.Name, err)
			}
		}
		return tx.Commit()
	})
}

// EnabledOverrides returns the persisted enabled flag for every known
// plugin.
func (s *Store) EnabledOverrides(ctx context.Context) (map[string]bool, error) {
	var out map[string]bool
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM plugins`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = make(map[string]bool)
		for rows.Next() {
			var name string
			var enabled int
			if err := rows.Scan(&name, &enabled); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			out[name] = enabled != 0
		}
		return rows.Err()
	})
	return out, err
}

// SetEnabled persists one plugin's enabled flag. Unknown plugins get a
// stub row so the flag survives until the next scan fills in the
// manifest.
func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.withRetry(ctx, func() error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugins (name, version, enabled, manifest, updated_at)
			VALUES (?, '', ?, '{}', ?)
			ON CONFLICT(name) DO UPDATE SET
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			name, boolToInt(enabled), now)
		return err
	})
}

// SetLoadResult persists the outcome of a plugin's most recent load
// attempt. NULL (never attempted) stays distinguishable from an
// explicit failure.
func (s *Store) SetLoadResult(ctx context.Context, name string, ok bool) error {
	return s.withRetry(ctx, func() error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugins (name, version, last_load_ok, manifest, updated_at)
			VALUES (?, '', ?, '{}', ?)
			ON CONFLICT(name) DO UPDATE SET
				last_load_ok = excluded.last_load_ok,
				updated_at = excluded.updated_at`,
			name, boolToInt(ok), now)
		return err
	})
}

// LoadResults returns the persisted last-load outcome per plugin.
// Plugins never attempted are absent from the map.
func (s *Store) LoadResults(ctx context.Context) (map[string]bool, error) {
	var out map[string]bool
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT name, last_load_ok FROM plugins WHERE last_load_ok IS NOT NULL`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = make(map[string]bool)
		for rows.Next() {
			var name string
			var ok int
			if err := rows.Scan(&name, &ok); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			out[name] = ok != 0
		}
		return rows.Err()
	})
	return out, err
}

// RecordScan appends a scan-history row.
func (s *Store) RecordScan(ctx context.Context, found int, elapsed time.Duration) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO scans (scanned_at, found, duration_ms) VALUES (?, ?, ?)`,
			time.Now().UTC().Format(time.RFC3339Nano), found, elapsed.Milliseconds())
		return err
	})
}

// ScanRecord is one row of scan history.
type ScanRecord struct {
	ScannedAt time.Time
	Found     int
	Duration  time.Duration
}

// RecentScans returns the most recent scan-history rows, newest first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []ScanRecord
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT scanned_at, found, duration_ms FROM scans ORDER BY id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			var at string
			var rec ScanRecord
			var ms int64
			if err := rows.Scan(&at, &rec.Found, &ms); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			rec.ScannedAt, _ = time.Parse(time.RFC3339Nano, at)
			rec.Duration = time.Duration(ms) * time.Millisecond
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// withRetry retries transient lock contention with fibonacci backoff.
// Everything else fails immediately.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err != nil && isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
