// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the SQLite-backed local replica used by the
// offline-first sync client: entity tables mirroring the server, sync
// checkpoints and the pending mutation queue.
//
// The store is a disposable cache of server truth. It carries a single schema
// version; when the persisted marker disagrees the database is destroyed and
// recreated instead of migrated.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is bumped whenever the local table layout changes
const SchemaVersion = 3

const (
	syncMetaTable         = "_sync_meta"
	pendingMutationsTable = "_pending_mutations"
)

// execer is the subset of *sql.DB and *sql.Tx the store queries run on
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries every store query; Store runs them on the database handle and
// Tx inside a transaction.
type ops struct {
	x execer
}

// Store is the local replica
type Store struct {
	ops
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Tx exposes store operations bound to a single transaction
type Tx struct {
	ops
	tx *sql.Tx
}

// Options configures Open
type Options struct {
	// Marker persists the schema version outside the database. Nil disables
	// version checks (in-memory stores).
	Marker VersionMarker
	Logger *slog.Logger
}

// Open opens (or creates) the store at path. A schema version mismatch with
// the marker wipes the database files before opening.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Marker != nil && !isMemoryPath(path) {
		version, ok, err := opts.Marker.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load schema version marker: %w", err)
		}
		if !ok || version != SchemaVersion {
			if fileExists(path) {
				logger.Warn("Local store schema version changed, discarding replica",
					"path", path, "stored_version", version, "schema_version", SchemaVersion)
			}
			if err := destroyDatabaseFiles(path); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// One connection: in-memory databases are per-connection and SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}

	if opts.Marker != nil && !isMemoryPath(path) {
		if err := opts.Marker.Save(SchemaVersion); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to save schema version marker: %w", err)
		}
	}

	s := &Store{ops: ops{x: db}, db: db, path: path, logger: logger}

	// A crash mid-drain leaves rows in-flight; nothing is in flight right after open.
	n, err := s.ResetInFlight(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info("Recovered in-flight mutations after restart", "count", n)
	}

	return s, nil
}

// OpenMemory opens a throwaway in-memory store
func OpenMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, ":memory:", Options{})
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Update runs fn inside a single transaction, committing when fn returns nil
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() // Safe to call even after commit

	if err := fn(&Tx{ops: ops{x: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BulkPut upserts records atomically
func (s *Store) BulkPut(ctx context.Context, table Table, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.Update(ctx, func(tx *Tx) error {
		return tx.BulkPut(ctx, table, records)
	})
}

// BulkDelete removes ids atomically
func (s *Store) BulkDelete(ctx context.Context, table Table, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Update(ctx, func(tx *Tx) error {
		return tx.BulkDelete(ctx, table, ids)
	})
}

// Clear wipes one entity table
func (s *Store) Clear(ctx context.Context, table Table) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// ClearAll wipes every entity table, the checkpoints and the mutation queue in
// one transaction so checkpoints never outlive the data they describe.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.Update(ctx, func(tx *Tx) error {
		names := make([]string, 0, len(Tables)+2)
		for _, t := range Tables {
			names = append(names, string(t))
		}
		names = append(names, syncMetaTable, pendingMutationsTable)
		for _, name := range names {
			if _, err := tx.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, name)); err != nil {
				return fmt.Errorf("failed to clear %s: %w", name, err)
			}
		}
		return nil
	})
}

// initializeDatabase creates entity and system tables (private function)
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	var stmts []string
	for _, t := range Tables {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id         TEXT PRIMARY KEY,
			updated_at TEXT,
			deleted_at TEXT,
			data       TEXT NOT NULL  -- full record as JSON
		)`, t))
		for _, fields := range indexedFields[t] {
			exprs := make([]string, len(fields))
			for i, f := range fields {
				exprs[i] = jsonFieldExpr(f)
			}
			stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s" ON "%s" (%s)`,
				"idx_"+string(t)+"_"+strings.Join(fields, "_"), t, strings.Join(exprs, ", ")))
		}
	}

	stmts = append(stmts,
		// One checkpoint per table or table+scope (e.g. "records:<account_id>")
		`CREATE TABLE IF NOT EXISTS _sync_meta (
			table_name      TEXT PRIMARY KEY,
			last_sync_at    TEXT,          -- start of the last fully completed pull
			cursor          TEXT,          -- non-NULL only while a multi-page pull is in progress
			pull_started_at TEXT           -- start of the in-progress pull
		)`,

		`CREATE TABLE IF NOT EXISTS _pending_mutations (
			id          TEXT PRIMARY KEY,
			record_id   TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			operation   TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			data        TEXT,          -- JSON payload (full for create, patch for update)
			timestamp   TEXT NOT NULL, -- client clock at enqueue, defines replay order
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT,
			status      TEXT NOT NULL CHECK (status IN ('pending','in-flight','failed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_mutations_record_id ON _pending_mutations (record_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_mutations_table_name ON _pending_mutations (table_name)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_mutations_status ON _pending_mutations (status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_mutations_timestamp ON _pending_mutations (timestamp)`,
	)

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}
	return nil
}

func jsonFieldExpr(field string) string {
	return fmt.Sprintf(`json_extract(data, '$.%s')`, field)
}

func isMemoryPath(path string) bool {
	return path == "" || path == ":memory:" || strings.HasPrefix(path, "file::memory:") ||
		strings.Contains(path, "mode=memory")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// destroyDatabaseFiles removes the database and its WAL/SHM side files
func destroyDatabaseFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
