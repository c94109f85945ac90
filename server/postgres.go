// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

const maxTxAttempts = 5

// PostgresStore is an EntityStore backed by a single JSON entity table
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore creates the store and its schema
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger, now: time.Now}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initializeSchema creates the entity table if it doesn't exist
func (s *PostgresStore) initializeSchema(ctx context.Context) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS ledger`,
		/*language=postgresql*/ `CREATE SEQUENCE IF NOT EXISTS ledger.entity_seq`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ledger.entities (
			user_id     TEXT        NOT NULL,
			table_name  TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			seq         BIGINT      NOT NULL,
			account_id  TEXT,
			payload     JSONB       NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			deleted_at  TIMESTAMPTZ,
			PRIMARY KEY (user_id, table_name, id)
		)`,
		`CREATE INDEX IF NOT EXISTS entities_feed_idx ON ledger.entities(user_id, table_name, seq)`,
		`CREATE INDEX IF NOT EXISTS entities_account_feed_idx ON ledger.entities(user_id, table_name, account_id, seq)`,
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("failed to execute migration: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Create(ctx context.Context, userID string, table localstore.Table, rec localstore.Record) (localstore.Record, error) {
	var out localstore.Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var prev localstore.Record
		var prevAt *time.Time
		if id := rec.ID(); id != "" {
			p, err := s.lockRow(ctx, tx, userID, table, id)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if p != nil {
				prev = p
				prevAt = updatedAtPtr(p)
			}
		}
		out = newEntity(rec, prev, nextUpdatedAt(prevAt, s.now()))
		return s.writeRow(ctx, tx, userID, table, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, userID string, table localstore.Table, id string, patch map[string]any) (localstore.Record, error) {
	var out localstore.Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		prev, err := s.lockRow(ctx, tx, userID, table, id)
		if err != nil {
			return err
		}
		if prev.IsTombstone() {
			return ErrNotFound
		}
		out = patchEntity(prev, patch, nextUpdatedAt(updatedAtPtr(prev), s.now()))
		return s.writeRow(ctx, tx, userID, table, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string, table localstore.Table, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		prev, err := s.lockRow(ctx, tx, userID, table, id)
		if err != nil {
			return err
		}
		if prev.IsTombstone() {
			return ErrNotFound
		}
		return s.writeRow(ctx, tx, userID, table, tombstoneEntity(prev, nextUpdatedAt(updatedAtPtr(prev), s.now())))
	})
}

func (s *PostgresStore) Get(ctx context.Context, userID string, table localstore.Table, id string) (localstore.Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM ledger.entities
		 WHERE user_id = $1 AND table_name = $2 AND id = $3 AND deleted_at IS NULL`,
		userID, string(table), id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	return decodePayload(payload)
}

func (s *PostgresStore) Delta(ctx context.Context, q DeltaQuery) (*remote.DeltaPage, error) {
	after, err := parseCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, payload FROM ledger.entities
		 WHERE user_id = $1 AND table_name = $2 AND seq > $3
		   AND ($4 = '' OR account_id = $4)
		   AND ($5::timestamptz IS NULL OR updated_at >= $5)
		   AND ($6 OR deleted_at IS NULL)
		 ORDER BY seq
		 LIMIT $7`,
		q.UserID, string(q.Table), after, q.AccountID, q.UpdatedSince, q.IncludeDeleted, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s feed: %w", q.Table, err)
	}
	defer rows.Close()

	page := &remote.DeltaPage{Items: []localstore.Record{}}
	var lastSeq int64
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s feed row: %w", q.Table, err)
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		rec, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, rec)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s feed: %w", q.Table, err)
	}
	if page.HasMore {
		next := strconv.FormatInt(lastSeq, 10)
		page.NextCursor = &next
	}
	return page, nil
}

// lockRow reads a row, tombstones included, and locks it for the transaction
func (s *PostgresStore) lockRow(ctx context.Context, tx pgx.Tx, userID string, table localstore.Table, id string) (localstore.Record, error) {
	var payload []byte
	err := tx.QueryRow(ctx,
		`SELECT payload FROM ledger.entities
		 WHERE user_id = $1 AND table_name = $2 AND id = $3
		 FOR UPDATE`,
		userID, string(table), id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s/%s: %w", table, id, err)
	}
	return decodePayload(payload)
}

func (s *PostgresStore) writeRow(ctx context.Context, tx pgx.Tx, userID string, table localstore.Table, rec localstore.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", table, rec.ID(), err)
	}
	updatedAt, _ := rec.UpdatedAt()
	var deletedAt *time.Time
	if t, ok := rec.DeletedAt(); ok {
		deletedAt = &t
	}
	var accountID *string
	if v, ok := rec["account_id"].(string); ok {
		accountID = &v
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger.entities (user_id, table_name, id, seq, account_id, payload, updated_at, deleted_at)
		 VALUES ($1, $2, $3, nextval('ledger.entity_seq'), $4, $5, $6, $7)
		 ON CONFLICT (user_id, table_name, id) DO UPDATE SET
		   seq = EXCLUDED.seq,
		   account_id = EXCLUDED.account_id,
		   payload = EXCLUDED.payload,
		   updated_at = EXCLUDED.updated_at,
		   deleted_at = EXCLUDED.deleted_at`,
		userID, string(table), rec.ID(), accountID, payload, updatedAt, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", table, rec.ID(), err)
	}
	return nil
}

// inTx runs fn in a REPEATABLE READ transaction, retrying serialization
// failures and deadlocks with a short backoff
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("Retrying entity transaction", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*20*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}

func decodePayload(payload []byte) (localstore.Record, error) {
	var rec localstore.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode entity payload: %w", err)
	}
	return rec, nil
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
