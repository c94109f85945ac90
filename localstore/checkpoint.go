// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Checkpoint records sync progress for one table or table+scope key
type Checkpoint struct {
	TableName     string
	LastSyncAt    *time.Time // start of the last completed pull; nil before the first full sync
	Cursor        *string    // non-nil only while a multi-page pull is in progress
	PullStartedAt *time.Time // start of the in-progress pull
}

// InProgress reports whether a multi-page pull was interrupted or is running
func (c *Checkpoint) InProgress() bool {
	return c.Cursor != nil
}

// TableFromScope returns the entity table a scope key ("records:<account_id>") belongs to
func TableFromScope(scopeKey string) (Table, error) {
	name, _, _ := strings.Cut(scopeKey, ":")
	return ParseTable(name)
}

// GetCheckpoint loads the checkpoint for a scope key. A missing row yields the
// default checkpoint (no cursor, never synced).
func (o ops) GetCheckpoint(ctx context.Context, scopeKey string) (*Checkpoint, error) {
	var lastSyncAt, cursor, pullStartedAt sql.NullString
	err := o.x.QueryRowContext(ctx, `
		SELECT last_sync_at, cursor, pull_started_at FROM _sync_meta WHERE table_name = ?
	`, scopeKey).Scan(&lastSyncAt, &cursor, &pullStartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Checkpoint{TableName: scopeKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", scopeKey, err)
	}

	cp := &Checkpoint{TableName: scopeKey}
	if cp.LastSyncAt, err = parseNullTime(lastSyncAt); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", scopeKey, err)
	}
	if cp.PullStartedAt, err = parseNullTime(pullStartedAt); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", scopeKey, err)
	}
	if cursor.Valid {
		c := cursor.String
		cp.Cursor = &c
	}
	return cp, nil
}

// PutCheckpoint persists a checkpoint
func (o ops) PutCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := o.x.ExecContext(ctx, `
		INSERT INTO _sync_meta (table_name, last_sync_at, cursor, pull_started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			cursor = excluded.cursor,
			pull_started_at = excluded.pull_started_at
	`, cp.TableName, timePtrValue(cp.LastSyncAt), stringPtrValue(cp.Cursor), timePtrValue(cp.PullStartedAt))
	if err != nil {
		return fmt.Errorf("failed to put checkpoint %s: %w", cp.TableName, err)
	}
	return nil
}

// ListCheckpoints returns every persisted checkpoint ordered by key
func (o ops) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := o.x.QueryContext(ctx, `SELECT table_name FROM _sync_meta ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan checkpoint key: %w", err)
		}
		keys = append(keys, k)
	}
	// Close the rows before making additional queries
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	out := make([]*Checkpoint, 0, len(keys))
	for _, k := range keys {
		cp, err := o.GetCheckpoint(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func stringPtrValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
