// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Get loads a record by id. A miss returns (nil, false, nil).
func (o ops) Get(ctx context.Context, table Table, id string) (Record, bool, error) {
	if !table.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	var data string
	err := o.x.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM "%s" WHERE id = ?`, table), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %s/%s: %w", table, id, err)
	}
	return rec, true, nil
}

// BulkPut upserts records by primary key, overwriting each stored record entirely
func (o ops) BulkPut(ctx context.Context, table Table, records []Record) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	query := fmt.Sprintf(`
		INSERT INTO "%s" (id, updated_at, deleted_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			data = excluded.data
	`, table)

	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			return fmt.Errorf("record without id in %s", table)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", table, id, err)
		}
		updatedAt := nullableTime(rec.UpdatedAt())
		deletedAt := nullableTime(rec.DeletedAt())
		if _, err := o.x.ExecContext(ctx, query, id, updatedAt, deletedAt, string(data)); err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", table, id, err)
		}
	}
	return nil
}

// BulkDelete hard-deletes ids from the replica. Absent ids are ignored so
// redelivered tombstones are harmless.
func (o ops) BulkDelete(ctx context.Context, table Table, ids []string) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	query := fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table)
	for _, id := range ids {
		if _, err := o.x.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
		}
	}
	return nil
}

// Find returns the records whose field equals value, ordered by id. Fields
// with an expression index (account_id, normalized_name, flagged, ...) are
// served from the index.
func (o ops) Find(ctx context.Context, table Table, field string, value any) ([]Record, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if !fieldNamePattern.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	// json_extract yields 1/0 for JSON booleans
	if b, ok := value.(bool); ok {
		if b {
			value = 1
		} else {
			value = 0
		}
	}

	rows, err := o.x.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM "%s" WHERE %s = ? ORDER BY id`, table, jsonFieldExpr(field)), value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", table, field, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// All returns every record in the table ordered by id
func (o ops) All(ctx context.Context, table Table) ([]Record, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	rows, err := o.x.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM "%s" ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the number of records in the table
func (o ops) Count(ctx context.Context, table Table) (int, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	var n int
	if err := o.x.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func decodeRecord(data string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record JSON: %w", err)
	}
	return rec, nil
}

func nullableTime(t time.Time, ok bool) any {
	if !ok {
		return nil
	}
	return FormatTime(t)
}
