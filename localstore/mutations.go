// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of change a queued mutation applies
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// MutationStatus is the lifecycle state of a queued mutation
type MutationStatus string

const (
	StatusPending  MutationStatus = "pending"
	StatusInFlight MutationStatus = "in-flight"
	StatusFailed   MutationStatus = "failed" // terminal until the user retries
)

// Mutation is a queued local write waiting to be replayed against the server
type Mutation struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id"`
	Table      Table          `json:"table"`
	Operation  Operation      `json:"operation"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
	LastError  *string        `json:"last_error"`
	Status     MutationStatus `json:"status"`
}

// MutationFilter narrows ListMutations. Zero values match everything.
type MutationFilter struct {
	Statuses []MutationStatus
	RecordID string
	Table    Table
}

// MutationStats counts queue entries per status
type MutationStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// Total returns the number of queued mutations
func (s MutationStats) Total() int {
	return s.Pending + s.InFlight + s.Failed
}

const mutationColumns = `id, record_id, table_name, operation, data, timestamp, retry_count, last_error, status`

// InsertMutation appends a mutation to the queue
func (o ops) InsertMutation(ctx context.Context, m *Mutation) error {
	if !m.Table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, m.Table)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", m.Operation)
	}

	var data any
	if m.Data != nil {
		b, err := json.Marshal(m.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation data: %w", err)
		}
		data = string(b)
	}

	_, err := o.x.ExecContext(ctx, `
		INSERT INTO _pending_mutations (`+mutationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.RecordID, string(m.Table), string(m.Operation), data,
		FormatTime(m.Timestamp), m.RetryCount, stringPtrValue(m.LastError), string(m.Status))
	if err != nil {
		return fmt.Errorf("failed to insert mutation %s: %w", m.ID, err)
	}
	return nil
}

// GetMutation loads a mutation by id. A miss returns (nil, false, nil).
func (o ops) GetMutation(ctx context.Context, id string) (*Mutation, bool, error) {
	row := o.x.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM _pending_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get mutation %s: %w", id, err)
	}
	return m, true, nil
}

// ListMutations returns mutations matching the filter in replay order
// (timestamp ascending, id as tie-breaker).
func (o ops) ListMutations(ctx context.Context, filter MutationFilter) ([]*Mutation, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, filter.RecordID)
	}
	if filter.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, string(filter.Table))
	}

	query := `SELECT ` + mutationColumns + ` FROM _pending_mutations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := o.x.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

// LatestMutationForRecord returns the newest mutation for a record whose
// status is one of statuses. A miss returns (nil, false, nil).
func (o ops) LatestMutationForRecord(ctx context.Context, recordID string, statuses ...MutationStatus) (*Mutation, bool, error) {
	args := []any{recordID}
	query := `SELECT ` + mutationColumns + ` FROM _pending_mutations WHERE record_id = ?`
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT 1"

	m, err := scanMutation(o.x.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get latest mutation for %s: %w", recordID, err)
	}
	return m, true, nil
}

// UpdateMutationState persists status and retry bookkeeping for a mutation
func (o ops) UpdateMutationState(ctx context.Context, id string, status MutationStatus, retryCount int, lastError *string) error {
	res, err := o.x.ExecContext(ctx, `
		UPDATE _pending_mutations SET status = ?, retry_count = ?, last_error = ? WHERE id = ?
	`, string(status), retryCount, stringPtrValue(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mutation %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// DeleteMutation removes a mutation from the queue. It reports whether a row was removed.
func (o ops) DeleteMutation(ctx context.Context, id string) (bool, error) {
	res, err := o.x.ExecContext(ctx, `DELETE FROM _pending_mutations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetInFlight returns every in-flight mutation to pending
func (o ops) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := o.x.ExecContext(ctx, `
		UPDATE _pending_mutations SET status = 'pending' WHERE status = 'in-flight'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LatestMutationTimestamp returns the greatest enqueue timestamp in the queue
func (o ops) LatestMutationTimestamp(ctx context.Context) (time.Time, bool, error) {
	var ts sql.NullString
	if err := o.x.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM _pending_mutations`).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest mutation timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	t, err := ParseTime(ts.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// MutationStats counts queued mutations per status
func (o ops) MutationStats(ctx context.Context) (MutationStats, error) {
	var st MutationStats
	rows, err := o.x.QueryContext(ctx, `SELECT status, COUNT(*) FROM _pending_mutations GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("failed to scan mutation count: %w", err)
		}
		switch MutationStatus(status) {
		case StatusPending:
			st.Pending = n
		case StatusInFlight:
			st.InFlight = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("error iterating mutation counts: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*Mutation, error) {
	var (
		m          Mutation
		table, op  string
		status, ts string
		data       sql.NullString
		lastError  sql.NullString
	)
	if err := row.Scan(&m.ID, &m.RecordID, &table, &op, &data, &ts, &m.RetryCount, &lastError, &status); err != nil {
		return nil, err
	}
	m.Table = Table(table)
	m.Operation = Operation(op)
	m.Status = MutationStatus(status)

	t, err := ParseTime(ts)
	if err != nil {
		return nil, err
	}
	m.Timestamp = t

	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &m.Data); err != nil {
			return nil, fmt.Errorf("failed to parse mutation data: %w", err)
		}
	}
	if lastError.Valid {
		e := lastError.String
		m.LastError = &e
	}
	return &m, nil
}
