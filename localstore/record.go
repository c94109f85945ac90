// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for every timestamp the store
// writes. Fixed width keeps lexicographic order equal to chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrUnknownTable is returned when a table name is not one of the replicated tables
var ErrUnknownTable = errors.New("unknown table")

// Table names a replicated server table
type Table string

const (
	TableAccounts       Table = "accounts"
	TableRecords        Table = "records"
	TableSellers        Table = "sellers"
	TableCollectionRuns Table = "collection_runs"
)

// Tables lists every replicated entity table
var Tables = []Table{TableAccounts, TableRecords, TableSellers, TableCollectionRuns}

// indexedFields lists the JSON fields each table carries an expression index for.
// Each inner slice becomes one (possibly compound) index.
var indexedFields = map[Table][][]string{
	TableAccounts:       {{"normalized_name"}, {"flagged"}},
	TableRecords:        {{"account_id", "sale_date"}},
	TableSellers:        {{"normalized_name"}},
	TableCollectionRuns: {{"account_id"}},
}

// Valid reports whether t is a replicated table
func (t Table) Valid() bool {
	_, ok := indexedFields[t]
	return ok
}

func (t Table) String() string { return string(t) }

// ParseTable converts a table name into a Table
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Record is a server entity as stored in the local replica. The field set is
// opaque except for id, updated_at and deleted_at.
type Record map[string]any

// ID returns the primary key
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// UpdatedAt returns the server-assigned modification time
func (r Record) UpdatedAt() (time.Time, bool) {
	return timeField(r["updated_at"])
}

// DeletedAt returns the tombstone time, if any
func (r Record) DeletedAt() (time.Time, bool) {
	return timeField(r["deleted_at"])
}

// IsTombstone reports whether the record carries a non-null deleted_at
func (r Record) IsTombstone() bool {
	switch v := r["deleted_at"].(type) {
	case nil:
		return false
	case string:
		return v != ""
	default:
		return true
	}
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Patch returns a copy of the record with values written over it
func (r Record) Patch(values map[string]any) Record {
	out := r.Clone()
	for k, v := range values {
		out[k] = v
	}
	return out
}

// FormatTime renders t in the store's fixed-width UTC layout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses any RFC 3339 timestamp (the fixed-width layout included)
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func timeField(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, !tv.IsZero()
	case *time.Time:
		if tv == nil {
			return time.Time{}, false
		}
		return *tv, true
	case string:
		if tv == "" {
			return time.Time{}, false
		}
		t, err := ParseTime(tv)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}
