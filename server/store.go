// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

var (
	// ErrNotFound is returned for missing or soft-deleted entities
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidCursor is returned when a feed cursor cannot be parsed
	ErrInvalidCursor = errors.New("invalid cursor")
)

// DeltaQuery selects one page of a table's change feed for a user
type DeltaQuery struct {
	UserID         string
	Table          localstore.Table
	AccountID      string
	Cursor         string // last sequence number returned; empty starts from the beginning
	UpdatedSince   *time.Time
	Limit          int
	IncludeDeleted bool
}

// EntityStore persists server entities. Every write assigns a new feed
// sequence number and a per-entity monotonic updated_at.
type EntityStore interface {
	// Create inserts rec. An existing id is overwritten (and resurrected if
	// soft-deleted) so a replayed create is idempotent.
	Create(ctx context.Context, userID string, table localstore.Table, rec localstore.Record) (localstore.Record, error)
	Update(ctx context.Context, userID string, table localstore.Table, id string, patch map[string]any) (localstore.Record, error)
	Delete(ctx context.Context, userID string, table localstore.Table, id string) error
	Get(ctx context.Context, userID string, table localstore.Table, id string) (localstore.Record, error)
	Delta(ctx context.Context, q DeltaQuery) (*remote.DeltaPage, error)
}

// serverOwned lists fields clients cannot write
var serverOwned = []string{"id", "created_at", "updated_at", "deleted_at"}

// nextUpdatedAt returns max(now, prev+1µs) truncated to microseconds
func nextUpdatedAt(prev *time.Time, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if prev != nil && !now.After(*prev) {
		return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

// newEntity builds the stored form of a created record
func newEntity(rec localstore.Record, prev localstore.Record, now time.Time) localstore.Record {
	out := stripServerOwned(rec)
	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
	}
	out["id"] = id
	if prev != nil {
		if v, ok := prev["created_at"].(string); ok {
			out["created_at"] = v
		}
	}
	if _, ok := out["created_at"]; !ok {
		out["created_at"] = localstore.FormatTime(now)
	}
	out["updated_at"] = localstore.FormatTime(now)
	out["deleted_at"] = nil
	return out
}

// patchEntity applies a client patch to a stored record
func patchEntity(prev localstore.Record, patch map[string]any, now time.Time) localstore.Record {
	out := prev.Patch(stripServerOwned(patch))
	out["updated_at"] = localstore.FormatTime(now)
	return out
}

// tombstoneEntity soft-deletes a stored record
func tombstoneEntity(prev localstore.Record, now time.Time) localstore.Record {
	out := prev.Clone()
	out["updated_at"] = localstore.FormatTime(now)
	out["deleted_at"] = localstore.FormatTime(now)
	return out
}

func stripServerOwned(values map[string]any) localstore.Record {
	out := make(localstore.Record, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, k := range serverOwned {
		delete(out, k)
	}
	return out
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}

func updatedAtPtr(rec localstore.Record) *time.Time {
	if t, ok := rec.UpdatedAt(); ok {
		return &t
	}
	return nil
}

type memEntity struct {
	seq int64
	rec localstore.Record
}

type memKey struct {
	userID string
	table  localstore.Table
	id     string
}

// MemoryStore is an in-process EntityStore used by tests and the server's
// no-database mode
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	entities map[memKey]*memEntity
	now      func() time.Time
}

// NewMemoryStore creates an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entities: make(map[memKey]*memEntity),
		now:      now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, userID string, table localstore.Table, rec localstore.Record) (localstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev localstore.Record
	var prevAt *time.Time
	if id := rec.ID(); id != "" {
		if e, ok := s.entities[memKey{userID, table, id}]; ok {
			prev = e.rec
			prevAt = updatedAtPtr(e.rec)
		}
	}
	out := newEntity(rec, prev, nextUpdatedAt(prevAt, s.now()))
	s.write(memKey{userID, table, out.ID()}, out)
	return out.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, userID string, table localstore.Table, id string, patch map[string]any) (localstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{userID, table, id}
	e, ok := s.entities[key]
	if !ok || e.rec.IsTombstone() {
		return nil, ErrNotFound
	}
	out := patchEntity(e.rec, patch, nextUpdatedAt(updatedAtPtr(e.rec), s.now()))
	s.write(key, out)
	return out.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string, table localstore.Table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{userID, table, id}
	e, ok := s.entities[key]
	if !ok || e.rec.IsTombstone() {
		return ErrNotFound
	}
	s.write(key, tombstoneEntity(e.rec, nextUpdatedAt(updatedAtPtr(e.rec), s.now())))
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string, table localstore.Table, id string) (localstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[memKey{userID, table, id}]
	if !ok || e.rec.IsTombstone() {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Delta(ctx context.Context, q DeltaQuery) (*remote.DeltaPage, error) {
	after, err := parseCursor(q.Cursor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var matched []*memEntity
	for key, e := range s.entities {
		if key.userID != q.UserID || key.table != q.Table || e.seq <= after {
			continue
		}
		if !q.IncludeDeleted && e.rec.IsTombstone() {
			continue
		}
		if q.AccountID != "" && e.rec["account_id"] != q.AccountID {
			continue
		}
		if q.UpdatedSince != nil {
			if t, ok := e.rec.UpdatedAt(); ok && t.Before(*q.UpdatedSince) {
				continue
			}
		}
		matched = append(matched, &memEntity{seq: e.seq, rec: e.rec.Clone()})
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	page := &remote.DeltaPage{Items: []localstore.Record{}}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		page.HasMore = true
	}
	for _, e := range matched {
		page.Items = append(page.Items, e.rec)
	}
	if page.HasMore {
		next := strconv.FormatInt(matched[len(matched)-1].seq, 10)
		page.NextCursor = &next
	}
	return page, nil
}

func (s *MemoryStore) write(key memKey, rec localstore.Record) {
	s.seq++
	s.entities[key] = &memEntity{seq: s.seq, rec: rec}
}
