// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-ledgersync/localstore"
)

// Conflict describes a queued update made stale by a newer server write.
// It lives only until it is resolved or dropped.
type Conflict struct {
	ID                string           `json:"id"`
	RecordID          string           `json:"record_id"`
	MutationID        string           `json:"mutation_id"`
	Table             localstore.Table `json:"table"`
	LocalValues       map[string]any   `json:"local_values"`
	ServerValues      map[string]any   `json:"server_values"`
	ConflictingFields []string         `json:"conflicting_fields"` // sorted by name
	ServerUpdatedAt   *time.Time       `json:"server_updated_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// DetectConflict decides whether an update mutation is stale relative to the
// authoritative record. Only fields named in the mutation are compared, so
// concurrent edits to other fields never conflict. It returns nil when there
// is nothing to resolve.
func DetectConflict(m *localstore.Mutation, authoritative localstore.Record) *Conflict {
	return detectConflict(m, authoritative, time.Now().UTC())
}

func detectConflict(m *localstore.Mutation, authoritative localstore.Record, now time.Time) *Conflict {
	if m == nil || authoritative == nil || m.Operation != localstore.OpUpdate {
		return nil
	}

	// Without updated_at the record cannot be proven older, so fields are compared
	serverUpdatedAt, hasUpdatedAt := authoritative.UpdatedAt()
	if hasUpdatedAt && !serverUpdatedAt.After(m.Timestamp) {
		return nil
	}

	var fields []string
	for field, local := range m.Data {
		if !valuesEqual(local, authoritative[field]) {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)

	c := &Conflict{
		ID:                uuid.NewString(),
		RecordID:          m.RecordID,
		MutationID:        m.ID,
		Table:             m.Table,
		LocalValues:       make(map[string]any, len(fields)),
		ServerValues:      make(map[string]any, len(fields)),
		ConflictingFields: fields,
		CreatedAt:         now,
	}
	if hasUpdatedAt {
		t := serverUpdatedAt.UTC()
		c.ServerUpdatedAt = &t
	}
	for _, f := range fields {
		c.LocalValues[f] = m.Data[f]
		c.ServerValues[f] = authoritative[f]
	}
	return c
}

// valuesEqual compares two field values structurally. Both sides are
// normalized through JSON first so numeric types and map key order do not
// matter; strings that are both RFC 3339 timestamps are compared as instants.
func valuesEqual(a, b any) bool {
	na, errA := normalizeValue(a)
	nb, errB := normalizeValue(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	if sa, ok := na.(string); ok {
		if sb, ok := nb.(string); ok && sa != sb {
			ta, errA := time.Parse(time.RFC3339Nano, sa)
			tb, errB := time.Parse(time.RFC3339Nano, sb)
			return errA == nil && errB == nil && ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(na, nb)
}

func normalizeValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
