// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-ledgersync/localstore"
)

var (
	// ErrInvalidResolution is returned for an unknown resolution or merge side
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrConflictRetired is returned when the conflict's mutation was already
	// resolved, discarded or replayed. Nothing is written.
	ErrConflictRetired = errors.New("conflict already retired")
)

// Resolution selects how a conflict is settled
type Resolution string

const (
	KeepMine   Resolution = "keep-mine"
	KeepTheirs Resolution = "keep-theirs"
	Merge      Resolution = "merge"
)

// ParseResolution converts a user-supplied string into a Resolution
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case KeepMine, KeepTheirs, Merge:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
}

// Side picks one version of a field in a merge
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// ResolveResult reports what Resolve wrote
type ResolveResult struct {
	Record      localstore.Record // local row after the patch
	Applied     map[string]any    // field values written onto the row
	LocalFields []string          // fields that kept the local value, sorted
	RequeuedID  string            // id of the follow-up update mutation, if one was enqueued
}

// Resolver applies conflict resolutions to the local store. It shares the
// queue's lock so resolution never interleaves with a drain.
type Resolver struct {
	queue  *Queue
	logger *slog.Logger
}

// NewResolver creates a resolver bound to queue
func NewResolver(queue *Queue) *Resolver {
	return &Resolver{queue: queue, logger: queue.logger}
}

// Resolve settles a conflict. keep-mine writes the local values, keep-theirs
// the server values and merge takes each conflicting field from the side named
// in mergeSelection (server when absent). The patch is applied to the local
// row, the originating mutation is deleted and, when local values won and
// RequeueResolved is set, a new update carrying them is enqueued. All writes
// happen in one transaction. A conflict is consumed once: when its mutation
// is gone, Resolve returns ErrConflictRetired and leaves the store untouched.
func (r *Resolver) Resolve(ctx context.Context, conflict *Conflict, resolution Resolution, mergeSelection map[string]Side) (*ResolveResult, error) {
	if conflict == nil {
		return nil, fmt.Errorf("%w: nil conflict", ErrInvalidResolution)
	}
	patch, localFields, err := resolutionPatch(conflict, resolution, mergeSelection)
	if err != nil {
		return nil, err
	}

	q := r.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.config.now()
	result := &ResolveResult{Applied: patch, LocalFields: localFields}

	var requeue *localstore.Mutation
	if len(localFields) > 0 {
		patch["updated_at"] = localstore.FormatTime(now)

		if q.config.RequeueResolved {
			ts, err := q.nextTimestamp(ctx)
			if err != nil {
				return nil, err
			}
			// Stamp past the conflicting server write so the requeued update does not conflict again
			if conflict.ServerUpdatedAt != nil && !ts.After(*conflict.ServerUpdatedAt) {
				ts = conflict.ServerUpdatedAt.UTC().Add(time.Nanosecond)
			}
			data := make(map[string]any, len(localFields))
			for _, f := range localFields {
				data[f] = conflict.LocalValues[f]
			}
			requeue = &localstore.Mutation{
				ID:        uuid.NewString(),
				RecordID:  conflict.RecordID,
				Table:     conflict.Table,
				Operation: localstore.OpUpdate,
				Data:      data,
				Timestamp: ts,
				Status:    localstore.StatusPending,
			}
		}
	}

	err = q.store.Update(ctx, func(tx *localstore.Tx) error {
		removed, err := tx.DeleteMutation(ctx, conflict.MutationID)
		if err != nil {
			return err
		}
		if !removed {
			return ErrConflictRetired
		}

		rec, ok, err := tx.Get(ctx, conflict.Table, conflict.RecordID)
		if err != nil {
			return err
		}
		if !ok {
			rec = localstore.Record{"id": conflict.RecordID}
		}
		result.Record = rec.Patch(patch)
		if err := tx.BulkPut(ctx, conflict.Table, []localstore.Record{result.Record}); err != nil {
			return err
		}

		if requeue != nil {
			return tx.InsertMutation(ctx, requeue)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %s: %w", conflict.ID, err)
	}

	if requeue != nil {
		q.lastTimestamp = requeue.Timestamp
		result.RequeuedID = requeue.ID
	}

	r.logger.Info("Conflict resolved",
		"conflict_id", conflict.ID, "mutation_id", conflict.MutationID, "record_id", conflict.RecordID,
		"resolution", resolution, "local_fields", localFields, "requeued", result.RequeuedID != "")
	return result, nil
}

// resolutionPatch computes the field values a resolution writes and which of
// them came from the local side.
func resolutionPatch(c *Conflict, resolution Resolution, selection map[string]Side) (map[string]any, []string, error) {
	patch := make(map[string]any, len(c.ConflictingFields))
	var localFields []string

	switch resolution {
	case KeepMine:
		for _, f := range c.ConflictingFields {
			patch[f] = c.LocalValues[f]
			localFields = append(localFields, f)
		}
	case KeepTheirs:
		for _, f := range c.ConflictingFields {
			patch[f] = c.ServerValues[f]
		}
	case Merge:
		for field, side := range selection {
			if side != SideLocal && side != SideServer {
				return nil, nil, fmt.Errorf("%w: field %s has side %q", ErrInvalidResolution, field, side)
			}
		}
		for _, f := range c.ConflictingFields {
			if selection[f] == SideLocal {
				patch[f] = c.LocalValues[f]
				localFields = append(localFields, f)
			} else {
				patch[f] = c.ServerValues[f]
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	sort.Strings(localFields)
	return patch, localFields, nil
}
