// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

var (
	// ErrMutationNotFound is returned for an unknown mutation id
	ErrMutationNotFound = errors.New("mutation not found")
	// ErrNotFailed is returned when retry/discard targets a mutation that is not failed
	ErrNotFailed = errors.New("mutation is not in failed state")
)

// DrainResult summarizes one pass over the pending mutations
type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`

	ProcessedIDs []string    `json:"processed_ids,omitempty"`
	Detected     []*Conflict `json:"detected,omitempty"` // conflicts raised in this pass, in replay order

	// updated_at of server rows written by this pass, keyed by table/id
	ownWrites map[string]time.Time
}

func writeKey(table localstore.Table, id string) string {
	return string(table) + "/" + id
}

// isOwnWrite reports whether rec is exactly the state an earlier mutation of
// this pass produced, so a newer updated_at is not someone else's edit.
func (r *DrainResult) isOwnWrite(table localstore.Table, rec localstore.Record) bool {
	at, ok := rec.UpdatedAt()
	if !ok {
		return false
	}
	own, seen := r.ownWrites[writeKey(table, rec.ID())]
	return seen && own.Equal(at)
}

// Queue is the durable, timestamp-ordered log of local writes waiting to be
// replayed against the server. Every method that changes queue state runs
// under one mutex, so two drains never race on the same status transitions.
type Queue struct {
	store  *localstore.Store
	remote Remote
	token  remote.TokenFunc
	config *Config
	logger *slog.Logger
	stages stages

	mu            sync.Mutex
	lastTimestamp time.Time // newest timestamp handed out; zero until loaded
}

// NewQueue creates a mutation queue over store
func NewQueue(store *localstore.Store, rem Remote, token remote.TokenFunc, config *Config) *Queue {
	cfg := config.withDefaults()
	return &Queue{
		store:  store,
		remote: rem,
		token:  token,
		config: cfg,
		logger: cfg.Logger,
		stages: stages{config: cfg, logger: cfg.Logger},
	}
}

// Enqueue records a local write intent and returns the mutation id. It never
// touches the network. data is the full payload for create, the patch for
// update and ignored for delete. An empty recordID on create gets a new UUID.
func (q *Queue) Enqueue(ctx context.Context, table localstore.Table, recordID string, op localstore.Operation, data map[string]any) (string, error) {
	if !table.Valid() {
		return "", fmt.Errorf("%w: %q", localstore.ErrUnknownTable, table)
	}
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", op)
	}
	if recordID == "" {
		if op != localstore.OpCreate {
			return "", fmt.Errorf("%s mutation requires a record id", op)
		}
		if id, _ := data["id"].(string); id != "" {
			recordID = id
		} else {
			recordID = uuid.NewString()
		}
	}

	var payload map[string]any
	switch op {
	case localstore.OpCreate:
		payload = localstore.Record(data).Patch(map[string]any{"id": recordID})
	case localstore.OpUpdate:
		if len(data) == 0 {
			return "", fmt.Errorf("update mutation for %s has an empty patch", recordID)
		}
		payload = localstore.Record(data).Clone()
		delete(payload, "id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ts, err := q.nextTimestamp(ctx)
	if err != nil {
		return "", err
	}
	m := &localstore.Mutation{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Table:     table,
		Operation: op,
		Data:      payload,
		Timestamp: ts,
		Status:    localstore.StatusPending,
	}
	if err := q.store.InsertMutation(ctx, m); err != nil {
		return "", err
	}
	q.lastTimestamp = ts

	q.logger.Debug("Enqueued mutation", "id", m.ID, "table", table, "record_id", recordID, "op", op)
	return m.ID, nil
}

// nextTimestamp returns a timestamp strictly after every queued one. Caller holds q.mu.
func (q *Queue) nextTimestamp(ctx context.Context) (time.Time, error) {
	if q.lastTimestamp.IsZero() {
		latest, ok, err := q.store.LatestMutationTimestamp(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			q.lastTimestamp = latest
		}
	}
	ts := q.config.now()
	if !ts.After(q.lastTimestamp) {
		ts = q.lastTimestamp.Add(time.Nanosecond)
	}
	return ts, nil
}

// GetPendingForRecord returns the newest unresolved (pending, in-flight or
// failed) mutation for a record, or nil.
func (q *Queue) GetPendingForRecord(ctx context.Context, recordID string) (*localstore.Mutation, error) {
	m, ok, err := q.store.LatestMutationForRecord(ctx, recordID,
		localstore.StatusPending, localstore.StatusInFlight, localstore.StatusFailed)
	if err != nil || !ok {
		return nil, err
	}
	return m, nil
}

// List returns queued mutations in replay order, optionally filtered by status
func (q *Queue) List(ctx context.Context, statuses ...localstore.MutationStatus) ([]*localstore.Mutation, error) {
	return q.store.ListMutations(ctx, localstore.MutationFilter{Statuses: statuses})
}

// Stats counts queued mutations per status
func (q *Queue) Stats(ctx context.Context) (localstore.MutationStats, error) {
	return q.store.MutationStats(ctx)
}

// Drain replays every pending mutation once, in timestamp order. Per-mutation
// failures are recorded on the mutation and counted, not returned. Drain
// returns an error only when the cycle is aborted: no access token
// (remote.ErrNotAuthenticated), a cancelled context or a local store failure.
// onConflict runs synchronously for each conflict and must not call back into
// the queue; resolve conflicts after Drain returns.
func (q *Queue) Drain(ctx context.Context, onConflict func(*Conflict)) (*DrainResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(ctx, onConflict)
}

func (q *Queue) drainLocked(ctx context.Context, onConflict func(*Conflict)) (*DrainResult, error) {
	if onConflict == nil {
		onConflict = q.config.OnConflict
	}
	result := &DrainResult{}

	if err := checkToken(ctx, q.token); err != nil {
		return result, fmt.Errorf("drain aborted: %w", err)
	}

	pending, err := q.store.ListMutations(ctx, localstore.MutationFilter{
		Statuses: []localstore.MutationStatus{localstore.StatusPending},
	})
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	totalStart := q.stages.start()
	for i, m := range pending {
		if i > 0 {
			if err := sleepWithContext(ctx, q.config.MutationDelay); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := q.replay(ctx, m, result, onConflict); err != nil {
			q.stages.observe(ctx, MetricsOpDrain, MetricsStageTotal, totalStart, result.Processed, i+1, true)
			return result, err
		}
	}
	q.stages.observe(ctx, MetricsOpDrain, MetricsStageTotal, totalStart, result.Processed, len(pending), false)

	q.logger.Info("Drain completed",
		"processed", result.Processed, "failed", result.Failed, "conflicts", result.Conflicts)
	return result, nil
}

// replay runs one mutation through in-flight to its per-attempt outcome. A
// returned error aborts the drain; the mutation is back in pending with its
// retry bookkeeping untouched.
func (q *Queue) replay(ctx context.Context, m *localstore.Mutation, result *DrainResult, onConflict func(*Conflict)) error {
	if err := q.store.UpdateMutationState(ctx, m.ID, localstore.StatusInFlight, m.RetryCount, m.LastError); err != nil {
		return err
	}

	if m.Operation == localstore.OpUpdate {
		checkStart := q.stages.start()
		authoritative, err := q.authoritativeRecord(ctx, m)
		q.stages.observe(ctx, MetricsOpDrain, MetricsStageDrainCheck, checkStart, 1, m.RetryCount+1, err != nil)
		if err != nil {
			if abort := q.abortError(ctx, err); abort != nil {
				return q.restorePending(ctx, m, abort)
			}
			return q.recordFailure(ctx, m, err, result)
		}
		if result.isOwnWrite(m.Table, authoritative) {
			authoritative = nil
		}
		if conflict := detectConflict(m, authoritative, q.config.now()); conflict != nil {
			if err := q.store.UpdateMutationState(ctx, m.ID, localstore.StatusPending, m.RetryCount, m.LastError); err != nil {
				return err
			}
			result.Conflicts++
			result.Detected = append(result.Detected, conflict)
			q.logger.Info("Conflict detected",
				"mutation_id", m.ID, "table", m.Table, "record_id", m.RecordID, "fields", conflict.ConflictingFields)
			if onConflict != nil {
				onConflict(conflict)
			}
			return nil
		}
	}

	execStart := q.stages.start()
	serverRecord, err := q.execute(ctx, m)
	q.stages.observe(ctx, MetricsOpDrain, MetricsStageDrainExecute, execStart, 1, m.RetryCount+1, err != nil)
	if err != nil {
		if abort := q.abortError(ctx, err); abort != nil {
			return q.restorePending(ctx, m, abort)
		}
		return q.recordFailure(ctx, m, err, result)
	}

	// Mirror the server's answer locally and retire the mutation together
	err = q.store.Update(ctx, func(tx *localstore.Tx) error {
		switch {
		case m.Operation == localstore.OpDelete:
			if err := tx.BulkDelete(ctx, m.Table, []string{m.RecordID}); err != nil {
				return err
			}
		case serverRecord.ID() != "":
			if err := tx.BulkPut(ctx, m.Table, []localstore.Record{serverRecord}); err != nil {
				return err
			}
		}
		_, err := tx.DeleteMutation(ctx, m.ID)
		return err
	})
	if err != nil {
		return err
	}

	result.Processed++
	result.ProcessedIDs = append(result.ProcessedIDs, m.ID)
	if at, ok := serverRecord.UpdatedAt(); ok {
		if result.ownWrites == nil {
			result.ownWrites = make(map[string]time.Time)
		}
		result.ownWrites[writeKey(m.Table, m.RecordID)] = at
	}
	q.logger.Debug("Mutation applied", "id", m.ID, "table", m.Table, "record_id", m.RecordID, "op", m.Operation)
	return nil
}

// authoritativeRecord returns the state an update is judged against: a
// fresh server read, or the local replica row with CompareAgainstLocal. A
// record that does not exist yields (nil, nil).
func (q *Queue) authoritativeRecord(ctx context.Context, m *localstore.Mutation) (localstore.Record, error) {
	if q.config.CompareAgainstLocal {
		rec, _, err := q.store.Get(ctx, m.Table, m.RecordID)
		return rec, err
	}
	callCtx, cancel := q.config.withTimeout(ctx)
	defer cancel()
	rec, err := q.remote.GetEntity(callCtx, m.Table, m.RecordID)
	if remote.IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

func (q *Queue) execute(ctx context.Context, m *localstore.Mutation) (localstore.Record, error) {
	callCtx, cancel := q.config.withTimeout(ctx)
	defer cancel()

	switch m.Operation {
	case localstore.OpCreate:
		return q.remote.CreateEntity(callCtx, m.Table, m.Data)
	case localstore.OpUpdate:
		return q.remote.UpdateEntity(callCtx, m.Table, m.RecordID, m.Data)
	case localstore.OpDelete:
		err := q.remote.DeleteEntity(callCtx, m.Table, m.RecordID)
		if remote.IsNotFound(err) {
			// Already gone on the server
			return nil, nil
		}
		return nil, err
	default:
		return nil, fmt.Errorf("unknown operation %q", m.Operation)
	}
}

// abortError reports whether err ends the whole drain rather than this attempt
func (q *Queue) abortError(ctx context.Context, err error) error {
	if errors.Is(err, remote.ErrNotAuthenticated) {
		return fmt.Errorf("drain aborted: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return nil
}

func (q *Queue) restorePending(ctx context.Context, m *localstore.Mutation, cause error) error {
	// The parent context may be done; the reset must still land
	if err := q.store.UpdateMutationState(context.WithoutCancel(ctx), m.ID, localstore.StatusPending, m.RetryCount, m.LastError); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// recordFailure classifies a failed attempt: errors that cannot succeed on a
// repeat and exhausted retries become terminal, everything else stays pending
// for a later drain.
func (q *Queue) recordFailure(ctx context.Context, m *localstore.Mutation, cause error, result *DrainResult) error {
	retryCount := m.RetryCount + 1
	msg := cause.Error()

	status := localstore.StatusPending
	if !remote.IsRetryable(cause) || retryCount >= q.config.MaxRetries {
		status = localstore.StatusFailed
	}
	if err := q.store.UpdateMutationState(ctx, m.ID, status, retryCount, &msg); err != nil {
		return err
	}

	if status == localstore.StatusFailed {
		result.Failed++
		q.logger.Warn("Mutation failed",
			"id", m.ID, "table", m.Table, "record_id", m.RecordID, "retry_count", retryCount, "error", cause)
	} else {
		q.logger.Info("Mutation will be retried",
			"id", m.ID, "table", m.Table, "record_id", m.RecordID, "retry_count", retryCount, "error", cause)
	}
	return nil
}

// RetryMutation moves a failed mutation back to pending with a fresh retry
// budget and drains immediately. It reports whether that mutation was applied
// by the drain.
func (q *Queue) RetryMutation(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.failedMutation(ctx, id)
	if err != nil {
		return false, err
	}
	if err := q.store.UpdateMutationState(ctx, m.ID, localstore.StatusPending, 0, m.LastError); err != nil {
		return false, err
	}
	q.logger.Info("Retrying failed mutation", "id", id, "table", m.Table, "record_id", m.RecordID)

	result, err := q.drainLocked(ctx, nil)
	if err != nil {
		return false, err
	}
	for _, pid := range result.ProcessedIDs {
		if pid == id {
			return true, nil
		}
	}
	return false, nil
}

// DiscardMutation deletes a failed mutation without applying it
func (q *Queue) DiscardMutation(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.failedMutation(ctx, id)
	if err != nil {
		return err
	}
	if _, err := q.store.DeleteMutation(ctx, id); err != nil {
		return err
	}
	q.logger.Warn("Discarded failed mutation",
		"id", id, "table", m.Table, "record_id", m.RecordID, "op", m.Operation)
	return nil
}

func (q *Queue) failedMutation(ctx context.Context, id string) (*localstore.Mutation, error) {
	m, ok, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMutationNotFound, id)
	}
	if m.Status != localstore.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, m.Status)
	}
	return m, nil
}
