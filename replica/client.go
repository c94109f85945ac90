// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

// ErrPaused is returned by Pull and Push while the corresponding direction is paused
var ErrPaused = errors.New("sync paused")

// ConflictPolicy decides how a conflict raised during Push is settled.
// Returning ok=false leaves the conflict unresolved and its mutation pending.
type ConflictPolicy interface {
	Decide(ctx context.Context, c *Conflict) (resolution Resolution, selection map[string]Side, ok bool, err error)
}

// ConflictPolicyFunc adapts a function to ConflictPolicy
type ConflictPolicyFunc func(ctx context.Context, c *Conflict) (Resolution, map[string]Side, bool, error)

func (f ConflictPolicyFunc) Decide(ctx context.Context, c *Conflict) (Resolution, map[string]Side, bool, error) {
	return f(ctx, c)
}

// FixedPolicy settles every conflict with the same resolution
type FixedPolicy Resolution

func (p FixedPolicy) Decide(ctx context.Context, c *Conflict) (Resolution, map[string]Side, bool, error) {
	return Resolution(p), nil, true, nil
}

// PushResult is the outcome of Push: the drain summary plus the resolutions
// applied to the conflicts it raised.
type PushResult struct {
	*DrainResult
	Resolved   []*ResolveResult `json:"resolved,omitempty"`
	Unresolved []*Conflict      `json:"unresolved,omitempty"`
}

// Client wires the local store, sync engine, mutation queue and resolver
// together for one user.
type Client struct {
	Store    *localstore.Store
	Engine   *Engine
	Queue    *Queue
	Resolver *Resolver
	Policy   ConflictPolicy // nil leaves every conflict unresolved
	logger   *slog.Logger

	// Pause switches (atomic): allow callers to suspend sync activity deterministically
	pushPaused int32
	pullPaused int32
}

// NewClient creates a sync client over an opened store
func NewClient(store *localstore.Store, rem Remote, token remote.TokenFunc, config *Config) *Client {
	cfg := config.withDefaults()
	queue := NewQueue(store, rem, token, cfg)
	return &Client{
		Store:    store,
		Engine:   NewEngine(store, rem, token, cfg),
		Queue:    queue,
		Resolver: NewResolver(queue),
		logger:   cfg.Logger,
	}
}

// Open opens the store at path, using the default schema marker next to it,
// and creates a client over it.
func Open(ctx context.Context, path string, rem Remote, token remote.TokenFunc, config *Config) (*Client, error) {
	cfg := config.withDefaults()
	store, err := localstore.Open(ctx, path, localstore.Options{
		Marker: localstore.MarkerFor(path),
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return NewClient(store, rem, token, cfg), nil
}

// Close closes the underlying store
func (c *Client) Close() error {
	return c.Store.Close()
}

// PausePush suspends Push
func (c *Client) PausePush() { atomic.StoreInt32(&c.pushPaused, 1) }

// ResumePush resumes Push
func (c *Client) ResumePush() { atomic.StoreInt32(&c.pushPaused, 0) }

// PausePull suspends Pull
func (c *Client) PausePull() { atomic.StoreInt32(&c.pullPaused, 1) }

// ResumePull resumes Pull
func (c *Client) ResumePull() { atomic.StoreInt32(&c.pullPaused, 0) }

// Pull syncs the given scopes in order
func (c *Client) Pull(ctx context.Context, scopes ...remote.Scope) (map[string]*SyncResult, error) {
	if atomic.LoadInt32(&c.pullPaused) == 1 {
		return nil, ErrPaused
	}
	return c.Engine.SyncAll(ctx, scopes)
}

// Push drains the queue and settles the conflicts it raised with Policy
func (c *Client) Push(ctx context.Context) (*PushResult, error) {
	if atomic.LoadInt32(&c.pushPaused) == 1 {
		return nil, ErrPaused
	}

	drained, err := c.Queue.Drain(ctx, nil)
	result := &PushResult{DrainResult: drained}
	if err != nil {
		return result, err
	}

	for _, conflict := range drained.Detected {
		if c.Policy == nil {
			result.Unresolved = append(result.Unresolved, conflict)
			continue
		}
		resolution, selection, ok, err := c.Policy.Decide(ctx, conflict)
		if err != nil {
			return result, fmt.Errorf("conflict policy failed for %s: %w", conflict.RecordID, err)
		}
		if !ok {
			result.Unresolved = append(result.Unresolved, conflict)
			continue
		}
		res, err := c.Resolver.Resolve(ctx, conflict, resolution, selection)
		if errors.Is(err, ErrConflictRetired) {
			// Settled by a concurrent push or discard
			c.logger.Debug("Conflict already retired", "conflict_id", conflict.ID, "mutation_id", conflict.MutationID)
			continue
		}
		if err != nil {
			return result, err
		}
		result.Resolved = append(result.Resolved, res)
	}
	return result, nil
}

// ResetLocalData wipes the replica, checkpoints and queue together, forcing
// a full resync on the next pull.
func (c *Client) ResetLocalData(ctx context.Context) error {
	if err := c.Store.ClearAll(ctx); err != nil {
		return err
	}
	c.logger.Warn("Local data reset; next pull is a full resync")
	return nil
}
