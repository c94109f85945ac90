// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package replica implements the offline-first sync core on top of the local
// store: incremental pulls per table scope, the ordered mutation queue,
// field-level conflict detection and deterministic conflict resolution.
package replica

import (
	"context"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

// Remote is the subset of the remote API the sync core depends on.
// *remote.Client implements it.
type Remote interface {
	FetchDelta(ctx context.Context, scope remote.Scope, cursor *string, updatedSince *time.Time, limit int) (*remote.DeltaPage, error)
	CreateEntity(ctx context.Context, table localstore.Table, payload map[string]any) (localstore.Record, error)
	UpdateEntity(ctx context.Context, table localstore.Table, id string, patch map[string]any) (localstore.Record, error)
	DeleteEntity(ctx context.Context, table localstore.Table, id string) error
	GetEntity(ctx context.Context, table localstore.Table, id string) (localstore.Record, error)
}

// Config holds configuration for the sync core
type Config struct {
	Logger         *slog.Logger
	PageLimit      int           // items per sync page, e.g. 500
	RequestTimeout time.Duration // bound on each remote call; 0 disables
	MutationDelay  time.Duration // pause between replayed mutations
	MaxRetries     int           // attempts before a retryable failure becomes terminal

	// CompareAgainstLocal makes drain judge staleness against the local replica
	// row instead of a freshly fetched server record.
	CompareAgainstLocal bool

	// RequeueResolved enqueues an update carrying the locally chosen fields
	// after a keep-mine or merge resolution.
	RequeueResolved bool

	// OnConflict receives conflicts from drains that were not given a handler
	// (e.g. the drain triggered by RetryMutation). It must not call back into
	// the queue.
	OnConflict func(*Conflict)

	Now func() time.Time // clock, defaults to time.Now

	// Optional stage metrics hook for pull pages and replayed mutations.
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the default sync core configuration
func DefaultConfig() *Config {
	return &Config{
		Logger:          slog.Default(),
		PageLimit:       500,
		RequestTimeout:  30 * time.Second,
		MutationDelay:   100 * time.Millisecond,
		MaxRetries:      3,
		RequeueResolved: true,
		Now:             time.Now,
	}
}

// withDefaults fills zero-valued fields so partially populated configs work
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.PageLimit <= 0 {
		out.PageLimit = def.PageLimit
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.MutationDelay < 0 {
		out.MutationDelay = 0
	}
	if out.Now == nil {
		out.Now = def.Now
	}
	return &out
}

func (c *Config) now() time.Time {
	return c.Now().UTC()
}

// withTimeout bounds a single remote call
func (c *Config) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

// checkToken aborts a cycle before any network call when no token is available
func checkToken(ctx context.Context, token remote.TokenFunc) error {
	if token == nil {
		return nil
	}
	t, err := token(ctx)
	if err != nil {
		return err
	}
	if t == "" {
		return remote.ErrNotAuthenticated
	}
	return nil
}
