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

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

// ErrMissingCursor is returned when a page reports has_more without a next cursor
var ErrMissingCursor = errors.New("page has more items but no next cursor")

// PageFetcher fetches one page of a table's delta feed. since is the
// checkpoint's last_sync_at (nil on the first sync, meaning a full pull).
type PageFetcher func(ctx context.Context, cursor *string, since *time.Time) (*remote.DeltaPage, error)

// SyncResult summarizes one SyncTable call
type SyncResult struct {
	Synced  int  `json:"synced"`   // active rows upserted
	Deleted int  `json:"deleted"`  // tombstones applied
	HasMore bool `json:"has_more"` // always false after a completed pull
	Pages   int  `json:"pages"`
}

// DeltaKind tags a pulled item as a live row or a tombstone
type DeltaKind int

const (
	DeltaActive DeltaKind = iota
	DeltaDeleted
)

// Delta is a pulled item classified for reconciliation: Active carries the
// full record, Deleted only the id.
type Delta struct {
	Kind   DeltaKind
	ID     string
	Record localstore.Record // nil for DeltaDeleted
}

// ClassifyDelta converts a feed item into its tagged form
func ClassifyDelta(rec localstore.Record) Delta {
	if rec.IsTombstone() {
		return Delta{Kind: DeltaDeleted, ID: rec.ID()}
	}
	return Delta{Kind: DeltaActive, ID: rec.ID(), Record: rec}
}

// Engine pulls incremental deltas and reconciles them into the local store
type Engine struct {
	store  *localstore.Store
	remote Remote
	token  remote.TokenFunc
	config *Config
	logger *slog.Logger
	stages stages
	mu     sync.Mutex // one pull at a time
}

// NewEngine creates a sync engine. remote may be nil when only SyncTable with
// an explicit fetcher is used.
func NewEngine(store *localstore.Store, rem Remote, token remote.TokenFunc, config *Config) *Engine {
	cfg := config.withDefaults()
	return &Engine{
		store:  store,
		remote: rem,
		token:  token,
		config: cfg,
		logger: cfg.Logger,
		stages: stages{config: cfg, logger: cfg.Logger},
	}
}

// SyncTable pulls every page of the feed for scopeKey and applies it to the
// local store. Each page is applied together with its checkpoint in one
// transaction. A fetch failure is returned and leaves the checkpoint at the
// last applied page, so the next call resumes from there.
func (e *Engine) SyncTable(ctx context.Context, scopeKey string, fetch PageFetcher) (*SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	table, err := localstore.TableFromScope(scopeKey)
	if err != nil {
		return nil, err
	}
	if err := checkToken(ctx, e.token); err != nil {
		return nil, fmt.Errorf("sync %s aborted: %w", scopeKey, err)
	}

	cp, err := e.store.GetCheckpoint(ctx, scopeKey)
	if err != nil {
		return nil, err
	}

	// A resumed pull keeps the start time of the interrupted one
	pullStartedAt := e.config.now()
	if cp.InProgress() && cp.PullStartedAt != nil {
		pullStartedAt = *cp.PullStartedAt
		e.logger.Info("Resuming interrupted pull", "scope", scopeKey, "cursor", *cp.Cursor)
	}

	result := &SyncResult{}
	totalStart := e.stages.start()
	for {
		fetchStart := e.stages.start()
		fetchCtx, cancel := e.config.withTimeout(ctx)
		page, err := fetch(fetchCtx, cp.Cursor, cp.LastSyncAt)
		cancel()
		e.stages.observe(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, pageLen(page), result.Pages+1, err != nil)
		if err != nil {
			e.stages.observe(ctx, MetricsOpPull, MetricsStageTotal, totalStart, result.Synced+result.Deleted, result.Pages, true)
			return result, fmt.Errorf("failed to fetch page %d of %s: %w", result.Pages+1, scopeKey, err)
		}
		if page == nil {
			page = &remote.DeltaPage{}
		}
		if page.HasMore && page.NextCursor == nil {
			return result, fmt.Errorf("sync %s: %w", scopeKey, ErrMissingCursor)
		}

		next := &localstore.Checkpoint{TableName: scopeKey, LastSyncAt: cp.LastSyncAt}
		if page.HasMore {
			next.Cursor = page.NextCursor
			next.PullStartedAt = &pullStartedAt
		} else {
			next.LastSyncAt = &pullStartedAt
		}

		applyStart := e.stages.start()
		synced, deleted, err := e.applyPage(ctx, table, page.Items, next)
		e.stages.observe(ctx, MetricsOpPull, MetricsStagePullApply, applyStart, synced+deleted, result.Pages+1, err != nil)
		if err != nil {
			return result, fmt.Errorf("failed to apply page %d of %s: %w", result.Pages+1, scopeKey, err)
		}

		result.Pages++
		result.Synced += synced
		result.Deleted += deleted
		cp = next

		e.logger.Debug("Applied sync page",
			"scope", scopeKey, "page", result.Pages, "synced", synced, "deleted", deleted, "has_more", page.HasMore)

		if !page.HasMore {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	e.stages.observe(ctx, MetricsOpPull, MetricsStageTotal, totalStart, result.Synced+result.Deleted, result.Pages, false)
	e.logger.Info("Sync completed",
		"scope", scopeKey, "synced", result.Synced, "deleted", result.Deleted, "pages", result.Pages)
	return result, nil
}

// applyPage writes one page and its checkpoint atomically. When an id occurs
// more than once in a page only its last occurrence is applied.
func (e *Engine) applyPage(ctx context.Context, table localstore.Table, items []localstore.Record, next *localstore.Checkpoint) (synced, deleted int, err error) {
	last := make(map[string]int, len(items))
	for i, rec := range items {
		if id := rec.ID(); id != "" {
			last[id] = i
		}
	}

	var active []localstore.Record
	var tombstones []string
	for i, rec := range items {
		d := ClassifyDelta(rec)
		if d.ID == "" {
			e.logger.Warn("Skipping pulled item without id", "table", table)
			continue
		}
		if last[d.ID] != i {
			continue
		}
		switch d.Kind {
		case DeltaActive:
			active = append(active, d.Record)
		case DeltaDeleted:
			tombstones = append(tombstones, d.ID)
		}
	}

	err = e.store.Update(ctx, func(tx *localstore.Tx) error {
		if err := tx.BulkPut(ctx, table, active); err != nil {
			return err
		}
		if err := tx.BulkDelete(ctx, table, tombstones); err != nil {
			return err
		}
		return tx.PutCheckpoint(ctx, next)
	})
	if err != nil {
		return 0, 0, err
	}
	return len(active), len(tombstones), nil
}

// SyncScope pulls one scope through the configured Remote
func (e *Engine) SyncScope(ctx context.Context, scope remote.Scope) (*SyncResult, error) {
	if e.remote == nil {
		return nil, fmt.Errorf("sync %s: no remote configured", scope.Key())
	}
	fetch := func(ctx context.Context, cursor *string, since *time.Time) (*remote.DeltaPage, error) {
		return e.remote.FetchDelta(ctx, scope, cursor, since, e.config.PageLimit)
	}
	return e.SyncTable(ctx, scope.Key(), fetch)
}

// SyncAll pulls scopes in order and stops at the first failure
func (e *Engine) SyncAll(ctx context.Context, scopes []remote.Scope) (map[string]*SyncResult, error) {
	results := make(map[string]*SyncResult, len(scopes))
	for _, scope := range scopes {
		res, err := e.SyncScope(ctx, scope)
		if res != nil {
			results[scope.Key()] = res
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func pageLen(p *remote.DeltaPage) int {
	if p == nil {
		return 0
	}
	return len(p.Items)
}
