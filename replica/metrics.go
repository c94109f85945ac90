// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpPull  = "pull"
	MetricsOpDrain = "drain"

	MetricsStageTotal = "total"

	// Pull stages.
	MetricsStagePullFetch = "fetch"
	MetricsStagePullApply = "apply"

	// Drain per-mutation stages.
	MetricsStageDrainCheck   = "conflict_check"
	MetricsStageDrainExecute = "execute"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stages times pull and drain steps for a component sharing one config
type stages struct {
	config *Config
	logger *slog.Logger
}

func (s stages) enabled() bool {
	return s.config != nil && (s.config.StageMetrics != nil || s.config.LogStageTimings)
}

func (s stages) start() time.Time {
	if !s.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s stages) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || s.config == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
