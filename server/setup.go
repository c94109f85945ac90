// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the reference server configuration
type Config struct {
	DatabaseURL string // empty selects the in-memory store
	JWTSecret   string
	Logger      *slog.Logger
}

// Components holds the wired server
type Components struct {
	Pool    *pgxpool.Pool
	Store   EntityStore
	JWTAuth *JWTAuth
	Handler http.Handler
	Logger  *slog.Logger
}

// Setup connects the entity store and builds the HTTP handler
func Setup(ctx context.Context, config *Config) (*Components, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jwtSecret := config.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}
	jwtAuth := NewJWTAuth(jwtSecret, logger)

	components := &Components{JWTAuth: jwtAuth, Logger: logger}
	if config.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, entities are kept in memory")
		components.Store = NewMemoryStore(nil)
	} else {
		poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Connected to PostgreSQL")
		components.Pool = pool
		components.Store = store
	}

	routes := NewHTTPHandlers(components.Store, jwtAuth, logger).Routes()
	components.Handler = LoggingMiddleware(MetricsMiddleware(routes), logger)
	return components, nil
}

// Close releases the database pool, if any
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// LoggingMiddleware logs each request at debug level
func LoggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
