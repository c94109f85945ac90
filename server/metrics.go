// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mobiletoly/go-ledgersync/localstore"
)

var (
	// HTTPRequestsTotal counts served requests by route pattern and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestDuration tracks request latency by route pattern
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgersync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	// FeedItemsServed counts rows returned by the change feed, tombstones included
	FeedItemsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "feed",
			Name:      "items_total",
			Help:      "Total number of change feed rows served",
		},
		[]string{"table"},
	)

	// EntityWrites counts successful entity writes by table and operation
	EntityWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Subsystem: "entity",
			Name:      "writes_total",
			Help:      "Total number of successful entity writes",
		},
		[]string{"table", "op"},
	)
)

// RecordFeedPage records one served change feed page
func RecordFeedPage(table localstore.Table, items int) {
	FeedItemsServed.WithLabelValues(string(table)).Add(float64(items))
}

// RecordEntityWrite records a successful create, update or delete
func RecordEntityWrite(table localstore.Table, op string) {
	EntityWrites.WithLabelValues(string(table), op).Inc()
}

// MetricsMiddleware records request counts and latency. It must wrap the mux
// so the matched route pattern is known after the request is served.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
