// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"strings"

	"github.com/mobiletoly/go-ledgersync/localstore"
)

// REST/JSON models shared by the HTTP client and the reference server

// DeltaPage is one page of the incremental sync feed
type DeltaPage struct {
	Items      []localstore.Record `json:"items"`       // Changed rows, tombstones included when requested
	NextCursor *string             `json:"next_cursor"` // Opaque cursor for the next page
	HasMore    bool                `json:"has_more"`    // More pages available for this pull
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string   `json:"status"`
	Tables []string `json:"tables"`
}

// Error codes carried in ErrorResponse.Error
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal_error"
)

// Scope identifies one sync feed: a table, optionally narrowed to one account
type Scope struct {
	Table     localstore.Table
	AccountID string
}

// Key returns the checkpoint key for the scope ("accounts", "records:<account_id>")
func (s Scope) Key() string {
	if s.AccountID == "" {
		return string(s.Table)
	}
	return string(s.Table) + ":" + s.AccountID
}

func (s Scope) String() string { return s.Key() }

// ParseScope parses a checkpoint key back into a Scope
func ParseScope(key string) (Scope, error) {
	name, account, _ := strings.Cut(key, ":")
	table, err := localstore.ParseTable(name)
	if err != nil {
		return Scope{}, fmt.Errorf("invalid scope %q: %w", key, err)
	}
	return Scope{Table: table, AccountID: account}, nil
}
