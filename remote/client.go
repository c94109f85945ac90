// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mobiletoly/go-ledgersync/localstore"
)

// TokenFunc returns the current bearer token. An empty token means the user
// is not authenticated.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to the remote REST API
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewClient creates an HTTP client for the API at baseURL
func NewClient(baseURL string, token TokenFunc) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// FetchDelta requests one page of the sync feed for scope. Tombstones are
// always requested.
func (c *Client) FetchDelta(ctx context.Context, scope Scope, cursor *string, updatedSince *time.Time, limit int) (*DeltaPage, error) {
	q := url.Values{}
	q.Set("include_deleted", "true")
	if cursor != nil {
		q.Set("cursor", *cursor)
	}
	if updatedSince != nil {
		q.Set("updated_since", localstore.FormatTime(*updatedSince))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if scope.AccountID != "" {
		q.Set("account_id", scope.AccountID)
	}

	var page DeltaPage
	if err := c.do(ctx, http.MethodGet, "/v1/sync/"+url.PathEscape(string(scope.Table))+"?"+q.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch %s delta: %w", scope.Key(), err)
	}
	return &page, nil
}

// CreateEntity creates a record and returns the server's copy
func (c *Client) CreateEntity(ctx context.Context, table localstore.Table, payload map[string]any) (localstore.Record, error) {
	var rec localstore.Record
	if err := c.do(ctx, http.MethodPost, "/v1/"+url.PathEscape(string(table)), payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", table, err)
	}
	return rec, nil
}

// UpdateEntity applies a partial patch and returns the server's copy
func (c *Client) UpdateEntity(ctx context.Context, table localstore.Table, id string, patch map[string]any) (localstore.Record, error) {
	var rec localstore.Record
	if err := c.do(ctx, http.MethodPatch, entityPath(table, id), patch, &rec); err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// DeleteEntity soft-deletes a record on the server
func (c *Client) DeleteEntity(ctx context.Context, table localstore.Table, id string) error {
	if err := c.do(ctx, http.MethodDelete, entityPath(table, id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

// GetEntity reads the authoritative copy of a record
func (c *Client) GetEntity(ctx context.Context, table localstore.Table, id string) (localstore.Record, error) {
	var rec localstore.Record
	if err := c.do(ctx, http.MethodGet, entityPath(table, id), nil, &rec); err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// Health calls GET /health (no token required)
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	// Get JWT token first so an unauthenticated client never reaches the network
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.Token == nil {
		return "", ErrNotAuthenticated
	}
	token, err := c.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get JWT token: %w", err)
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && (er.Error != "" || er.Message != "") {
		apiErr.Code = er.Error
		apiErr.Message = er.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(body))
	}
	return apiErr
}

func entityPath(table localstore.Table, id string) string {
	return "/v1/" + url.PathEscape(string(table)) + "/" + url.PathEscape(id)
}
