// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated is returned when no access token is available. It
	// aborts a sync or drain cycle. A token the server rejects surfaces as a
	// 401 APIError instead.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrMalformedResponse wraps a 2xx response whose body could not be decoded
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is a non-2xx response from the remote API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsClientError reports whether err is a request the server will keep
// rejecting: 400, 401, 403, 404 or 422.
func IsClientError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is a 404 from the remote API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsRetryable reports whether a failed call may succeed when repeated later:
// transport failures, timeouts and 5xx/429 responses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
