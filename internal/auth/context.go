// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller through request contexts.
package auth

import (
	"context"
	"time"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the caller a request was authenticated as
type Principal struct {
	UserID    string
	ExpiresAt time.Time // zero when the credential does not expire
}

// WithPrincipal stores p in the context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the principal; ok is false for unauthenticated contexts
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != ""
}

// SetUserID stores a principal carrying only the user ID
func SetUserID(ctx context.Context, userID string) context.Context {
	return WithPrincipal(ctx, Principal{UserID: userID})
}

// GetUserID retrieves the authenticated user ID
func GetUserID(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	return p.UserID, ok
}
