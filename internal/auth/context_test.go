package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	_, ok := GetUserID(ctx)
	require.False(t, ok)

	_, ok = GetUserID(SetUserID(ctx, ""))
	require.False(t, ok, "an empty user is not authenticated")

	exp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx = WithPrincipal(ctx, Principal{UserID: "u1", ExpiresAt: exp})
	userID, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", userID)

	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	require.Equal(t, exp, p.ExpiresAt)
}
