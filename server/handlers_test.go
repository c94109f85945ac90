package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

type testServer struct {
	*httptest.Server
	store *MemoryStore
	auth  *JWTAuth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := NewMemoryStore(nil)
	jwtAuth := NewJWTAuth("test-secret", nil)
	srv := httptest.NewServer(NewHTTPHandlers(store, jwtAuth, nil).Routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, auth: jwtAuth}
}

// client returns an API client authenticated as userID
func (ts *testServer) client(t *testing.T, userID string) *remote.Client {
	t.Helper()
	tok, err := ts.auth.GenerateToken(userID, time.Hour)
	require.NoError(t, err)
	return remote.NewClient(ts.URL, func(ctx context.Context) (string, error) { return tok, nil })
}

func TestHandlers_EntityLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	c := ts.client(t, "u1")

	created, err := c.CreateEntity(ctx, localstore.TableSellers, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	id := created.ID()
	require.NotEmpty(t, id)

	got, err := c.GetEntity(ctx, localstore.TableSellers, id)
	require.NoError(t, err)
	require.Equal(t, "Ann", got["name"])

	updated, err := c.UpdateEntity(ctx, localstore.TableSellers, id, map[string]any{"name": "Ann B"})
	require.NoError(t, err)
	require.Equal(t, "Ann B", updated["name"])
	before, _ := created.UpdatedAt()
	after, _ := updated.UpdatedAt()
	require.True(t, after.After(before))

	require.NoError(t, c.DeleteEntity(ctx, localstore.TableSellers, id))
	_, err = c.GetEntity(ctx, localstore.TableSellers, id)
	require.True(t, remote.IsNotFound(err))
	err = c.DeleteEntity(ctx, localstore.TableSellers, id)
	require.True(t, remote.IsNotFound(err))

	page, err := c.FetchDelta(ctx, remote.Scope{Table: localstore.TableSellers}, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.True(t, page.Items[0].IsTombstone(), "the client always asks for tombstones")
}

func TestHandlers_FeedPagesWithCursor(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	c := ts.client(t, "u1")
	for i := 0; i < 5; i++ {
		_, err := c.CreateEntity(ctx, localstore.TableRecords, map[string]any{"account_id": "a1", "n": i})
		require.NoError(t, err)
	}
	_, err := c.CreateEntity(ctx, localstore.TableRecords, map[string]any{"account_id": "a2"})
	require.NoError(t, err)

	scope := remote.Scope{Table: localstore.TableRecords, AccountID: "a1"}
	var cursor *string
	total := 0
	for {
		page, err := c.FetchDelta(ctx, scope, cursor, nil, 2)
		require.NoError(t, err)
		total += len(page.Items)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, 5, total)
}

func TestHandlers_Errors(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	c := ts.client(t, "u1")

	_, err := c.GetEntity(ctx, localstore.Table("users"), "x")
	require.True(t, remote.IsNotFound(err), "unknown table")

	_, err = c.UpdateEntity(ctx, localstore.TableAccounts, "missing", map[string]any{"name": "x"})
	require.True(t, remote.IsNotFound(err))

	_, err = c.UpdateEntity(ctx, localstore.TableAccounts, "missing", map[string]any{})
	require.True(t, remote.IsClientError(err))

	_, err = c.CreateEntity(ctx, localstore.TableAccounts, map[string]any{"id": 42})
	require.True(t, remote.IsClientError(err))

	_, err = c.FetchDelta(ctx, remote.Scope{Table: localstore.TableAccounts}, nil, nil, 5000)
	var apiErr *remote.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, remote.CodeBadRequest, apiErr.Code)

	bad := "nope"
	_, err = c.FetchDelta(ctx, remote.Scope{Table: localstore.TableAccounts}, &bad, nil, 10)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	// A token for a different secret is a 401 client error, not ErrNotAuthenticated
	forged := remote.NewClient(ts.URL, func(ctx context.Context) (string, error) {
		return NewJWTAuth("other", nil).GenerateToken("u1", time.Hour)
	})
	_, err = forged.GetEntity(ctx, localstore.TableAccounts, "a1")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.True(t, remote.IsClientError(err))
}

func TestHandlers_MalformedBody(t *testing.T) {
	ts := newTestServer(t)
	tok, err := ts.auth.GenerateToken("u1", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/accounts", strings.NewReader("[1,2]"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	rec, err := ts.client(t, "u1").CreateEntity(ctx, localstore.TableAccounts, map[string]any{"name": "Mine"})
	require.NoError(t, err)

	_, err = ts.client(t, "u2").GetEntity(ctx, localstore.TableAccounts, rec.ID())
	require.True(t, remote.IsNotFound(err))
}

func TestHandlers_Health(t *testing.T) {
	ts := newTestServer(t)
	h, err := remote.NewClient(ts.URL, nil).Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Status)
	require.Len(t, h.Tables, len(localstore.Tables))
}
