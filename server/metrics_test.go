package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

func TestMetricsMiddleware_RecordsRoutesAndWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	jwtAuth := NewJWTAuth("metrics-secret", nil)
	srv := httptest.NewServer(MetricsMiddleware(NewHTTPHandlers(store, jwtAuth, nil).Routes()))
	t.Cleanup(srv.Close)

	tok, err := jwtAuth.GenerateToken("u1", time.Hour)
	require.NoError(t, err)
	c := remote.NewClient(srv.URL, func(ctx context.Context) (string, error) { return tok, nil })

	created := HTTPRequestsTotal.WithLabelValues("POST", "POST /v1/{table}", "201")
	feed := HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/sync/{table}", "200")
	unmatched := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")
	writes := EntityWrites.WithLabelValues(string(localstore.TableCollectionRuns), "create")
	items := FeedItemsServed.WithLabelValues(string(localstore.TableCollectionRuns))

	createdBefore := testutil.ToFloat64(created)
	feedBefore := testutil.ToFloat64(feed)
	unmatchedBefore := testutil.ToFloat64(unmatched)
	writesBefore := testutil.ToFloat64(writes)
	itemsBefore := testutil.ToFloat64(items)

	for _, id := range []string{"c1", "c2"} {
		_, err := c.CreateEntity(ctx, localstore.TableCollectionRuns, map[string]any{"id": id, "account_id": "a1"})
		require.NoError(t, err)
	}
	page, err := c.FetchDelta(ctx, remote.Scope{Table: localstore.TableCollectionRuns}, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, createdBefore+2, testutil.ToFloat64(created))
	require.Equal(t, feedBefore+1, testutil.ToFloat64(feed))
	require.Equal(t, unmatchedBefore+1, testutil.ToFloat64(unmatched))
	require.Equal(t, writesBefore+2, testutil.ToFloat64(writes))
	require.Equal(t, itemsBefore+2, testutil.ToFloat64(items))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	RecordEntityWrite(localstore.TableAccounts, "update")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "ledgersync_entity_writes_total")
}
