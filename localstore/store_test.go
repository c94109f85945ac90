package localstore

import (
	"context"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesTables(t *testing.T) {
	s := newTestStore(t)

	expectedTables := []string{"accounts", "records", "sellers", "collection_runs", "_sync_meta", "_pending_mutations"}
	for _, table := range expectedTables {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	expectedIndexes := []string{
		"idx_records_account_id_sale_date",
		"idx_accounts_normalized_name",
		"idx_accounts_flagged",
		"idx_sellers_normalized_name",
		"idx_pending_mutations_record_id",
		"idx_pending_mutations_status",
		"idx_pending_mutations_timestamp",
	}
	for _, idx := range expectedIndexes {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Index %s should exist", idx)
	}
}

func TestBulkPut_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := Record{"id": "r1", "account_id": "a1", "qty": 2, "updated_at": "2025-01-02T03:04:05Z", "deleted_at": nil}
	require.NoError(t, s.BulkPut(ctx, TableRecords, []Record{rec}))
	first, ok, err := s.Get(ctx, TableRecords, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.BulkPut(ctx, TableRecords, []Record{rec}))
	second, ok, err := s.Get(ctx, TableRecords, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, first, second)
	n, err := s.Count(ctx, TableRecords)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBulkPut_OverwritesWholeRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.BulkPut(ctx, TableSellers, []Record{{"id": "s1", "name": "Ann", "remarks": "vip"}}))
	require.NoError(t, s.BulkPut(ctx, TableSellers, []Record{{"id": "s1", "name": "Anna"}}))

	got, ok, err := s.Get(ctx, TableSellers, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Anna", got["name"])
	_, hasRemarks := got["remarks"]
	require.False(t, hasRemarks, "upsert must not merge fields")
}

func TestGet_MissIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	rec, ok, err := s.Get(context.Background(), TableAccounts, "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rec)
}

func TestUnknownTable(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Get(context.Background(), Table("users"), "x")
	require.ErrorIs(t, err, ErrUnknownTable)

	_, err = ParseTable("users")
	require.ErrorIs(t, err, ErrUnknownTable)

	tbl, err := TableFromScope("records:acct-1")
	require.NoError(t, err)
	require.Equal(t, TableRecords, tbl)
}

func TestBulkDelete_AbsentIDIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.BulkPut(ctx, TableAccounts, []Record{{"id": "a1"}, {"id": "a2"}}))
	require.NoError(t, s.BulkDelete(ctx, TableAccounts, []string{"a1", "missing"}))
	require.NoError(t, s.BulkDelete(ctx, TableAccounts, []string{"a1"}))

	_, ok, err := s.Get(ctx, TableAccounts, "a1")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Get(ctx, TableAccounts, "a2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFind_UsesIndexedFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.BulkPut(ctx, TableRecords, []Record{
		{"id": "r1", "account_id": "a1", "sale_date": "2025-01-01"},
		{"id": "r2", "account_id": "a2", "sale_date": "2025-01-01"},
		{"id": "r3", "account_id": "a1", "sale_date": "2025-01-02"},
	}))
	require.NoError(t, s.BulkPut(ctx, TableAccounts, []Record{
		{"id": "a1", "flagged": true},
		{"id": "a2", "flagged": false},
	}))

	recs, err := s.Find(ctx, TableRecords, "account_id", "a1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "r1", recs[0].ID())
	require.Equal(t, "r3", recs[1].ID())

	flagged, err := s.Find(ctx, TableAccounts, "flagged", true)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	require.Equal(t, "a1", flagged[0].ID())

	var plan string
	rows, err := s.DB().Query(`EXPLAIN QUERY PLAN SELECT data FROM "records" WHERE json_extract(data, '$.account_id') = ?`, "a1")
	require.NoError(t, err)
	for rows.Next() {
		var id, parent, notused int
		var detail string
		require.NoError(t, rows.Scan(&id, &parent, &notused, &detail))
		plan += detail
	}
	require.NoError(t, rows.Close())
	require.Contains(t, plan, "idx_records_account_id_sale_date")

	_, err = s.Find(ctx, TableRecords, "x'); DROP TABLE records; --", "a1")
	require.Error(t, err)
}

func TestClearAll_WipesEverythingTogether(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.BulkPut(ctx, TableAccounts, []Record{{"id": "a1"}}))
	require.NoError(t, s.BulkPut(ctx, TableRecords, []Record{{"id": "r1"}}))
	now := time.Now()
	require.NoError(t, s.PutCheckpoint(ctx, &Checkpoint{TableName: "accounts", LastSyncAt: &now}))
	require.NoError(t, s.InsertMutation(ctx, &Mutation{
		ID: "m1", RecordID: "a1", Table: TableAccounts, Operation: OpDelete, Timestamp: now, Status: StatusPending,
	}))

	require.NoError(t, s.ClearAll(ctx))

	for _, tbl := range Tables {
		n, err := s.Count(ctx, tbl)
		require.NoError(t, err)
		require.Zero(t, n, "table %s should be empty", tbl)
	}
	cps, err := s.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Empty(t, cps)
	stats, err := s.MutationStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total())
}

func TestClear_SingleTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.BulkPut(ctx, TableAccounts, []Record{{"id": "a1"}}))
	require.NoError(t, s.BulkPut(ctx, TableSellers, []Record{{"id": "s1"}}))
	require.NoError(t, s.Clear(ctx, TableAccounts))

	n, err := s.Count(ctx, TableAccounts)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.Count(ctx, TableSellers)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.BulkPut(ctx, TableAccounts, []Record{{"id": "a1"}}); err != nil {
			return err
		}
		return os.ErrInvalid
	})
	require.ErrorIs(t, err, os.ErrInvalid)

	_, ok, err := s.Get(ctx, TableAccounts, "a1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpen_SchemaVersionMismatchWipesStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.db")
	marker := MarkerFor(path)

	s, err := Open(ctx, path, Options{Marker: marker})
	require.NoError(t, err)
	require.NoError(t, s.BulkPut(ctx, TableAccounts, []Record{{"id": "a1"}}))
	require.NoError(t, s.Close())

	v, ok, err := marker.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SchemaVersion, v)

	// Same version: data survives
	s, err = Open(ctx, path, Options{Marker: marker})
	require.NoError(t, err)
	_, found, err := s.Get(ctx, TableAccounts, "a1")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.Close())

	// Older marker: store is destroyed and recreated
	require.NoError(t, marker.Save(SchemaVersion-1))
	s, err = Open(ctx, path, Options{Marker: marker})
	require.NoError(t, err)
	defer s.Close()
	_, found, err = s.Get(ctx, TableAccounts, "a1")
	require.NoError(t, err)
	require.False(t, found)

	v, _, err = marker.Load()
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, v)
}

func TestCheckpoint_DefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cp, err := s.GetCheckpoint(ctx, "records:a1")
	require.NoError(t, err)
	require.Equal(t, "records:a1", cp.TableName)
	require.Nil(t, cp.Cursor)
	require.Nil(t, cp.LastSyncAt)
	require.False(t, cp.InProgress())

	cursor := "page-2"
	started := time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC)
	require.NoError(t, s.PutCheckpoint(ctx, &Checkpoint{TableName: "records:a1", Cursor: &cursor, PullStartedAt: &started}))

	cp, err = s.GetCheckpoint(ctx, "records:a1")
	require.NoError(t, err)
	require.NotNil(t, cp.Cursor)
	require.Equal(t, "page-2", *cp.Cursor)
	require.True(t, cp.PullStartedAt.Equal(started))
	require.True(t, cp.InProgress())
}

func TestPackageDocIsAttached(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "store.go", nil, parser.PackageClauseOnly|parser.ParseComments)
	require.NoError(t, err)
	require.NotNil(t, f.Doc)
	require.True(t, strings.HasPrefix(f.Doc.Text(), "Package localstore "))
}
