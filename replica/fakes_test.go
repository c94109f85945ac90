package replica

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// stepClock returns a strictly increasing time on every call
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{t: start, step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type remoteCall struct {
	Op    string
	Table localstore.Table
	ID    string
	Data  map[string]any
}

func (c remoteCall) String() string { return fmt.Sprintf("%s %s/%s", c.Op, c.Table, c.ID) }

// fakeRemote is an in-memory server with call-order instrumentation and
// scripted failures.
type fakeRemote struct {
	mu       sync.Mutex
	calls    []remoteCall
	entities map[string]localstore.Record
	errs     map[string][]error // op -> errors returned by successive calls
	clock    func() time.Time
	pages    map[string][]*remote.DeltaPage
}

func newFakeRemote(clock func() time.Time) *fakeRemote {
	return &fakeRemote{
		entities: make(map[string]localstore.Record),
		errs:     make(map[string][]error),
		clock:    clock,
		pages:    make(map[string][]*remote.DeltaPage),
	}
}

func (f *fakeRemote) put(table localstore.Table, rec localstore.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[string(table)+"/"+rec.ID()] = rec.Clone()
}

func (f *fakeRemote) entity(table localstore.Table, id string) localstore.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[string(table)+"/"+id]
}

func (f *fakeRemote) failWith(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakeRemote) callsOf(op string) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remoteCall
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) record(op string, table localstore.Table, id string, data map[string]any) error {
	f.calls = append(f.calls, remoteCall{Op: op, Table: table, ID: id, Data: data})
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeRemote) FetchDelta(ctx context.Context, scope remote.Scope, cursor *string, updatedSince *time.Time, limit int) (*remote.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := ""
	if cursor != nil {
		c = *cursor
	}
	if err := f.record("fetch", scope.Table, c, nil); err != nil {
		return nil, err
	}
	pages := f.pages[scope.Key()]
	idx := 0
	if cursor != nil {
		idx, _ = strconv.Atoi(*cursor)
	}
	if idx >= len(pages) {
		return &remote.DeltaPage{}, nil
	}
	return pages[idx], nil
}

func (f *fakeRemote) CreateEntity(ctx context.Context, table localstore.Table, payload map[string]any) (localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := payload["id"].(string)
	if err := f.record("create", table, id, payload); err != nil {
		return nil, err
	}
	rec := localstore.Record(payload).Patch(map[string]any{"updated_at": localstore.FormatTime(f.clock()), "deleted_at": nil})
	f.entities[string(table)+"/"+id] = rec
	return rec.Clone(), nil
}

func (f *fakeRemote) UpdateEntity(ctx context.Context, table localstore.Table, id string, patch map[string]any) (localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("update", table, id, patch); err != nil {
		return nil, err
	}
	cur, ok := f.entities[string(table)+"/"+id]
	if !ok {
		return nil, &remote.APIError{StatusCode: http.StatusNotFound, Code: remote.CodeNotFound}
	}
	rec := cur.Patch(patch).Patch(map[string]any{"updated_at": localstore.FormatTime(f.clock())})
	f.entities[string(table)+"/"+id] = rec
	return rec.Clone(), nil
}

func (f *fakeRemote) DeleteEntity(ctx context.Context, table localstore.Table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", table, id, nil); err != nil {
		return err
	}
	cur, ok := f.entities[string(table)+"/"+id]
	if !ok {
		return &remote.APIError{StatusCode: http.StatusNotFound, Code: remote.CodeNotFound}
	}
	now := localstore.FormatTime(f.clock())
	f.entities[string(table)+"/"+id] = cur.Patch(map[string]any{"updated_at": now, "deleted_at": now})
	return nil
}

func (f *fakeRemote) GetEntity(ctx context.Context, table localstore.Table, id string) (localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get", table, id, nil); err != nil {
		return nil, err
	}
	cur, ok := f.entities[string(table)+"/"+id]
	if !ok || cur.IsTombstone() {
		return nil, &remote.APIError{StatusCode: http.StatusNotFound, Code: remote.CodeNotFound}
	}
	return cur.Clone(), nil
}

func staticToken(token string) remote.TokenFunc {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testConfig returns a config with no inter-mutation delay and the given clock
func testConfig(clock func() time.Time) *Config {
	cfg := DefaultConfig()
	cfg.MutationDelay = 0
	cfg.Now = clock
	return cfg
}
