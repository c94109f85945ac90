package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/server"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledgersync", cmd.Use)
	assert.Contains(t, cmd.Long, TokenEnv)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"pull", "push", "enqueue", "pending", "retry", "discard", "get", "status", "reset"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	pushCmd, _, err := cmd.Find([]string{"push"})
	require.NoError(t, err)
	policyFlag := pushCmd.Flags().Lookup("policy")
	require.NotNil(t, policyFlag)
	assert.Equal(t, "none", policyFlag.DefValue)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server: http://localhost:8080
database: /tmp/replica.db
scopes: [accounts, "records:acc-1"]
page_limit: 200
mutation_delay: 250ms
requeue_resolved: false
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Server)
	assert.Equal(t, 250*time.Millisecond, cfg.MutationDelay)

	scopes, err := cfg.ParseScopes()
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, "records:acc-1", scopes[1].Key())

	rc := cfg.ReplicaConfig()
	assert.Equal(t, 200, rc.PageLimit)
	assert.False(t, rc.RequeueResolved)
	assert.Equal(t, 3, rc.MaxRetries, "unset values keep their defaults")

	require.NoError(t, os.WriteFile(path, []byte("servr: typo\n"), 0o644))
	_, err = LoadConfig(path)
	require.ErrorContains(t, err, "failed to parse YAML")

	require.NoError(t, os.WriteFile(path, []byte("scopes: [users]\n"), 0o644))
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, localstore.ErrUnknownTable)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "", "--format", "yaml", "status")
	require.ErrorContains(t, err, "invalid format")
}

// cliEnv is a reference server plus a replica path shared across invocations
type cliEnv struct {
	store *server.MemoryStore
	url   string
	db    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	store := server.NewMemoryStore(nil)
	jwtAuth := server.NewJWTAuth("cli-secret", nil)
	srv := httptest.NewServer(server.NewHTTPHandlers(store, jwtAuth, nil).Routes())
	t.Cleanup(srv.Close)

	tok, err := jwtAuth.GenerateToken("u1", time.Hour)
	require.NoError(t, err)
	t.Setenv(TokenEnv, tok)

	return &cliEnv{store: store, url: srv.URL, db: filepath.Join(t.TempDir(), "replica.db")}
}

// run executes one CLI invocation against the environment
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	return execute(t, stdin, append([]string{"--server", e.url, "--db", e.db}, args...)...)
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_EnqueuePushPull(t *testing.T) {
	ctx := context.Background()
	env := newCLIEnv(t)

	out, err := env.run(t, "", "enqueue", "sellers", "create", "s1", `{"name":"Ann"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "sellers/s1")

	out, err = env.run(t, "", "get", "sellers", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Ann"`, "the optimistic write is visible before push")

	out, err = env.run(t, "", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "create")

	out, err = env.run(t, "", "push")
	require.NoError(t, err)
	assert.Contains(t, out, "processed=1 failed=0 conflicts=0")

	server, err := env.store.Get(ctx, "u1", localstore.TableSellers, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", server["name"])

	_, err = env.store.Create(ctx, "u1", localstore.TableSellers, localstore.Record{"id": "s2", "name": "Bob"})
	require.NoError(t, err)
	out, err = env.run(t, "", "pull", "sellers")
	require.NoError(t, err)
	assert.Contains(t, out, "sellers")

	out, err = env.run(t, "", "--format", "json", "status")
	require.NoError(t, err)
	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Rows[localstore.TableSellers])
	assert.Zero(t, report.Queue.Total())
	require.Len(t, report.Scopes, 1)
	assert.Equal(t, "sellers", report.Scopes[0].Scope)
	assert.NotNil(t, report.Scopes[0].LastSyncAt)
}

func TestCLI_PushAskPolicy(t *testing.T) {
	ctx := context.Background()
	env := newCLIEnv(t)

	_, err := env.store.Create(ctx, "u1", localstore.TableSellers, localstore.Record{"id": "s1", "name": "Ann"})
	require.NoError(t, err)
	_, err = env.run(t, "", "pull", "sellers")
	require.NoError(t, err)

	_, err = env.run(t, "", "enqueue", "sellers", "update", "s1", `{"name":"Mine"}`)
	require.NoError(t, err)
	_, err = env.store.Update(ctx, "u1", localstore.TableSellers, "s1", map[string]any{"name": "Theirs"})
	require.NoError(t, err)

	// Skipping leaves the conflict unresolved and exits with a failure code
	out, err := env.run(t, "s\n", "push", "--policy", "ask")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "name: mine=Mine theirs=Theirs")
	assert.Contains(t, out, "unresolved")

	out, err = env.run(t, "theirs\n", "push", "--policy", "ask")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved=1")

	out, err = env.run(t, "", "get", "sellers", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Theirs"`)

	out, err = env.run(t, "", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued mutations.")
}

func TestCLI_FailedMutationRetryAndDiscard(t *testing.T) {
	env := newCLIEnv(t)

	// Updating a record the server never had is a terminal 404
	_, err := env.run(t, "", "enqueue", "accounts", "update", "ghost", `{"name":"x"}`)
	require.NoError(t, err)
	_, err = env.run(t, "", "push")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := env.run(t, "", "--format", "json", "pending", "--status", "failed")
	require.NoError(t, err)
	var failed []localstore.Mutation
	require.NoError(t, json.Unmarshal([]byte(out), &failed))
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].LastError)
	id := failed[0].ID

	_, err = env.run(t, "", "retry", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err), "fails again on the server")

	_, err = env.run(t, "", "discard", id)
	require.NoError(t, err)
	_, err = env.run(t, "", "discard", id)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_ArgumentErrors(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "", "enqueue", "users", "create", "-")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = env.run(t, "", "enqueue", "accounts", "upsert", "a1")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = env.run(t, "", "enqueue", "accounts", "create", "a1", "{bad")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = env.run(t, "", "push", "--policy", "merge")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = env.run(t, "", "pending", "--status", "done")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = env.run(t, "", "get", "accounts", "missing")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "", "--db", env.db, "pull")
	assert.Equal(t, ExitCommandError, GetExitCode(err), "pull needs a server")
}

func TestCLI_Reset(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "", "enqueue", "sellers", "create", "s1", `{"name":"Ann"}`)
	require.NoError(t, err)

	_, err = env.run(t, "", "reset")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.run(t, "", "reset", "--force")
	require.NoError(t, err)
	out, err := env.run(t, "", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued mutations.")
	_, err = env.run(t, "", "get", "sellers", "s1")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
