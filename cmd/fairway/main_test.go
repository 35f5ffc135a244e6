package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/export"
	"github.com/kimhsiao/fairway/internal/models"
)

// testEnv is a data directory plus an explicit config file, so no
// fairway.yaml from the machine is picked up.
type testEnv struct {
	dataDir    string
	configPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "fairway.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("remote:\n  driver: memory\nlog:\n  level: error\n"), 0644))
	return &testEnv{dataDir: filepath.Join(dir, "data"), configPath: configPath}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--data-dir", e.dataDir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seed writes entities straight into the store, as if synced earlier.
func (e *testEnv) seed(t *testing.T, collection string, entities ...models.Entity) {
	t.Helper()
	store, err := db.OpenDefault(context.Background(), e.dataDir)
	require.NoError(t, err)
	defer store.Close()
	for _, entity := range entities {
		require.NoError(t, store.Put(context.Background(), collection, entity))
	}
}

func decodeResponse(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, out)
	return data
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fairway", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"status"}, {"sync"}, {"export"}, {"import"},
		{"conflicts", "list"}, {"conflicts", "resolve"},
		{"queue", "stats"}, {"queue", "list"}, {"queue", "prune"}, {"queue", "requeue"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))

	importCmd, _, err := cmd.Find([]string{"import"})
	require.NoError(t, err)
	clearFlag := importCmd.Flags().Lookup("clear")
	require.NotNil(t, clearFlag)
	assert.Equal(t, "false", clearFlag.DefValue)

	resolveCmd, _, err := cmd.Find([]string{"conflicts", "resolve"})
	require.NoError(t, err)
	fallbackFlag := resolveCmd.Flags().Lookup("fallback")
	require.NotNil(t, fallbackFlag)
	assert.Equal(t, "latest", fallbackFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "--format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, models.CollectionCourses, models.Entity{"id": "course-1", "name": "Pebble"})
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")

	out, err := env.run(t, "--format", "json", "export", archive)
	require.NoError(t, err)
	data := decodeResponse(t, out)
	assert.Equal(t, float64(1), data["itemCount"])
	assert.Equal(t, archive, data["filePath"])

	in, err := os.Open(archive)
	require.NoError(t, err)
	manifest, err := export.ReadManifest(in)
	in.Close()
	require.NoError(t, err)
	assert.True(t, manifest.Compressed, ".gz path implies compression")

	env.seed(t, models.CollectionCourses, models.Entity{"id": "course-2", "name": "Links"})

	out, err = env.run(t, "import", archive, "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 items")

	out, err = env.run(t, "--format", "json", "export", filepath.Join(t.TempDir(), "after.tar"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeResponse(t, out)["itemCount"], "--clear removed course-2")
}

func TestExport_stdout(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, models.CollectionRounds, models.Entity{"id": "round-1"})

	out, err := env.run(t, "export", "--collection", "rounds")
	require.NoError(t, err)

	manifest, err := export.ReadManifest(bytes.NewReader([]byte(out)))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{models.CollectionRounds: 1}, manifest.Counts)
}

func TestImport_corrupt(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "junk.tar")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))

	out, err := env.run(t, "--format", "json", "import", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "CORRUPTED_ARCHIVE")
}

func TestStatusAndQueue(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "last sync: never")

	out, err = env.run(t, "--format", "yaml", "queue", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "status: ok")
	assert.Contains(t, out, "pending: 0")

	out, err = env.run(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")

	_, err = env.run(t, "queue", "list", "--status", "stuck")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = env.run(t, "queue", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 items")

	_, err = env.run(t, "queue", "requeue", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSync(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, models.CollectionCourses, models.Entity{"id": "course-1", "lastModified": float64(100)})

	out, err := env.run(t, "--format", "json", "sync")
	require.NoError(t, err)
	data := decodeResponse(t, out)
	assert.Equal(t, "idle", data["status"])
	assert.Equal(t, float64(1), data["unresolved"], "local-only course is recorded for the user")

	out, err = env.run(t, "conflicts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "courses:course-1")
	assert.Contains(t, out, string(models.ConflictLocalOnly))

	out, err = env.run(t, "conflicts", "resolve", "courses:course-1", "--strategy", "use_local")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved with use_local")

	out, err = env.run(t, "conflicts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no outstanding conflicts")
}

func TestConflictsResolve_errors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "conflicts", "resolve", "courses:x", "--strategy", "coin_flip")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.run(t, "conflicts", "resolve", "courses:x", "--strategy", "merge", "--rule", "notes=append")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.run(t, "conflicts", "resolve", "courses:x", "--strategy", "use_remote")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestResolveOptions_resolution(t *testing.T) {
	opts := &ResolveOptions{Strategy: "merge", Fallback: "use_local", Rules: map[string]string{"notes": "combine"}}

	res, err := opts.resolution()
	require.NoError(t, err)
	assert.Equal(t, "merge", string(res.Strategy))
	assert.Equal(t, "use_local", string(res.Fallback))
	assert.Equal(t, "combine", string(res.Rules["notes"]))

	opts = &ResolveOptions{Strategy: "use_remote", Fallback: "bogus"}
	res, err = opts.resolution()
	require.NoError(t, err, "fallback only matters for merge")
	assert.Empty(t, res.Fallback)
}
