package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notepulse/internal/offline"
)

// testEnv is a config file pointing at a fresh SQLite store and offline
// cache.
type testEnv struct {
	dir        string
	configPath string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`store:
  driver: sqlite
  dsn: %s
client:
  offline_path: %s
`, filepath.Join(dir, "notepulse.db"), filepath.Join(dir, "offline.db"))
	path := filepath.Join(dir, "notepulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return testEnv{dir: dir, configPath: path}
}

// run executes the root command with the env's config and returns stdout.
func (e testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// runJSON executes a command with --format json and decodes the data field.
func (e testEnv) runJSON(t *testing.T, stdin string, args ...string) map[string]any {
	t.Helper()
	out, err := e.run(t, stdin, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func contentJSON(text string) string {
	return fmt.Sprintf(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":%q}]}]}`, text)
}

func TestDocDefault_StableAndRecordsHint(t *testing.T) {
	env := newTestEnv(t)

	first := env.runJSON(t, "", "doc", "default", "--user", "u1")
	second := env.runJSON(t, "", "doc", "default", "--user", "u1")
	require.NotEmpty(t, first["id"])
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, "u1", first["user_id"])

	other := env.runJSON(t, "", "doc", "default", "--user", "u2")
	assert.NotEqual(t, first["id"], other["id"])

	cache, err := offline.Open(filepath.Join(env.dir, "offline.db"))
	require.NoError(t, err)
	defer cache.Close()
	hint, err := cache.Hint("u1")
	require.NoError(t, err)
	assert.Equal(t, first["id"], hint)
}

func TestDocDefault_RequiresUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "doc", "default")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDoc_SaveSnapshotHistoryDiff(t *testing.T) {
	env := newTestEnv(t)
	id := env.runJSON(t, "", "doc", "default", "--user", "u1")["id"].(string)

	saved := env.runJSON(t, contentJSON("first draft"), "doc", "save", id, "--user", "u1")
	assert.Equal(t, true, saved["changed"])
	again := env.runJSON(t, contentJSON("first draft"), "doc", "save", id, "--user", "u1")
	assert.Equal(t, false, again["changed"])

	snapA := env.runJSON(t, "", "doc", "snapshot", id, "--user", "u1")
	assert.Equal(t, "manual", snapA["snapshot_type"])

	env.runJSON(t, contentJSON("second draft"), "doc", "save", id, "--user", "u2")
	snapB := env.runJSON(t, "", "doc", "snapshot", id, "--user", "u2", "--type", "auto")

	shown, err := env.run(t, "", "doc", "show", id)
	require.NoError(t, err)
	assert.Contains(t, shown, "second draft")
	assert.Contains(t, shown, "by u2")

	history := env.runJSON(t, "", "doc", "history", id)
	snaps, ok := history["snapshots"].([]any)
	require.True(t, ok)
	assert.Len(t, snaps, 2)

	page := env.runJSON(t, "", "doc", "history", id, "--limit", "1")
	assert.EqualValues(t, 1, page["next_offset"])

	diff := env.runJSON(t, "", "doc", "diff", snapA["id"].(string), snapB["id"].(string))
	assert.Greater(t, diff["insertions"], float64(0))
	assert.Greater(t, diff["deletions"], float64(0))

	text, err := env.run(t, "", "doc", "history", id)
	require.NoError(t, err)
	assert.Contains(t, text, "first draft")
	assert.Contains(t, text, "second draft")
}

func TestDoc_ShowMissingDocument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "doc", "show", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "NOT_FOUND", ErrorCode(err))
}

func TestDoc_Restore(t *testing.T) {
	env := newTestEnv(t)
	id := env.runJSON(t, "", "doc", "default", "--user", "u1")["id"].(string)

	env.runJSON(t, contentJSON("kept version"), "doc", "save", id, "--user", "u1")
	snap := env.runJSON(t, "", "doc", "snapshot", id, "--user", "u1")
	env.runJSON(t, contentJSON("bad edit"), "doc", "save", id, "--user", "u2")

	_, err := env.run(t, "", "doc", "restore", snap["id"].(string))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	restored := env.runJSON(t, "", "doc", "restore", snap["id"].(string), "--user", "u1")
	assert.Equal(t, id, restored["document_id"])
	assert.Equal(t, true, restored["changed"])

	shown, err := env.run(t, "", "doc", "show", id)
	require.NoError(t, err)
	assert.Contains(t, shown, "kept version")
	assert.NotContains(t, shown, "bad edit")

	text, err := env.run(t, "", "doc", "restore", snap["id"].(string), "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, text, "already matches")

	_, err = env.run(t, "", "doc", "restore", "missing", "--user", "u1")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", ErrorCode(err))
}

func TestDoc_SaveRejectsInvalidContent(t *testing.T) {
	env := newTestEnv(t)
	id := env.runJSON(t, "", "doc", "default", "--user", "u1")["id"].(string)

	_, err := env.run(t, `{"type":"doc","content":[{"type":"table"}]}`, "doc", "save", id, "--user", "u1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDoc_Share(t *testing.T) {
	env := newTestEnv(t)
	id := env.runJSON(t, "", "doc", "default", "--user", "u1")["id"].(string)

	out, err := env.run(t, "", "doc", "share", id, "--with", "u2", "--role", "viewer")
	require.NoError(t, err)
	assert.Contains(t, out, "u2  viewer")

	_, err = env.run(t, "", "doc", "share", id, "--with", "u3", "--role", "admin")
	require.Error(t, err)
	assert.Equal(t, "INVALID_CONTENT", ErrorCode(err))
}
