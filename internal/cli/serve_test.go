package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServe runs the serve command on a loopback port and returns the
// relay's websocket base URL. The relay stops when the test ends.
func startServe(t *testing.T, env testEnv) string {
	t.Helper()
	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: env.configPath},
		Listen:      "127.0.0.1:0",
		ready:       ready,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	select {
	case addr := <-ready:
		return "ws://" + addr
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}
	return ""
}

func TestServe_Healthz(t *testing.T) {
	env := newTestEnv(t)
	url := startServe(t, env)

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws") + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_BadListenAddress(t *testing.T) {
	env := newTestEnv(t)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: env.configPath},
		Listen:      "not-an-address",
	}
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTail_OncePrintsPersistedContent(t *testing.T) {
	env := newTestEnv(t)
	id := env.runJSON(t, "", "doc", "default", "--user", "u1")["id"].(string)
	env.runJSON(t, contentJSON("shared notes"), "doc", "save", id, "--user", "u1")

	url := startServe(t, env)

	out, err := env.run(t, "", "--format", "json", "tail", id, "--user", "u2", "--name", "Grace", "--relay", url, "--once", "--no-cache")
	require.NoError(t, err, out)

	var events []tailEvent
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev tailEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), sc.Text())
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "content", last.Type)
	assert.Equal(t, "shared notes", last.Text)
	require.NotEmpty(t, last.Peers)
	assert.Equal(t, "Grace", last.Peers[0].Name)

	var statuses []string
	for _, ev := range events[:len(events)-1] {
		statuses = append(statuses, string(ev.Status))
	}
	assert.Equal(t, []string{"connecting", "connected"}, statuses)
}

func TestPresence_FallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	id := env.runJSON(t, "", "doc", "default", "--user", "u1")["id"].(string)

	// No relay is listening here, so only the store can answer; nobody has
	// touched presence yet.
	out, err := env.run(t, "", "presence", id, "--relay", "ws://127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, out, "Nobody is here.")
}
