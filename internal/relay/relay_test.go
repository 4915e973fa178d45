package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/crdt"
	"github.com/roach88/notepulse/internal/wire"
)

func startRelay(t *testing.T, opts Options, options ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(opts, options...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close()
	})
	return srv, hs
}

// peer is a bare protocol client over a real websocket.
type peer struct {
	t       *testing.T
	ws      *websocket.Conn
	replica *crdt.Replica
}

func dial(t *testing.T, hs *httptest.Server, key, id string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/rooms/" + key + "?user=" + id
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &peer{t: t, ws: ws, replica: crdt.NewReplica(id)}
}

func (p *peer) write(f wire.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.BinaryMessage, wire.Encode(f)))
}

func (p *peer) read() wire.Frame {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	f, err := wire.Decode(data)
	require.NoError(p.t, err)
	return f
}

// readUntil returns the next frame of kind, merging any updates that
// arrive first.
func (p *peer) readUntil(kind wire.Kind) wire.Frame {
	p.t.Helper()
	for {
		f := p.read()
		if f.Kind == kind {
			return f
		}
		if f.Kind == wire.Update {
			require.NoError(p.t, p.replica.ApplyRemote(f.Payload))
		}
	}
}

// sync performs the client half of the handshake.
func (p *peer) sync() {
	p.t.Helper()
	p.write(wire.Frame{Kind: wire.SyncStep1, Payload: p.replica.StateVector().Encode()})

	step2 := p.readUntil(wire.SyncStep2)
	require.NoError(p.t, p.replica.ApplyRemote(step2.Payload))

	step1 := p.readUntil(wire.SyncStep1)
	sv, err := crdt.DecodeStateVector(step1.Payload)
	require.NoError(p.t, err)
	p.write(wire.Frame{Kind: wire.SyncStep2, Payload: p.replica.DiffSince(sv)})
}

func (p *peer) insert(pos int, text string) {
	p.t.Helper()
	u, err := p.replica.InsertAt(pos, text)
	require.NoError(p.t, err)
	p.write(wire.Frame{Kind: wire.Update, Payload: u})
}

// awaitLen applies incoming updates until the replica holds n visible
// elements.
func (p *peer) awaitLen(n int) {
	p.t.Helper()
	for p.replica.Len() < n {
		f := p.read()
		if f.Kind == wire.Update || f.Kind == wire.SyncStep2 {
			require.NoError(p.t, p.replica.ApplyRemote(f.Payload))
		}
	}
}

func listAwareness(url string) ([]awareness.State, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var states []awareness.State
	err = json.NewDecoder(resp.Body).Decode(&states)
	return states, err
}

func TestRelay_ConcurrentEditsConverge(t *testing.T) {
	_, hs := startRelay(t, DefaultOptions())

	a := dial(t, hs, "doc-shared", "a")
	a.sync()
	b := dial(t, hs, "doc-shared", "b")
	b.sync()

	a.insert(0, "cat")
	b.insert(0, "dog")

	a.awaitLen(6)
	b.awaitLen(6)
	assert.Equal(t, a.replica.Text(), b.replica.Text())
	assert.Equal(t, a.replica.Materialize(), b.replica.Materialize())
}

func TestRelay_LateJoinerCatchesUp(t *testing.T) {
	_, hs := startRelay(t, DefaultOptions())

	a := dial(t, hs, "doc-late", "a")
	a.sync()
	a.insert(0, "hello")
	// The relay answers frames of one connection in order, so a second
	// handshake proves the update was merged.
	a.sync()

	c := dial(t, hs, "doc-late", "c")
	c.sync()
	assert.Equal(t, "hello", c.replica.Text())
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	_, hs := startRelay(t, DefaultOptions())

	a := dial(t, hs, "doc-one", "a")
	a.sync()
	b := dial(t, hs, "doc-two", "b")
	b.sync()

	a.insert(0, "private")
	b.insert(0, "x")

	require.NoError(t, b.ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := b.ws.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected no traffic, got %v", err)
}

func TestRelay_BadRoomKeyRejected(t *testing.T) {
	_, hs := startRelay(t, DefaultOptions())

	for _, key := range []string{"notes-1", "doc-"} {
		resp, err := http.Get(hs.URL + "/rooms/" + key)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, key)
	}
}

func TestRelay_HandshakeTimeoutClosesWithCode(t *testing.T) {
	opts := DefaultOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond
	_, hs := startRelay(t, opts)

	p := dial(t, hs, "doc-slow", "slow")
	require.NoError(t, p.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := p.ws.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "SYNC_TIMEOUT", closeErr.Text)
}

func TestRelay_AwarenessEndpointAndDisconnect(t *testing.T) {
	srv, hs := startRelay(t, DefaultOptions())

	a := dial(t, hs, "doc-aw", "a")
	a.sync()
	tr := awareness.NewTracker("alice")
	msg, err := tr.SetLocal(awareness.State{DisplayName: "Alice", Color: "#112233"})
	require.NoError(t, err)
	a.write(wire.Frame{Kind: wire.Awareness, Payload: msg})

	url := hs.URL + "/rooms/doc-aw/awareness"
	require.Eventually(t, func() bool {
		states, err := listAwareness(url)
		return err == nil && len(states) == 1 && states[0].DisplayName == "Alice"
	}, 5*time.Second, 10*time.Millisecond)

	a.ws.Close()
	require.Eventually(t, func() bool {
		states, err := listAwareness(url)
		return err == nil && len(states) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, srv.Rooms(), "doc-aw", "room kept during grace")
}

func TestRelay_ReconnectedClientVisibleAtOnce(t *testing.T) {
	_, hs := startRelay(t, DefaultOptions())
	url := hs.URL + "/rooms/doc-back/awareness"
	count := func(n int) func() bool {
		return func() bool {
			states, err := listAwareness(url)
			return err == nil && len(states) == n
		}
	}

	tr := awareness.NewTracker("alice")
	msg, err := tr.SetLocal(awareness.State{DisplayName: "Alice"})
	require.NoError(t, err)
	a := dial(t, hs, "doc-back", "a")
	a.sync()
	a.write(wire.Frame{Kind: wire.Awareness, Payload: msg})
	require.Eventually(t, count(1), 5*time.Second, 10*time.Millisecond)

	a.ws.Close()
	require.Eventually(t, count(0), 5*time.Second, 10*time.Millisecond)

	// The room is still in its grace period; the client comes back and
	// re-announces under its next clock.
	again := dial(t, hs, "doc-back", "a")
	again.sync()
	hb, err := tr.Heartbeat()
	require.NoError(t, err)
	again.write(wire.Frame{Kind: wire.Awareness, Payload: hb})
	require.Eventually(t, count(1), 5*time.Second, 10*time.Millisecond)

	states, err := listAwareness(url)
	require.NoError(t, err)
	assert.Equal(t, "Alice", states[0].DisplayName)
	assert.Equal(t, uint64(2), states[0].Clock)
}

func TestRelay_Healthz(t *testing.T) {
	_, hs := startRelay(t, DefaultOptions(), WithInstanceID("relay-test"))

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "relay-test", body["instance"])
}

func TestRelay_BusSharesRoomsAcrossInstances(t *testing.T) {
	bus := NewMemoryBus()
	_, hs1 := startRelay(t, DefaultOptions(), WithBus(bus), WithInstanceID("one"))
	_, hs2 := startRelay(t, DefaultOptions(), WithBus(bus), WithInstanceID("two"))

	a := dial(t, hs1, "doc-bus", "a")
	a.sync()
	b := dial(t, hs2, "doc-bus", "b")
	b.sync()
	require.Eventually(t, func() bool { return bus.subscribers("doc-bus") == 2 }, 5*time.Second, 10*time.Millisecond)

	a.insert(0, "across")
	b.awaitLen(6)
	assert.Equal(t, "across", b.replica.Text())
}
