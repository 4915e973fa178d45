// Package client is the collaborator-side provider: it owns one replica and
// one awareness tracker for a document and keeps them in sync with a relay.
//
// Edits are always applied locally first. While connected they are sent at
// once; while offline they accumulate in the replica and reach the relay in
// the next handshake's SYNC_STEP2, so nothing typed offline is lost.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/crdt"
	"github.com/roach88/notepulse/internal/offline"
	"github.com/roach88/notepulse/internal/wire"
)

// Status is the connection state surfaced to the editing UI.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusOffline    Status = "offline"
)

// sendQueue bounds frames waiting for the socket within one session.
const sendQueue = 256

// Options configures a Provider.
type Options struct {
	// RelayURL is the relay's base URL, e.g. ws://localhost:1234.
	RelayURL   string
	DocumentID string
	UserID     string
	// ReplicaID defaults to a fresh UUIDv7.
	ReplicaID string

	Heartbeat time.Duration
	Expiry    time.Duration
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration

	// Cache, when set, restores the replica on New and receives its state
	// on Save.
	Cache *offline.Cache
	// NewBackOff builds the reconnect policy; defaults to exponential
	// backoff that never gives up.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
	Now        func() time.Time
}

func (o *Options) setDefaults() {
	if o.ReplicaID == "" {
		o.ReplicaID = uuid.Must(uuid.NewV7()).String()
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = awareness.DefaultHeartbeat
	}
	if o.Expiry <= 0 {
		o.Expiry = awareness.DefaultExpiry
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Provider keeps one document replica in sync with a relay.
//
// Thread-safety: all exported methods are safe for concurrent use. Run must
// be called at most once at a time.
type Provider struct {
	opts    Options
	replica *crdt.Replica
	aware   *awareness.Tracker

	status  chan Status
	changed chan struct{}

	mu       sync.Mutex
	current  Status
	out      chan []byte
	synced   bool
	dirty    bool
	teardown context.CancelFunc
}

// New creates a provider, restoring the replica from the offline cache
// when one is configured and holds state for the document.
func New(opts Options) (*Provider, error) {
	if opts.DocumentID == "" {
		return nil, errors.New("client: document id is required")
	}
	opts.setDefaults()

	replica := crdt.NewReplica(opts.ReplicaID)
	if opts.Cache != nil {
		state, err := opts.Cache.LoadState(opts.DocumentID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			if replica, err = crdt.LoadState(opts.ReplicaID, state); err != nil {
				return nil, fmt.Errorf("restore offline state: %w", err)
			}
			slog.Debug("restored offline state", "document", opts.DocumentID, "elements", replica.Len())
		}
	}

	return &Provider{
		opts:    opts,
		replica: replica,
		aware:   awareness.NewTracker(opts.ReplicaID, awareness.WithClock(opts.Now), awareness.WithExpiry(opts.Expiry)),
		status:  make(chan Status, 16),
		changed: make(chan struct{}, 1),
		current: StatusOffline,
	}, nil
}

// Replica returns the local replica. Edit through the provider so changes
// reach the relay.
func (p *Provider) Replica() *crdt.Replica { return p.replica }

// Awareness returns the provider's awareness view.
func (p *Provider) Awareness() *awareness.Tracker { return p.aware }

// Status delivers status transitions. Transitions are dropped if the
// channel is not drained.
func (p *Provider) Status() <-chan Status { return p.status }

// Changed is signalled after remote content or awareness was merged.
func (p *Provider) Changed() <-chan struct{} { return p.changed }

// CurrentStatus returns the latest status.
func (p *Provider) CurrentStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ApplyLocal applies an edit and sends it when connected.
func (p *Provider) ApplyLocal(op crdt.Operation) (crdt.Update, error) {
	u, err := p.replica.ApplyLocal(op)
	if err != nil {
		return nil, err
	}
	p.local(u)
	return u, nil
}

// InsertAt inserts text at a visible position.
func (p *Provider) InsertAt(pos int, text string) (crdt.Update, error) {
	u, err := p.replica.InsertAt(pos, text)
	if err != nil {
		return nil, err
	}
	p.local(u)
	return u, nil
}

// DeleteAt deletes n visible elements starting at pos.
func (p *Provider) DeleteAt(pos, n int) (crdt.Update, error) {
	u, err := p.replica.DeleteAt(pos, n)
	if err != nil {
		return nil, err
	}
	p.local(u)
	return u, nil
}

// Restore edits the replica until it materializes as doc, typically a
// snapshot's content, and sends the edits like any other. Text that doc
// shares with the replica is kept, so peers' concurrent edits to it survive.
func (p *Provider) Restore(doc content.Doc) (crdt.Update, error) {
	u, err := p.replica.Rewrite(doc)
	if err != nil {
		return nil, err
	}
	p.local(u)
	return u, nil
}

func (p *Provider) local(u crdt.Update) {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
	if !u.IsEmpty() {
		p.send(wire.Frame{Kind: wire.Update, Payload: u})
	}
}

// SetPresence publishes the local awareness entry.
func (p *Provider) SetPresence(s awareness.State) error {
	msg, err := p.aware.SetLocal(s)
	if err != nil {
		return err
	}
	p.send(wire.Frame{Kind: wire.Awareness, Payload: msg})
	return nil
}

// Save writes the replica state and the last-opened hint to the offline
// cache. Without a cache it does nothing.
func (p *Provider) Save() error {
	if p.opts.Cache == nil {
		return nil
	}
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	if err := p.opts.Cache.SaveState(p.opts.DocumentID, p.replica.EncodeState()); err != nil {
		return err
	}
	if p.opts.UserID != "" {
		return p.opts.Cache.SetHint(p.opts.UserID, p.opts.DocumentID)
	}
	return nil
}

// send queues a frame on the live session. Offline, the frame is dropped;
// the next handshake carries the same content. A full queue ends the
// session so the handshake can reconcile.
func (p *Provider) send(f wire.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	select {
	case p.out <- wire.Encode(f):
	default:
		slog.Warn("send queue full, resyncing", "document", p.opts.DocumentID)
		p.teardown()
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.current == s {
		p.mu.Unlock()
		return
	}
	p.current = s
	p.mu.Unlock()

	select {
	case p.status <- s:
	default:
	}
}

func (p *Provider) notify() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// roomURL is the websocket address of the document's room.
func (p *Provider) roomURL() (string, error) {
	base, err := url.Parse(strings.TrimSuffix(p.opts.RelayURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	u := base.JoinPath("rooms", wire.RoomKey(p.opts.DocumentID))
	if p.opts.UserID != "" {
		u.RawQuery = url.Values{"user": {p.opts.UserID}}.Encode()
	}
	return u.String(), nil
}

// Run connects and keeps the replica in sync until ctx is done,
// reconnecting with backoff after every disconnect. It returns nil when ctx
// ends and saves to the offline cache on the way out.
func (p *Provider) Run(ctx context.Context) error {
	target, err := p.roomURL()
	if err != nil {
		return err
	}
	defer func() {
		p.setStatus(StatusOffline)
		if err := p.Save(); err != nil {
			slog.Warn("offline save failed", "document", p.opts.DocumentID, "error", err)
		}
	}()

	b := p.opts.NewBackOff()
	for {
		var ws *websocket.Conn
		dial := func() error {
			p.setStatus(StatusConnecting)
			c, _, err := p.opts.Dialer.DialContext(ctx, target, nil)
			if err != nil {
				return err
			}
			ws = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			p.setStatus(StatusOffline)
			slog.Debug("relay unreachable, retrying", "document", p.opts.DocumentID, "error", err, "wait", wait)
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to relay: %w", err)
		}

		err := p.session(ctx, ws)
		p.setStatus(StatusOffline)
		if ctx.Err() != nil {
			return nil
		}
		slog.Info("disconnected from relay", "document", p.opts.DocumentID, "error", err)
	}
}

// session runs one connection: handshake, then frames, heartbeats and
// expiry until the socket or ctx ends.
func (p *Provider) session(ctx context.Context, ws *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, sendQueue)
	p.mu.Lock()
	p.out = out
	p.synced = false
	p.teardown = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.out = nil
		p.synced = false
		p.mu.Unlock()
	}()

	writeErr := make(chan error, 1)
	go func() {
		defer ws.Close()
		writeErr <- p.writeLoop(ctx, ws, out)
	}()

	frames := make(chan wire.Frame)
	readErr := make(chan error, 1)
	go func() {
		readErr <- p.readLoop(ctx, ws, frames)
	}()

	p.send(wire.Frame{Kind: wire.SyncStep1, Payload: p.replica.StateVector().Encode()})
	// Re-announce under a fresh clock: the room may still hold the clock
	// of this client's last entry from before the disconnect.
	if msg, err := p.aware.Heartbeat(); err == nil && msg != nil {
		p.send(wire.Frame{Kind: wire.Awareness, Payload: msg})
	}

	heartbeat := time.NewTicker(p.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case f := <-frames:
			p.handle(f)
		case <-heartbeat.C:
			p.tick()
		case err := <-readErr:
			return err
		case err := <-writeErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Provider) handle(f wire.Frame) {
	switch f.Kind {
	case wire.SyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			slog.Warn("bad state vector from relay", "document", p.opts.DocumentID, "error", err)
			return
		}
		p.send(wire.Frame{Kind: wire.SyncStep2, Payload: p.replica.DiffSince(sv)})

	case wire.SyncStep2, wire.Update:
		if err := p.replica.ApplyRemote(f.Payload); err != nil {
			// Ask for everything we lack instead of retrying these bytes.
			slog.Warn("bad update from relay, resyncing", "document", p.opts.DocumentID, "error", err)
			p.send(wire.Frame{Kind: wire.SyncStep1, Payload: p.replica.StateVector().Encode()})
			return
		}
		if f.Kind == wire.SyncStep2 {
			p.mu.Lock()
			p.synced = true
			p.mu.Unlock()
			p.setStatus(StatusConnected)
		}
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		p.notify()

	case wire.Awareness:
		change, err := p.aware.Apply(f.Payload)
		if err != nil {
			slog.Warn("bad awareness from relay", "document", p.opts.DocumentID, "error", err)
			return
		}
		if !change.Empty() {
			p.notify()
		}
	}
}

// tick re-emits local awareness, expires silent peers and checkpoints the
// replica to the offline cache.
func (p *Provider) tick() {
	if msg, err := p.aware.Heartbeat(); err == nil && msg != nil {
		p.send(wire.Frame{Kind: wire.Awareness, Payload: msg})
	}
	if change := p.aware.Purge(p.opts.Now()); !change.Empty() {
		slog.Debug("peers expired", "document", p.opts.DocumentID, "clients", change.Removed)
		p.notify()
	}
	p.mu.Lock()
	dirty := p.dirty
	p.mu.Unlock()
	if dirty {
		if err := p.Save(); err != nil {
			slog.Warn("offline save failed", "document", p.opts.DocumentID, "error", err)
		}
	}
}

func (p *Provider) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case data := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.opts.WriteTimeout))
			return nil
		}
	}
}

func (p *Provider) readLoop(ctx context.Context, ws *websocket.Conn, frames chan<- wire.Frame) error {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed frame", "document", p.opts.DocumentID, "error", err)
			continue
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
