package relay

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/crdt"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
	"github.com/roach88/notepulse/internal/wire"
)

// inboxSize bounds queued room events. Senders block when it is full, which
// throttles only the connections of this room.
const inboxSize = 256

// Events consumed by the room goroutine.
type (
	joinEvent struct{ conn *Conn }
	// leaveEvent is posted exactly once per joined connection, by its reader.
	leaveEvent   struct{ conn *Conn }
	messageEvent struct {
		conn  *Conn
		frame wire.Frame
		raw   []byte
	}
	busEvent       struct{ frame wire.Frame }
	seedEvent      struct{ update crdt.Update }
	handshakeEvent struct{ conn *Conn }
	graceEvent     struct{ gen uint64 }
	savedEvent     struct{ err error }
	queryEvent     struct{ reply chan []awareness.State }
)

// Room is the set of connections on one document. Everything below the
// immutable fields is owned by the room goroutine.
type Room struct {
	key   string
	docID string
	srv   *Server
	inbox chan any
	done  chan struct{}

	// refs counts joined connections whose leave is not yet processed.
	// Guarded by srv.mu.
	refs int

	members map[*Conn]struct{}
	// owned maps each connection to the awareness client ids it announced.
	owned   map[*Conn]map[string]struct{}
	replica *crdt.Replica
	aware   *awareness.Tracker

	// seeded is false until persisted state has been merged; handshakes
	// arriving before then wait in held so their SYNC_STEP2 carries it.
	seeded bool
	held   []messageEvent

	graceGen uint64
	dirty    bool
	saving   bool
	editor   string
	// lastSave is closed when the most recent flush finishes; each flush
	// waits for its predecessor so saves land in order.
	lastSave chan struct{}
	// changedSinceSnapshot is set by any merged edit and cleared by the
	// final auto snapshot.
	changedSinceSnapshot bool
	// settled is created when the room leaves the arena and closed when
	// its final save is done.
	settled chan struct{}
}

func newRoom(srv *Server, key, docID string) *Room {
	return &Room{
		key:     key,
		docID:   docID,
		srv:     srv,
		inbox:   make(chan any, inboxSize),
		done:    make(chan struct{}),
		members: make(map[*Conn]struct{}),
		owned:   make(map[*Conn]map[string]struct{}),
		replica: crdt.NewReplica("relay-" + srv.instanceID + "-" + docID),
		aware:   awareness.NewTracker("", awareness.WithClock(srv.now), awareness.WithExpiry(srv.opts.AwarenessExpiry)),
		seeded:  srv.persist == nil,
	}
}

// post delivers ev unless the room has been torn down.
func (r *Room) post(ev any) {
	select {
	case r.inbox <- ev:
	case <-r.done:
	}
}

func (r *Room) run() {
	defer r.srv.wg.Done()

	purge := time.NewTicker(r.srv.opts.AwarenessExpiry / 2)
	defer purge.Stop()
	autosave := time.NewTicker(r.srv.opts.AutosaveInterval)
	defer autosave.Stop()

	for {
		select {
		case ev := <-r.inbox:
			if r.handle(ev) {
				return
			}
		case <-purge.C:
			r.purge()
		case <-autosave.C:
			r.autosave()
		case <-r.srv.ctx.Done():
			r.shutdown()
			return
		}
	}
}

// handle processes one event and reports whether the room was torn down.
func (r *Room) handle(ev any) bool {
	switch ev := ev.(type) {
	case joinEvent:
		r.join(ev.conn)
	case leaveEvent:
		r.remove(ev.conn, nil)
		r.srv.release(r)
		r.maybeStartGrace()
	case messageEvent:
		r.message(ev.conn, ev.frame, ev.raw)
	case busEvent:
		r.remoteFrame(ev.frame)
	case seedEvent:
		r.seed(ev.update)
	case handshakeEvent:
		if _, ok := r.members[ev.conn]; ok && ev.conn.State() == Syncing {
			slog.Warn("handshake timed out", "room", r.key, "conn", ev.conn.id)
			r.drop(ev.conn, errs.Newf(errs.CodeSyncTimeout, "handshake", "no SYNC_STEP2 within %s", r.srv.opts.HandshakeTimeout))
		}
	case graceEvent:
		if ev.gen == r.graceGen && len(r.members) == 0 && r.srv.retire(r) {
			r.finalFlush()
			slog.Debug("room torn down", "room", r.key)
			return true
		}
	case savedEvent:
		r.saving = false
		if ev.err != nil {
			r.dirty = true
			slog.Warn("autosave failed", "room", r.key, "error", ev.err, "retryable", errs.Retryable(ev.err))
		}
	case queryEvent:
		r.aware.Purge(r.srv.now())
		ev.reply <- r.aware.List()
	}
	return false
}

func (r *Room) join(c *Conn) {
	r.members[c] = struct{}{}
	r.graceGen++
	c.setState(Syncing)
	slog.Debug("joined", "room", r.key, "conn", c.id, "user", c.userID, "members", len(r.members))

	timeout := r.srv.opts.HandshakeTimeout
	time.AfterFunc(timeout, func() { r.post(handshakeEvent{conn: c}) })
}

func (r *Room) message(c *Conn, f wire.Frame, raw []byte) {
	if _, ok := r.members[c]; !ok {
		return
	}
	switch f.Kind {
	case wire.SyncStep1:
		if !r.seeded {
			r.held = append(r.held, messageEvent{conn: c, frame: f, raw: raw})
			return
		}
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			slog.Warn("bad state vector", "room", r.key, "conn", c.id, "error", err)
			return
		}
		r.send(c, wire.Frame{Kind: wire.SyncStep2, Payload: r.replica.DiffSince(sv)})
		r.send(c, wire.Frame{Kind: wire.SyncStep1, Payload: r.replica.StateVector().Encode()})
		if state, err := r.aware.Encode(); err == nil && state != nil {
			r.send(c, wire.Frame{Kind: wire.Awareness, Payload: state})
		}

	case wire.SyncStep2:
		if !r.merge(c, f.Payload) {
			return
		}
		if c.State() == Syncing {
			c.setState(Active)
			slog.Debug("handshake complete", "room", r.key, "conn", c.id)
		}
		if !crdt.Update(f.Payload).IsEmpty() {
			r.forward(c, wire.Frame{Kind: wire.Update, Payload: f.Payload})
		}

	case wire.Update:
		if r.merge(c, f.Payload) {
			r.forward(c, f)
		}

	case wire.Awareness:
		if _, err := r.aware.Apply(f.Payload); err != nil {
			slog.Warn("bad awareness update", "room", r.key, "conn", c.id, "error", err)
			return
		}
		ids, _ := awareness.ClientIDs(f.Payload)
		set := r.owned[c]
		if set == nil {
			set = make(map[string]struct{})
			r.owned[c] = set
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		r.broadcast(c, raw)
		r.srv.publish(r.key, f)
	}
}

// merge caches a client update in the room replica. A malformed update is
// not forwarded; the sender is asked to resync instead.
func (r *Room) merge(c *Conn, u []byte) bool {
	if err := r.replica.ApplyRemote(u); err != nil {
		slog.Warn("bad update, requesting resync", "room", r.key, "conn", c.id, "error", err)
		r.send(c, wire.Frame{Kind: wire.SyncStep1, Payload: r.replica.StateVector().Encode()})
		return false
	}
	if !crdt.Update(u).IsEmpty() {
		r.dirty = true
		r.changedSinceSnapshot = true
		r.editor = c.userID
	}
	return true
}

// forward broadcasts a frame from c and publishes it to other instances.
func (r *Room) forward(c *Conn, f wire.Frame) {
	r.broadcast(c, wire.Encode(f))
	r.srv.publish(r.key, f)
}

// remoteFrame handles a frame published by another relay instance.
func (r *Room) remoteFrame(f wire.Frame) {
	switch f.Kind {
	case wire.Update:
		if err := r.replica.ApplyRemote(f.Payload); err != nil {
			slog.Warn("bad update from bus", "room", r.key, "error", err)
			return
		}
	case wire.Awareness:
		if _, err := r.aware.Apply(f.Payload); err != nil {
			slog.Warn("bad awareness from bus", "room", r.key, "error", err)
			return
		}
	default:
		return
	}
	r.broadcast(nil, wire.Encode(f))
}

// seed merges persisted state loaded after the room was created, pushes it
// to everyone already connected and answers the handshakes held for it. A
// nil update marks the room seeded with nothing to merge.
func (r *Room) seed(u crdt.Update) {
	if u != nil {
		if err := r.replica.ApplyRemote(u); err != nil {
			slog.Error("persisted state unreadable", "room", r.key, "error", err)
		} else {
			slog.Debug("room seeded", "room", r.key, "elements", r.replica.Len())
			if !u.IsEmpty() {
				r.broadcast(nil, wire.Encode(wire.Frame{Kind: wire.Update, Payload: u}))
			}
		}
	}
	if r.seeded {
		return
	}
	r.seeded = true
	held := r.held
	r.held = nil
	for _, ev := range held {
		r.message(ev.conn, ev.frame, ev.raw)
	}
}

// send queues a frame for one connection, dropping it if the queue is full.
func (r *Room) send(c *Conn, f wire.Frame) {
	if !c.enqueue(wire.Encode(f)) {
		r.drop(c, errs.Newf(errs.CodeCapacity, "send", "send queue full (%d)", cap(c.send)))
	}
}

// broadcast queues data for every member except from. Members whose queue
// is full are dropped before broadcast returns.
func (r *Room) broadcast(from *Conn, data []byte) {
	var full []*Conn
	for c := range r.members {
		if c == from {
			continue
		}
		if !c.enqueue(data) {
			full = append(full, c)
		}
	}
	for _, c := range full {
		r.drop(c, errs.Newf(errs.CodeCapacity, "broadcast", "send queue full (%d)", cap(c.send)))
	}
}

// drop closes c with reason and removes it at once.
func (r *Room) drop(c *Conn, reason error) {
	if _, ok := r.members[c]; !ok {
		return
	}
	if c.State() == Closed {
		// The writer already failed; nothing to report.
		reason = nil
	} else if reason != nil {
		slog.Warn("dropping connection", "room", r.key, "conn", c.id, "error", reason)
	}
	r.remove(c, reason)
}

// remove ends c's membership and broadcasts the removal of its awareness
// entries. Removing a non-member is a no-op.
func (r *Room) remove(c *Conn, reason error) {
	if _, ok := r.members[c]; !ok {
		return
	}
	delete(r.members, c)
	c.close(reason)

	ids := make([]string, 0, len(r.owned[c]))
	for id := range r.owned[c] {
		ids = append(ids, id)
	}
	delete(r.owned, c)
	sort.Strings(ids)

	slog.Debug("left", "room", r.key, "conn", c.id, "members", len(r.members))
	if len(ids) == 0 {
		return
	}
	data, _, err := r.aware.Remove(ids...)
	if err != nil || data == nil {
		return
	}
	f := wire.Frame{Kind: wire.Awareness, Payload: data}
	r.broadcast(nil, wire.Encode(f))
	r.srv.publish(r.key, f)
}

func (r *Room) maybeStartGrace() {
	if len(r.members) > 0 {
		return
	}
	r.graceGen++
	gen := r.graceGen
	time.AfterFunc(r.srv.opts.RoomGrace, func() { r.post(graceEvent{gen: gen}) })
}

func (r *Room) purge() {
	if ch := r.aware.Purge(r.srv.now()); len(ch.Removed) > 0 {
		slog.Debug("awareness expired", "room", r.key, "clients", ch.Removed)
	}
}

func (r *Room) autosave() {
	if r.dirty && !r.saving {
		r.flush(false)
	}
}

// flush hands the room's content to the persistence layer in the
// background. The final flush also records an auto snapshot when anything
// changed during the session. Broadcasting never waits on it. The returned
// channel is closed once the room's latest save finishes; it is nil when
// the room never saved.
func (r *Room) flush(final bool) <-chan struct{} {
	p := r.srv.persist
	if p == nil || (!r.dirty && !(final && r.changedSinceSnapshot)) {
		return r.lastSave
	}
	doc := r.replica.Materialize()
	state := r.replica.EncodeState()
	editor := r.editor
	snapshot := final && r.changedSinceSnapshot
	r.dirty = false
	r.saving = !final
	if snapshot {
		r.changedSinceSnapshot = false
	}

	prev := r.lastSave
	finished := make(chan struct{})
	r.lastSave = finished

	r.srv.wg.Add(1)
	go func() {
		defer r.srv.wg.Done()
		defer close(finished)
		if prev != nil {
			<-prev
		}
		err := save(context.Background(), p, r.docID, doc, state, editor, snapshot)
		if err == nil {
			slog.Debug("room saved", "room", r.key, "snapshot", snapshot)
		} else if final {
			slog.Error("final save failed", "room", r.key, "error", err)
		}
		if !final {
			r.post(savedEvent{err: err})
		}
	}()
	return finished
}

// shutdown closes every member and flushes once more.
func (r *Room) shutdown() {
	for c := range r.members {
		delete(r.members, c)
		c.close(nil)
	}
	r.srv.forget(r)
	r.finalFlush()
}

// finalFlush saves the room one last time after it left the arena, and
// releases a successor room waiting to seed once every save of this room
// has landed.
func (r *Room) finalFlush() {
	last := r.flush(true)
	srv, key, settled := r.srv, r.key, r.settled
	if last == nil {
		srv.settle(key, settled)
		return
	}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		<-last
		srv.settle(key, settled)
	}()
}

// loadSeed reads the room's persisted state: the binary CRDT state when one
// was saved, otherwise a replica rebuilt from the stored content. Content
// written outside a room (a CLI save, a restore) can be newer than the
// state; the state is then rewritten to match it before seeding, so the
// room's first autosave does not put the old text back.
func loadSeed(ctx context.Context, p Persistence, docID string) (crdt.Update, error) {
	doc, err := p.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	state, err := p.LoadState(ctx, docID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return seedFromContent(docID, doc)
	}
	u, changed, err := crdt.Reconcile(docID, state, doc.Content)
	if err != nil {
		return nil, err
	}
	if changed {
		slog.Info("stored content newer than saved state, reconciled", "document", docID)
	}
	return u, nil
}

func seedFromContent(docID string, doc model.Document) (crdt.Update, error) {
	replicaID, err := crdt.SeedReplicaID(docID, doc.Content)
	if err != nil {
		return nil, err
	}
	r, err := crdt.FromContent(replicaID, doc.Content)
	if err != nil {
		return nil, err
	}
	return r.EncodeState(), nil
}
