// Package relay is the session relay: it groups websocket connections into
// rooms keyed by document id, runs the state-vector handshake and
// rebroadcasts updates and awareness within a room.
//
// The relay is a peer, not an authority. Each room keeps a replica only as
// a cache so late joiners can catch up; clients still merge every update
// themselves. A room is owned by one goroutine that consumes its inbox, so
// membership changes and broadcasts are serialized per room and rooms never
// block one another.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
	"github.com/roach88/notepulse/internal/wire"
)

// Options are the relay's timing and capacity limits.
type Options struct {
	HandshakeTimeout time.Duration
	SendQueue        int
	RoomGrace        time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	AutosaveInterval time.Duration
	AwarenessExpiry  time.Duration
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		SendQueue:        256,
		RoomGrace:        30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		AutosaveInterval: 5 * time.Second,
		AwarenessExpiry:  awareness.DefaultExpiry,
	}
}

// Persistence is the part of the bridge the relay uses to seed rooms and
// save their content. *bridge.Bridge satisfies it.
type Persistence interface {
	LoadDocument(ctx context.Context, id string) (model.Document, error)
	LoadState(ctx context.Context, documentID string) ([]byte, error)
	SaveLatestContent(ctx context.Context, documentID string, doc content.Doc, editorID string) (bool, error)
	SaveSnapshot(ctx context.Context, documentID string, doc content.Doc, typ model.SnapshotType, authorID string) (model.Snapshot, error)
	SaveState(ctx context.Context, documentID string, state []byte) error
}

// publishQueue bounds frames waiting to go out on the bus.
const publishQueue = 1024

// Server owns every room of one relay process.
type Server struct {
	opts       Options
	persist    Persistence
	bus        Bus
	instanceID string
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pubq   chan BusMessage

	mu    sync.Mutex
	rooms map[string]*Room
	// settling maps a room key to the final save of its retired room. A
	// new room for the key seeds only after that save is done.
	settling map[string]chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithPersistence enables room seeding and autosave.
func WithPersistence(p Persistence) Option {
	return func(s *Server) { s.persist = p }
}

// WithBus shares rooms with other relay instances.
func WithBus(b Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithClock replaces time.Now for awareness expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithInstanceID fixes the instance id used to suppress bus echo.
func WithInstanceID(id string) Option {
	return func(s *Server) { s.instanceID = id }
}

// NewServer creates a relay. Call Close to stop it.
func NewServer(opts Options, options ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),

		settling: make(map[string]chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.instanceID == "" {
		s.instanceID = uuid.Must(uuid.NewV7()).String()
	}
	if s.bus != nil {
		s.pubq = make(chan BusMessage, publishQueue)
		s.wg.Add(1)
		go s.publishLoop()
	}
	return s
}

// InstanceID identifies this relay process on the bus.
func (s *Server) InstanceID() string { return s.instanceID }

// Close disconnects every client, flushes every room and waits for
// in-flight saves.
func (s *Server) Close() error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Rooms returns the keys of live rooms.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.rooms))
	for k := range s.rooms {
		keys = append(keys, k)
	}
	return keys
}

// join registers c with the room for key, creating the room if needed.
func (s *Server) join(key, docID string, c *Conn) (*Room, error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, errors.New("relay is shutting down")
	}
	r, ok := s.rooms[key]
	if !ok {
		r = newRoom(s, key, docID)
		s.rooms[key] = r
		s.wg.Add(1)
		go r.run()
		s.startRoom(r, s.settling[key])
		slog.Debug("room created", "room", key)
	}
	r.refs++
	s.mu.Unlock()

	// The room cannot retire while refs > 0, so this send is safe.
	r.post(joinEvent{conn: c})
	return r, nil
}

// startRoom launches the room's seeding and bus subscription. Seeding
// waits for settled, the final save of the room's predecessor, when set.
func (s *Server) startRoom(r *Room, settled <-chan struct{}) {
	if s.persist != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if settled != nil {
				<-settled
			}
			u, err := loadSeed(context.Background(), s.persist, r.docID)
			switch {
			case errs.IsNotFound(err):
				slog.Debug("no persisted document", "room", r.key)
			case err != nil:
				slog.Warn("room seeding failed", "room", r.key, "error", err)
			}
			// Posted even on failure: held handshakes must not wait forever.
			r.post(seedEvent{update: u})
		}()
	}
	if s.bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.subscribe(r)
		}()
	}
}

func (s *Server) subscribe(r *Room) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	msgs, err := s.bus.Subscribe(ctx, r.key)
	if err != nil {
		slog.Warn("bus subscribe failed", "room", r.key, "error", err)
		return
	}
	for m := range msgs {
		if m.Origin == s.instanceID {
			continue
		}
		f, err := wire.Decode(m.Frame)
		if err != nil {
			slog.Warn("dropping malformed bus frame", "room", r.key, "origin", m.Origin, "error", err)
			continue
		}
		r.post(busEvent{frame: f})
	}
}

// release drops one reference after the room processed a leave.
func (s *Server) release(r *Room) {
	s.mu.Lock()
	r.refs--
	s.mu.Unlock()
}

// retire removes an idle room from the arena. It fails when a connection
// joined after the room went idle.
func (s *Server) retire(r *Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.refs > 0 {
		return false
	}
	s.forgetLocked(r)
	return true
}

// forget removes r unconditionally during shutdown.
func (s *Server) forget(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(r)
}

func (s *Server) forgetLocked(r *Room) {
	if s.rooms[r.key] == r {
		delete(s.rooms, r.key)
	}
	close(r.done)
	r.settled = make(chan struct{})
	s.settling[r.key] = r.settled
}

// settle marks a retired room's final save done.
func (s *Server) settle(key string, settled chan struct{}) {
	s.mu.Lock()
	if s.settling[key] == settled {
		delete(s.settling, key)
	}
	s.mu.Unlock()
	close(settled)
}

// publish queues a frame for other instances without blocking the room.
func (s *Server) publish(key string, f wire.Frame) {
	if s.bus == nil {
		return
	}
	select {
	case s.pubq <- BusMessage{Room: key, Origin: s.instanceID, Frame: wire.Encode(f)}:
	default:
		slog.Warn("bus publish queue full, dropping frame", "room", key, "kind", f.Kind)
	}
}

func (s *Server) publishLoop() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.pubq:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
			if err := s.bus.Publish(ctx, m); err != nil {
				slog.Warn("bus publish failed", "room", m.Room, "error", err)
			}
			cancel()
		case <-s.ctx.Done():
			return
		}
	}
}

// ListAwareness returns the live awareness entries of a room, after
// purging expired ones. An unknown room has none.
func (s *Server) ListAwareness(ctx context.Context, key string) ([]awareness.State, error) {
	s.mu.Lock()
	r, ok := s.rooms[key]
	s.mu.Unlock()
	if !ok {
		return []awareness.State{}, nil
	}

	reply := make(chan []awareness.State, 1)
	select {
	case r.inbox <- queryEvent{reply: reply}:
	case <-r.done:
		return []awareness.State{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case states := <-reply:
		return states, nil
	case <-r.done:
		return []awareness.State{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// save writes one flush: content, then CRDT state, then the auto snapshot
// when requested.
func save(ctx context.Context, p Persistence, docID string, doc content.Doc, state []byte, editor string, snapshot bool) error {
	if _, err := p.SaveLatestContent(ctx, docID, doc, editor); err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	if err := p.SaveState(ctx, docID, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if snapshot {
		if _, err := p.SaveSnapshot(ctx, docID, doc, model.SnapshotAuto, editor); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	return nil
}
