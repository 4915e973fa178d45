// Package awareness replicates ephemeral per-client presence (identity and
// cursor) alongside document updates. Nothing here is ever persisted.
//
// Each client owns one entry, overwritten wholesale with a strictly
// increasing clock. Receivers keep the highest clock seen per client and
// discard anything lower or equal, so reordered delivery is harmless. Entries
// not refreshed within the expiry window are purged and reported as removed.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/notepulse/internal/crdt"
	"github.com/roach88/notepulse/internal/errs"
)

// Default timing. Heartbeat must stay well below Expiry.
const (
	DefaultHeartbeat = 15 * time.Second
	DefaultExpiry    = 30 * time.Second
)

// Cursor is a selection expressed in element ids so it survives concurrent
// edits. Anchor == Head for a caret.
type Cursor struct {
	Anchor crdt.ID `json:"anchor"`
	Head   crdt.ID `json:"head"`
}

// State is one client's awareness entry.
type State struct {
	ClientID    string  `json:"clientId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
	Clock       uint64  `json:"clock"`
}

// Change lists client ids affected by an Apply, Remove or Purge.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type entry struct {
	state State
	seen  time.Time
}

// Tracker holds the awareness view of one document for one participant.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	localID string
	expiry  time.Duration
	now     func() time.Time

	entries map[string]*entry
	// clocks keeps the last clock per client, including removed clients, so
	// a stale state cannot resurrect an entry.
	clocks map[string]uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithExpiry sets the purge window.
func WithExpiry(d time.Duration) Option {
	return func(t *Tracker) { t.expiry = d }
}

// NewTracker creates a tracker. localID is the client id owned by this
// participant; the relay passes "" since it has no entry of its own.
func NewTracker(localID string, opts ...Option) *Tracker {
	t := &Tracker{
		localID: localID,
		expiry:  DefaultExpiry,
		now:     time.Now,
		entries: make(map[string]*entry),
		clocks:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LocalID returns the client id this tracker publishes under.
func (t *Tracker) LocalID() string {
	return t.localID
}

// SetLocal replaces the local entry and returns the encoded message to
// broadcast. ClientID and Clock are assigned by the tracker.
func (t *Tracker) SetLocal(s State) ([]byte, error) {
	if t.localID == "" {
		return nil, fmt.Errorf("set local awareness: tracker has no local client")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s.ClientID = t.localID
	s.Clock = t.clocks[t.localID] + 1
	t.clocks[t.localID] = s.Clock
	t.entries[t.localID] = &entry{state: s, seen: t.now()}
	return encode([]wireEntry{{clientID: s.ClientID, clock: s.Clock, state: &s}})
}

// Heartbeat re-emits the local entry with a bumped clock so peers keep it
// alive. It returns nil when no local state has been set.
func (t *Tracker) Heartbeat() ([]byte, error) {
	t.mu.Lock()
	e, ok := t.entries[t.localID]
	t.mu.Unlock()
	if !ok || t.localID == "" {
		return nil, nil
	}
	return t.SetLocal(e.state)
}

// Apply merges an encoded message from a peer. Entries with a clock lower
// or equal to the last seen for that client are discarded, except a null
// state at the entry's own clock: removals are stamped with the clock they
// retract. Updates claiming the local client id are ignored, but their
// clock is absorbed so the next local state supersedes them.
func (t *Tracker) Apply(data []byte) (Change, error) {
	in, err := decode(data)
	if err != nil {
		return Change{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var ch Change
	now := t.now()
	for _, we := range in {
		if we.clientID == t.localID && t.localID != "" {
			if we.clock > t.clocks[t.localID] {
				t.clocks[t.localID] = we.clock
			}
			continue
		}
		if last, ok := t.clocks[we.clientID]; ok && !t.supersedes(we, last) {
			continue
		}
		t.clocks[we.clientID] = we.clock

		if we.state == nil {
			if _, ok := t.entries[we.clientID]; ok {
				delete(t.entries, we.clientID)
				ch.Removed = append(ch.Removed, we.clientID)
			}
			continue
		}
		s := *we.state
		s.ClientID = we.clientID
		s.Clock = we.clock
		if _, ok := t.entries[we.clientID]; ok {
			ch.Updated = append(ch.Updated, we.clientID)
		} else {
			ch.Added = append(ch.Added, we.clientID)
		}
		t.entries[we.clientID] = &entry{state: s, seen: now}
	}
	return ch, nil
}

// supersedes reports whether we replaces what was last seen at clock last.
// Caller holds t.mu.
func (t *Tracker) supersedes(we wireEntry, last uint64) bool {
	if we.clock != last {
		return we.clock > last
	}
	_, live := t.entries[we.clientID]
	return we.state == nil && live
}

// Remove drops the given clients and returns the encoded removal message
// for peers. Unknown ids are skipped. The removal carries the entry's
// current clock, leaving the next clock to the client itself, so a client
// that reconnects is not shadowed by its own removal.
func (t *Tracker) Remove(ids ...string) ([]byte, Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ch Change
	var out []wireEntry
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		delete(t.entries, id)
		out = append(out, wireEntry{clientID: id, clock: e.state.Clock})
		ch.Removed = append(ch.Removed, id)
	}
	if len(out) == 0 {
		return nil, ch, nil
	}
	data, err := encode(out)
	return data, ch, err
}

// Purge removes remote entries last refreshed before now-expiry. The local
// entry never expires.
func (t *Tracker) Purge(now time.Time) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ch Change
	for id, e := range t.entries {
		if id == t.localID {
			continue
		}
		if now.Sub(e.seen) > t.expiry {
			delete(t.entries, id)
			ch.Removed = append(ch.Removed, id)
		}
	}
	sort.Strings(ch.Removed)
	return ch
}

// List returns current entries ordered by client id.
func (t *Tracker) List() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Encode returns a message carrying the current entries for ids, or every
// entry when ids is empty. Used to bring a joining peer up to date.
func (t *Tracker) Encode(ids ...string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ids) == 0 {
		for id := range t.entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	var out []wireEntry
	for _, id := range ids {
		if e, ok := t.entries[id]; ok {
			s := e.state
			out = append(out, wireEntry{clientID: id, clock: s.Clock, state: &s})
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return encode(out)
}

// ClientIDs decodes a message and returns the client ids it mentions.
// The relay uses it to learn which entries belong to a connection.
func ClientIDs(data []byte) ([]string, error) {
	in, err := decode(data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(in))
	for _, we := range in {
		ids = append(ids, we.clientID)
	}
	return ids, nil
}

// Message layout: varint n | n × (string clientId | varint clock | bytes json)
// where json is "null" for a removal.
type wireEntry struct {
	clientID string
	clock    uint64
	state    *State
}

var nullState = []byte("null")

func encode(entries []wireEntry) ([]byte, error) {
	b := protowire.AppendVarint(nil, uint64(len(entries)))
	for _, we := range entries {
		b = protowire.AppendString(b, we.clientID)
		b = protowire.AppendVarint(b, we.clock)
		js := nullState
		if we.state != nil {
			var err error
			if js, err = json.Marshal(we.state); err != nil {
				return nil, fmt.Errorf("encode awareness state: %w", err)
			}
		}
		b = protowire.AppendBytes(b, js)
	}
	return b, nil
}

func decode(data []byte) ([]wireEntry, error) {
	fail := func(format string, args ...any) ([]wireEntry, error) {
		return nil, errs.Newf(errs.CodeDecode, "decode awareness", format, args...)
	}

	n, k := protowire.ConsumeVarint(data)
	if k < 0 {
		return fail("%v", protowire.ParseError(k))
	}
	data = data[k:]
	if n > uint64(len(data)) {
		return fail("count %d exceeds payload", n)
	}

	out := make([]wireEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, k := protowire.ConsumeString(data)
		if k < 0 {
			return fail("entry %d: %v", i, protowire.ParseError(k))
		}
		data = data[k:]
		clock, k := protowire.ConsumeVarint(data)
		if k < 0 {
			return fail("entry %d: %v", i, protowire.ParseError(k))
		}
		data = data[k:]
		js, k := protowire.ConsumeBytes(data)
		if k < 0 {
			return fail("entry %d: %v", i, protowire.ParseError(k))
		}
		data = data[k:]

		if id == "" || clock == 0 {
			return fail("entry %d: empty client id or zero clock", i)
		}
		we := wireEntry{clientID: id, clock: clock}
		if string(js) != string(nullState) {
			var s State
			if err := json.Unmarshal(js, &s); err != nil {
				return fail("entry %d: %v", i, err)
			}
			we.state = &s
		}
		out = append(out, we)
	}
	if len(data) > 0 {
		return fail("%d trailing bytes", len(data))
	}
	return out, nil
}
