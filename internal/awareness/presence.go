package awareness

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/roach88/notepulse/internal/model"
)

// Source names where a Peer came from.
type Source string

const (
	SourceAwareness Source = "awareness"
	SourceStore     Source = "store"
)

// Peer is one user shown as present on a document.
type Peer struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Source   Source `json:"source"`
}

// PresenceSource reports who is currently on a document.
type PresenceSource interface {
	Peers(ctx context.Context) ([]Peer, error)
}

// LiveAwareness reports the entries of a Tracker.
type LiveAwareness struct {
	Tracker *Tracker
}

// Peers implements PresenceSource.
func (l LiveAwareness) Peers(context.Context) ([]Peer, error) {
	if l.Tracker == nil {
		return nil, nil
	}
	return PeersOf(l.Tracker.List()), nil
}

// PeersOf maps awareness entries to peers, filling in the anonymous name
// and a derived color where the entry has none.
func PeersOf(states []State) []Peer {
	peers := make([]Peer, 0, len(states))
	for _, s := range states {
		name := s.DisplayName
		if name == "" {
			name = "Anonymous"
		}
		color := s.Color
		if color == "" {
			color = ColorFor(s.ClientID)
		}
		peers = append(peers, Peer{ClientID: s.ClientID, Name: name, Color: color, Source: SourceAwareness})
	}
	return peers
}

// PresenceLister reads the store's presence table.
type PresenceLister interface {
	ListPresence(ctx context.Context, documentID string, since time.Time) ([]model.Presence, error)
}

// DefaultPollInterval bounds how often StorePolled queries the store.
const DefaultPollInterval = 30 * time.Second

// StorePolled reports presence rows seen within Window, querying the store
// at most once per Interval.
type StorePolled struct {
	Lister     PresenceLister
	DocumentID string
	Window     time.Duration
	Interval   time.Duration
	Now        func() time.Time

	mu      sync.Mutex
	fetched time.Time
	cached  []Peer
}

// Peers implements PresenceSource.
func (s *StorePolled) Peers(ctx context.Context) ([]Peer, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	window := s.Window
	if window <= 0 {
		window = DefaultExpiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := now()
	if !s.fetched.IsZero() && t.Sub(s.fetched) < interval {
		return s.cached, nil
	}
	rows, err := s.Lister.ListPresence(ctx, s.DocumentID, t.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("poll presence: %w", err)
	}
	peers := make([]Peer, 0, len(rows))
	for _, p := range rows {
		name := p.UserID
		if len(name) > 8 {
			name = name[:8]
		}
		peers = append(peers, Peer{ClientID: p.UserID, Name: name, Color: ColorFor(p.UserID), Source: SourceStore})
	}
	s.fetched = t
	s.cached = peers
	return peers, nil
}

type selected struct {
	live, polled PresenceSource
}

// Select returns a source that reports live awareness whenever it names
// anyone, and falls back to polled otherwise.
func Select(live, polled PresenceSource) PresenceSource {
	return selected{live: live, polled: polled}
}

func (s selected) Peers(ctx context.Context) ([]Peer, error) {
	if s.live != nil {
		peers, err := s.live.Peers(ctx)
		if err == nil && len(peers) > 0 {
			return peers, nil
		}
	}
	if s.polled == nil {
		return nil, nil
	}
	return s.polled.Peers(ctx)
}

// ColorFor derives a stable cursor color from a user id.
func ColorFor(userID string) string {
	if userID == "" {
		return "#64748b"
	}
	var h int32
	for _, c := range utf16.Encode([]rune(userID)) {
		h = h<<5 - h + int32(c)
	}
	return fmt.Sprintf("#%06x", uint32(h)&0xffffff)
}
