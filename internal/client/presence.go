package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/wire"
)

// RelayAwareness reads a room's live awareness from the relay's HTTP
// endpoint. It lets a process that is not in the room show who is.
type RelayAwareness struct {
	RelayURL   string
	DocumentID string
	HTTP       *http.Client
}

// Peers implements awareness.PresenceSource.
func (r RelayAwareness) Peers(ctx context.Context) ([]awareness.Peer, error) {
	states, err := r.states(ctx)
	if err != nil {
		return nil, err
	}
	return awareness.PeersOf(states), nil
}

func (r RelayAwareness) states(ctx context.Context) ([]awareness.State, error) {
	base, err := url.Parse(strings.TrimSuffix(r.RelayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	switch base.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	}
	target := base.JoinPath("rooms", wire.RoomKey(r.DocumentID), "awareness")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	hc := r.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch awareness: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch awareness: relay answered %s", resp.Status)
	}

	var states []awareness.State
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("decode awareness: %w", err)
	}
	return states, nil
}
