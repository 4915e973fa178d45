package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/notepulse/internal/bridge"
	"github.com/roach88/notepulse/internal/config"
	"github.com/roach88/notepulse/internal/offline"
	"github.com/roach88/notepulse/internal/pgstore"
	"github.com/roach88/notepulse/internal/relay"
	"github.com/roach88/notepulse/internal/store"
)

var (
	_ bridge.Store      = (*store.Store)(nil)
	_ bridge.Store      = (*pgstore.Store)(nil)
	_ relay.Persistence = (*bridge.Bridge)(nil)
)

// openStore opens the durable store selected by cfg.
func openStore(ctx context.Context, cfg config.Config) (bridge.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		st, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite:
		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// openBridge opens the store and wraps it in a bridge. closeStore releases
// the store.
func openBridge(ctx context.Context, cfg config.Config) (b *bridge.Bridge, closeStore func(), err error) {
	slog.Debug("opening store", "driver", cfg.Store.Driver)
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, WrapExitError(ExitFailure, "failed to open store", err)
	}
	closeStore = func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing store", "error", err)
		}
	}
	return bridge.New(st, bridge.WithTimeout(cfg.Persistence.Timeout)), closeStore, nil
}

// openOffline opens the client cache at cfg's path. An empty path disables
// the cache and returns nil.
func openOffline(cfg config.Config) (*offline.Cache, error) {
	if cfg.Client.OfflinePath == "" {
		return nil, nil
	}
	cache, err := offline.Open(cfg.Client.OfflinePath)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open offline cache", err)
	}
	return cache, nil
}

func relayOptions(cfg config.Config) relay.Options {
	return relay.Options{
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		SendQueue:        cfg.Relay.SendQueue,
		RoomGrace:        cfg.Relay.RoomGrace,
		WriteTimeout:     cfg.Relay.WriteTimeout,
		PingInterval:     cfg.Relay.PingInterval,
		AutosaveInterval: cfg.Relay.AutosaveInterval,
		AwarenessExpiry:  cfg.Awareness.Expiry,
	}
}
