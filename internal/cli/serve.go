package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/notepulse/internal/relay"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	RedisURL string

	// ready, when set, receives the bound address once the relay accepts
	// connections (for testing).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session relay",
		Long: `Run the session relay.

The relay accepts editor connections on /rooms/doc-<documentId>, runs the
sync handshake, rebroadcasts edits and presence within each room and saves
room content to the configured store. With a redis URL, several relays
share rooms through redis pub/sub.

Example:
  notepulse serve --listen :1234
  notepulse serve --config notepulse.yaml --redis redis://localhost:6379/0`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides relay.listen)")
	cmd.Flags().StringVar(&opts.RedisURL, "redis", "", "redis URL for cross-instance fan-out (overrides redis.url)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Relay.Listen = opts.Listen
	}
	if opts.RedisURL != "" {
		cfg.Redis.URL = opts.RedisURL
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeStore, err := openBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	serverOpts := []relay.Option{relay.WithPersistence(b)}
	if cfg.Redis.URL != "" {
		bus, err := relay.NewRedisBus(ctx, cfg.Redis.URL)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to connect bus", err)
		}
		defer bus.Close()
		serverOpts = append(serverOpts, relay.WithBus(bus))
		slog.Info("cross-instance fan-out enabled")
	}

	srv := relay.NewServer(relayOptions(cfg), serverOpts...)

	ln, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		_ = srv.Close()
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := ln.Addr().String()
	slog.Info("relay starting", "addr", addr, "store", cfg.Store.Driver)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.ready != nil {
		opts.ready <- addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.WriteTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		// Rooms close their websockets and flush their final saves here.
		_ = srv.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "relay error", err)
	}
	slog.Info("relay stopped gracefully")
	return nil
}
