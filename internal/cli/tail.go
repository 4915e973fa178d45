package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/client"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	User     string
	Name     string
	RelayURL string
	Once     bool
	NoCache  bool
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail [document-id]",
		Short: "Follow a document live",
		Long: `Join a document's room as a collaborator and print its text whenever it
changes, along with connection status and who is present.

Without a document id the user's default document is opened. The replica is
kept in the offline cache, so tail resumes where it left off when the relay
is unreachable.

Example:
  notepulse tail --user 0f6c... --name Ada
  notepulse tail 0192... --user 0f6c... --once --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "acting user id (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name shown to others")
	cmd.Flags().StringVar(&opts.RelayURL, "relay", "", "relay URL (overrides client.relay_url)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print the synced document once and exit")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "do not use the offline cache")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// tailEvent is one line of tail output.
type tailEvent struct {
	Type   string           `json:"type"` // "status" | "content"
	Status client.Status    `json:"status,omitempty"`
	Text   string           `json:"text,omitempty"`
	Peers  []awareness.Peer `json:"peers,omitempty"`
}

func (e tailEvent) String() string {
	if e.Type == "status" {
		return fmt.Sprintf("[%s]", e.Status)
	}
	return fmt.Sprintf("%s\n-- present: %s", e.Text, peersView(e.Peers).names())
}

func runTail(opts *TailOptions, args []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.RelayURL != "" {
		cfg.Client.RelayURL = opts.RelayURL
	}
	if opts.NoCache {
		cfg.Client.OfflinePath = ""
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeStore, err := openBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, err := openOffline(cfg)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	var docID string
	if len(args) == 1 {
		docID = args[0]
	} else {
		var hint string
		if cache != nil {
			hint, _ = cache.Hint(opts.User)
		}
		doc, err := b.GetOrCreateDefaultDocument(ctx, opts.User, hint)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to get default document", err)
		}
		docID = doc.ID
	}

	p, err := client.New(client.Options{
		RelayURL:     cfg.Client.RelayURL,
		DocumentID:   docID,
		UserID:       opts.User,
		Heartbeat:    cfg.Awareness.Heartbeat,
		Expiry:       cfg.Awareness.Expiry,
		WriteTimeout: cfg.Relay.WriteTimeout,
		Cache:        cache,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open document", err)
	}
	name := opts.Name
	if name == "" {
		name = opts.User
	}
	if err := p.SetPresence(awareness.State{DisplayName: name, Color: awareness.ColorFor(opts.User)}); err != nil {
		return WrapExitError(ExitFailure, "failed to set presence", err)
	}

	runDone := make(chan error, 1)
	runCtx, cancelRun := context.WithCancel(ctx)
	go func() { runDone <- p.Run(runCtx) }()
	defer func() {
		cancelRun()
		if err := <-runDone; err != nil {
			slog.Warn("provider stopped with error", "error", err)
		}
	}()

	out := opts.formatter(cmd)
	present := presenceSource(cfg, b, docID, p.Awareness())
	contentEvent := func() tailEvent {
		peers, err := present.Peers(ctx)
		if err != nil {
			slog.Debug("presence unavailable", "error", err)
		}
		return tailEvent{Type: "content", Text: p.Replica().Text(), Peers: peers}
	}

	touch := time.NewTicker(cfg.Awareness.Heartbeat)
	defer touch.Stop()
	touchPresence := func() {
		if err := b.TouchPresence(ctx, docID, opts.User); err != nil {
			slog.Warn("presence update failed", "document", docID, "error", err)
		}
	}
	touchPresence()

	slog.Info("following document", "document", docID, "relay", cfg.Client.RelayURL)
	for {
		select {
		case s := <-p.Status():
			if err := out.Event(tailEvent{Type: "status", Status: s}); err != nil {
				return err
			}
			if opts.Once && s == client.StatusConnected {
				return out.Event(contentEvent())
			}
		case <-p.Changed():
			if opts.Once {
				continue
			}
			if err := out.Event(contentEvent()); err != nil {
				return err
			}
		case <-touch.C:
			touchPresence()
		case <-ctx.Done():
			return nil
		}
	}
}
