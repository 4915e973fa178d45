package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/notepulse/internal/awareness"
	"github.com/roach88/notepulse/internal/bridge"
	"github.com/roach88/notepulse/internal/client"
	"github.com/roach88/notepulse/internal/config"
)

// PresenceOptions holds flags for the presence command.
type PresenceOptions struct {
	*RootOptions
	RelayURL string
}

// NewPresenceCommand creates the presence command.
func NewPresenceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PresenceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "presence <document-id>",
		Short: "List who is on a document",
		Long: `List who is on a document.

Live awareness is read from the relay. When the relay is unreachable or
reports nobody, recent rows of the store's presence table are shown
instead.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.RelayURL != "" {
				cfg.Client.RelayURL = opts.RelayURL
			}
			ctx := commandContext(cmd)
			b, closeStore, err := openBridge(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			peers, err := presenceSource(cfg, b, args[0], nil).Peers(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list presence", err)
			}
			return opts.formatter(cmd).Success(peersView(peers))
		},
	}
	cmd.Flags().StringVar(&opts.RelayURL, "relay", "", "relay URL (overrides client.relay_url)")
	return cmd
}

// presenceSource prefers live awareness, from the local tracker when one is
// given or else from the relay, and falls back to the store's table.
func presenceSource(cfg config.Config, b *bridge.Bridge, documentID string, local *awareness.Tracker) awareness.PresenceSource {
	var live awareness.PresenceSource = client.RelayAwareness{RelayURL: cfg.Client.RelayURL, DocumentID: documentID}
	if local != nil {
		live = awareness.LiveAwareness{Tracker: local}
	}
	polled := &awareness.StorePolled{
		Lister:     b,
		DocumentID: documentID,
		Window:     cfg.Awareness.Expiry,
	}
	return awareness.Select(live, polled)
}

type peersView []awareness.Peer

func (v peersView) String() string {
	if len(v) == 0 {
		return "Nobody is here."
	}
	var sb strings.Builder
	for _, p := range v {
		fmt.Fprintf(&sb, "%-20s %s  (%s)\n", p.Name, p.Color, p.Source)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (v peersView) names() string {
	names := make([]string, len(v))
	for i, p := range v {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}
