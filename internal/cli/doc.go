package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/notepulse/internal/bridge"
	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/model"
)

// historyPreview is the plain-text length shown per history entry.
const historyPreview = 120

// DocOptions holds flags shared by the doc subcommands.
type DocOptions struct {
	*RootOptions
	User string
}

// NewDocCommand creates the doc command and its subcommands.
func NewDocCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Inspect and maintain stored documents",
		Long: `Inspect and maintain stored documents.

These commands talk to the configured store directly; editors connected to
a relay pick up saved content the next time their room is seeded.`,
	}
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", "", "acting user id")

	cmd.AddCommand(newDocDefaultCommand(opts))
	cmd.AddCommand(newDocShowCommand(opts))
	cmd.AddCommand(newDocSaveCommand(opts))
	cmd.AddCommand(newDocSnapshotCommand(opts))
	cmd.AddCommand(newDocHistoryCommand(opts))
	cmd.AddCommand(newDocDiffCommand(opts))
	cmd.AddCommand(newDocRestoreCommand(opts))
	cmd.AddCommand(newDocShareCommand(opts))

	return cmd
}

// withBridge loads config, opens the store and runs fn. Errors from fn are
// reported as operation failures.
func (o *DocOptions) withBridge(cmd *cobra.Command, fn func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	b, closeStore, err := openBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, b, o.formatter(cmd))
}

func (o *DocOptions) requireUser() error {
	if o.User == "" {
		return NewExitError(ExitCommandError, "--user is required")
	}
	return nil
}

func newDocDefaultCommand(opts *DocOptions) *cobra.Command {
	var hint string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "default",
		Short: "Get or create the user's default document",
		Long: `Get or create the user's default document.

Every user has one canonical document: the earliest one they own. If they
own none it is created. The last-opened hint is read from the offline cache
unless --hint is given; it never overrides the canonical document.

Example:
  notepulse doc default --user 0f6c...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if noCache {
				cfg.Client.OfflinePath = ""
			}
			cache, err := openOffline(cfg)
			if err != nil {
				return err
			}
			if cache != nil {
				defer cache.Close()
				if hint == "" {
					if hint, err = cache.Hint(opts.User); err != nil {
						slog.Warn("could not read last-opened hint", "error", err)
					}
				}
			}

			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				doc, err := b.GetOrCreateDefaultDocument(ctx, opts.User, hint)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to get default document", err)
				}
				if cache != nil {
					if err := cache.SetHint(opts.User, doc.ID); err != nil {
						slog.Warn("could not record last-opened hint", "error", err)
					}
				}
				return out.Success(documentView{doc})
			})
		},
	}
	cmd.Flags().StringVar(&hint, "hint", "", "last-opened document id (advisory)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "do not read or record the hint in the offline cache")
	return cmd
}

func newDocShowCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <document-id>",
		Short:         "Show a document's stored content",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				doc, err := b.LoadDocument(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load document", err)
				}
				return out.Success(documentView{doc})
			})
		},
	}
}

func newDocSaveCommand(opts *DocOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "save <document-id>",
		Short: "Replace a document's latest content",
		Long: `Replace a document's latest content with a JSON document read from
--file ("-" for stdin). Saving identical content is a no-op.

Example:
  notepulse doc save 0192... --user 0f6c... --file note.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			doc, err := readContent(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				changed, err := b.SaveLatestContent(ctx, args[0], doc, opts.User)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to save content", err)
				}
				return out.Success(saveResult{DocumentID: args[0], Changed: changed})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "content JSON file, - for stdin")
	return cmd
}

func newDocSnapshotCommand(opts *DocOptions) *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:           "snapshot <document-id>",
		Short:         "Record the document's current content in its history",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			snapType, err := model.ParseSnapshotType(typ)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --type", err)
			}
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				doc, err := b.LoadDocument(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load document", err)
				}
				snap, err := b.SaveSnapshot(ctx, doc.ID, doc.Content, snapType, opts.User)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to save snapshot", err)
				}
				return out.Success(snapshotView{snap})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(model.SnapshotManual), "snapshot type (manual|auto)")
	return cmd
}

func newDocHistoryCommand(opts *DocOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:           "history <document-id>",
		Short:         "List a document's snapshots, newest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				page, err := b.ListHistory(ctx, args[0], limit, offset)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list history", err)
				}
				return out.Success(historyView{page})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size (1-100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func newDocDiffCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "diff <from-snapshot-id> <to-snapshot-id>",
		Short:         "Compare the text of two snapshots",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				d, err := b.DiffSnapshots(ctx, args[0], args[1])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to diff snapshots", err)
				}
				return out.Success(diffView{d})
			})
		},
	}
}

func newDocRestoreCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Make a snapshot's content the document's latest content",
		Long: `Make a snapshot's content the document's latest content. History is not
changed. Editors see the restored text once their room is next seeded.

Example:
  notepulse doc restore 0192... --user 0f6c...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				snap, changed, err := b.RestoreSnapshot(ctx, args[0], opts.User)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to restore snapshot", err)
				}
				return out.Success(restoreResult{DocumentID: snap.DocumentID, SnapshotID: snap.ID, Changed: changed})
			})
		},
	}
}

func newDocShareCommand(opts *DocOptions) *cobra.Command {
	var with, role string

	cmd := &cobra.Command{
		Use:   "share <document-id>",
		Short: "Grant a user access to a document, or list grants",
		Long: `Grant a user access to a document with --with, or list the current grants
when --with is omitted.

Example:
  notepulse doc share 0192... --with 7ab1... --role editor`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBridge(cmd, func(ctx context.Context, b *bridge.Bridge, out *OutputFormatter) error {
				if with != "" {
					if err := b.AddCollaborator(ctx, args[0], with, model.Role(role)); err != nil {
						return WrapExitError(ExitFailure, "failed to share document", err)
					}
				}
				grants, err := b.ListCollaborators(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list collaborators", err)
				}
				return out.Success(collaboratorsView(grants))
			})
		},
	}
	cmd.Flags().StringVar(&with, "with", "", "user id to grant access")
	cmd.Flags().StringVar(&role, "role", string(model.RoleEditor), "granted role")
	return cmd
}

// readContent parses a content document from path, or from stdin when path
// is "-".
func readContent(stdin io.Reader, path string) (content.Doc, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return content.Doc{}, WrapExitError(ExitCommandError, "failed to read content", err)
	}
	doc, err := content.Parse(data)
	if err != nil {
		return content.Doc{}, WrapExitError(ExitCommandError, "invalid content", err)
	}
	return doc, nil
}

type documentView struct {
	model.Document
}

func (v documentView) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ID:      %s\n", v.ID)
	fmt.Fprintf(&sb, "Title:   %s\n", v.Title)
	fmt.Fprintf(&sb, "Owner:   %s\n", v.UserID)
	fmt.Fprintf(&sb, "Updated: %s", v.UpdatedAt.Format(time.RFC3339))
	if v.LastEditedBy != "" {
		fmt.Fprintf(&sb, " by %s", v.LastEditedBy)
	}
	sb.WriteString("\n\n")
	sb.WriteString(content.PlainText(v.Content))
	return sb.String()
}

type saveResult struct {
	DocumentID string `json:"document_id"`
	Changed    bool   `json:"changed"`
}

func (r saveResult) String() string {
	if r.Changed {
		return "Content saved."
	}
	return "Content unchanged."
}

type restoreResult struct {
	DocumentID string `json:"document_id"`
	SnapshotID string `json:"snapshot_id"`
	Changed    bool   `json:"changed"`
}

func (r restoreResult) String() string {
	if r.Changed {
		return fmt.Sprintf("Restored snapshot %s.", r.SnapshotID)
	}
	return fmt.Sprintf("Document already matches snapshot %s.", r.SnapshotID)
}

type snapshotView struct {
	model.Snapshot
}

func (v snapshotView) String() string {
	return fmt.Sprintf("Snapshot %s (%s) at %s", v.ID, v.Type, v.CreatedAt.Format(time.RFC3339))
}

type historyView struct {
	model.HistoryPage
}

func (v historyView) String() string {
	if len(v.Snapshots) == 0 {
		return "No snapshots."
	}
	var sb strings.Builder
	for _, s := range v.Snapshots {
		fmt.Fprintf(&sb, "%s  %-6s  %s  %s\n", s.CreatedAt.Format(time.RFC3339), s.Type, s.ID, content.Preview(s.Content, historyPreview))
	}
	if v.HasMore() {
		fmt.Fprintf(&sb, "More entries: --offset %d", v.NextOffset)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

type diffView struct {
	bridge.SnapshotDiff
}

func (v diffView) String() string {
	if v.Empty() {
		return "Snapshots are identical."
	}
	return fmt.Sprintf("+%d -%d\n%s", v.Insertions, v.Deletions, strings.TrimSuffix(v.Patch, "\n"))
}

type collaboratorsView []model.Collaborator

func (v collaboratorsView) String() string {
	if len(v) == 0 {
		return "No collaborators."
	}
	var sb strings.Builder
	for _, c := range v {
		fmt.Fprintf(&sb, "%s  %s\n", c.UserID, c.Role)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
