package bridge

import (
	"context"
	"log/slog"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
)

// SnapshotDiff is a plain-text comparison of two snapshots, used to preview
// a restore (see RestoreSnapshot).
type SnapshotDiff struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Insertions int    `json:"insertions"` // runes
	Deletions  int    `json:"deletions"`  // runes
	Patch      string `json:"patch"`      // diff-match-patch text format
}

// Empty reports whether the snapshots render the same text.
func (d SnapshotDiff) Empty() bool {
	return d.Insertions == 0 && d.Deletions == 0
}

// DiffSnapshots compares the plain text of two snapshots of one document.
func (b *Bridge) DiffSnapshots(ctx context.Context, fromID, toID string) (SnapshotDiff, error) {
	const op = "diff snapshots"
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	from, err := b.store.GetSnapshot(ctx, fromID)
	if err != nil {
		return SnapshotDiff{}, b.fail(op, "", err)
	}
	to, err := b.store.GetSnapshot(ctx, toID)
	if err != nil {
		return SnapshotDiff{}, b.fail(op, from.DocumentID, err)
	}
	if from.DocumentID != to.DocumentID {
		return SnapshotDiff{}, errs.Newf(errs.CodeInvalidContent, op,
			"snapshots belong to different documents (%s, %s)", from.DocumentID, to.DocumentID)
	}
	return diffText(fromID, toID, content.PlainText(from.Content), content.PlainText(to.Content)), nil
}

func diffText(fromID, toID, a, b string) SnapshotDiff {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	d := SnapshotDiff{From: fromID, To: toID}
	for _, df := range diffs {
		switch df.Type {
		case diffpatch.DiffInsert:
			d.Insertions += len([]rune(df.Text))
		case diffpatch.DiffDelete:
			d.Deletions += len([]rune(df.Text))
		}
	}
	if !d.Empty() {
		d.Patch = dmp.PatchToText(dmp.PatchMake(a, diffs))
	}
	return d
}

// RestoreSnapshot makes a snapshot's content the document's latest content
// and returns the snapshot. changed is false when the document already
// held that content. History is left as is; the restored version is
// recorded again only when someone snapshots it.
//
// Only the content is written. A relay that later seeds the document
// rewrites its saved CRDT state to match, so live editors see the restore
// as ordinary edits.
func (b *Bridge) RestoreSnapshot(ctx context.Context, snapshotID, editorID string) (snap model.Snapshot, changed bool, err error) {
	const op = "restore snapshot"
	lookup, cancel := b.withTimeout(ctx)
	snap, err = b.store.GetSnapshot(lookup, snapshotID)
	cancel()
	if err != nil {
		return model.Snapshot{}, false, b.fail(op, "", err)
	}
	changed, err = b.SaveLatestContent(ctx, snap.DocumentID, snap.Content, editorID)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	slog.Info("snapshot restored", "document", snap.DocumentID, "snapshot", snap.ID, "editor", editorID, "changed", changed)
	return snap, changed, nil
}
