package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/notepulse/internal/bridge"
	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/crdt"
	"github.com/roach88/notepulse/internal/model"
	"github.com/roach88/notepulse/internal/store"
	"github.com/roach88/notepulse/internal/testutil"
)

// owner is the user that owns every scenario's document.
const owner = "harness"

// markOff is the format value that clears a mark.
const markOff = "off"

// Harness is the scenario execution engine. It holds the replicas, the
// updates produced by local edits, and the bridge they persist through.
type Harness struct {
	bridge   *bridge.Bridge
	clock    *testutil.ManualClock
	docID    string
	replicas map[string]*crdt.Replica
	// updates holds the update produced by each edit step, keyed by 1-based
	// step index.
	updates map[int]crdt.Update
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. A step
// that cannot execute (an out-of-range position, a store failure) aborts
// the run with an error; failed assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewManualClock(time.Time{})
	b := bridge.New(st,
		bridge.WithClock(clock.Now),
		bridge.WithIDGenerator(testutil.NewSequentialIDs("doc")),
	)

	ctx := context.Background()
	doc, err := b.GetOrCreateDefaultDocument(ctx, owner, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	h := &Harness{
		bridge:   b,
		clock:    clock,
		docID:    doc.ID,
		replicas: make(map[string]*crdt.Replica, len(scenario.Replicas)),
		updates:  make(map[int]crdt.Update),
	}
	for _, id := range scenario.Replicas {
		h.replicas[id] = crdt.NewReplica(id)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
		r := h.replicas[ev.Replica]
		ev.Text = r.Text()
		ev.Pending = r.Pending()
		result.addTrace(ev)
	}

	for id, r := range h.replicas {
		result.Final[id] = r.Text()
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute performs one step and returns its trace event without the
// replica's resulting state filled in.
func (h *Harness) execute(ctx context.Context, index int, step Step) (TraceEvent, error) {
	ev := TraceEvent{Action: step.Action, Replica: step.Replica}

	switch step.Action {
	case ActionInsert, ActionDelete, ActionFormat:
		u, err := h.edit(step)
		if err != nil {
			return ev, err
		}
		h.updates[index] = u
		ev.Ops, err = opsIn(u)
		return ev, err

	case ActionSync:
		ev.Replica, ev.From = step.To, step.From
		target := h.replicas[step.To]
		diff := h.replicas[step.From].DiffSince(target.StateVector())
		return h.apply(ev, target, diff)

	case ActionDeliver:
		ev.From = fmt.Sprintf("step %d", step.Step)
		return h.apply(ev, h.replicas[step.Replica], h.updates[step.Step])

	case ActionSave:
		h.clock.Advance(time.Second)
		r := h.replicas[step.Replica]
		if _, err := h.bridge.SaveLatestContent(ctx, h.docID, r.Materialize(), step.Replica); err != nil {
			return ev, err
		}
		return ev, h.bridge.SaveState(ctx, h.docID, r.EncodeState())

	case ActionLoad:
		state, err := h.bridge.LoadState(ctx, h.docID)
		if err != nil || len(state) == 0 {
			return ev, err
		}
		return h.apply(ev, h.replicas[step.Replica], crdt.Update(state))

	case ActionSnapshot:
		h.clock.Advance(time.Second)
		_, err := h.bridge.SaveSnapshot(ctx, h.docID, h.replicas[step.Replica].Materialize(), model.SnapshotManual, step.Replica)
		return ev, err
	}
	return ev, fmt.Errorf("unknown action %q", step.Action)
}

func (h *Harness) edit(step Step) (crdt.Update, error) {
	r := h.replicas[step.Replica]
	switch step.Action {
	case ActionInsert:
		return r.InsertAt(step.Pos, step.Text)
	case ActionDelete:
		return r.DeleteAt(step.Pos, step.Len)
	default:
		value := step.Value
		switch value {
		case "":
			value = crdt.MarkOn
		case markOff:
			value = ""
		}
		return r.FormatAt(step.Pos, step.Len, step.Attr, value)
	}
}

func (h *Harness) apply(ev TraceEvent, r *crdt.Replica, u crdt.Update) (TraceEvent, error) {
	n, err := opsIn(u)
	if err != nil {
		return ev, err
	}
	ev.Ops = n
	return ev, r.ApplyRemote(u)
}

// storedText returns the plain text of the document's persisted projection.
func (h *Harness) storedText(ctx context.Context) (string, error) {
	doc, err := h.bridge.LoadDocument(ctx, h.docID)
	if err != nil {
		return "", err
	}
	return content.PlainText(doc.Content), nil
}

func (h *Harness) historyCount(ctx context.Context) (int, error) {
	page, err := h.bridge.ListHistory(ctx, h.docID, bridge.MaxHistoryLimit, 0)
	if err != nil {
		return 0, err
	}
	return len(page.Snapshots), nil
}

func opsIn(u crdt.Update) (int, error) {
	info, err := crdt.Inspect(u)
	if err != nil {
		return 0, err
	}
	return info.Ops, nil
}
