package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/notepulse/internal/content"
)

// AssertionError is returned when an assertion fails.
// It carries every replica's text to help debug the failure.
type AssertionError struct {
	Type     string            // Assertion type for categorization
	Expected string            // Human-readable expected outcome
	Actual   string            // Human-readable actual outcome
	Texts    map[string]string // Replica texts at the end of the run
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Texts) > 0 {
		fmt.Fprintf(&buf, "\nReplicas:\n")
		ids := make([]string, 0, len(e.Texts))
		for id := range e.Texts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(&buf, "  %s: %q\n", id, e.Texts[id])
		}
	}

	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the harness state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertConverged:
			err = h.assertConverged(assertion)
		case AssertText:
			err = h.assertText(assertion)
		case AssertPending:
			err = h.assertPending(assertion)
		case AssertStoredText:
			err = h.assertStoredText(ctx, assertion)
		case AssertHistoryCount:
			err = h.assertHistoryCount(ctx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func (h *Harness) texts() map[string]string {
	out := make(map[string]string, len(h.replicas))
	for id, r := range h.replicas {
		out[id] = r.Text()
	}
	return out
}

// assertConverged checks that the replicas materialize to the same
// structured document, marks and block types included.
func (h *Harness) assertConverged(assertion Assertion) error {
	ids := slices.Clone(assertion.Replicas)
	if len(ids) == 0 {
		for id := range h.replicas {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var want string
	for i, id := range ids {
		got, err := content.Hash(h.replicas[id].Materialize())
		if err != nil {
			return fmt.Errorf("converged: hash %s: %w", id, err)
		}
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("replicas %v materialize identically", ids),
				Actual:   fmt.Sprintf("%s differs from %s", id, ids[0]),
				Texts:    h.texts(),
			}
		}
	}
	return nil
}

func (h *Harness) assertText(assertion Assertion) error {
	got := h.replicas[assertion.Replica].Text()
	if got != assertion.Expect {
		return &AssertionError{
			Type:     AssertText,
			Expected: fmt.Sprintf("%s reads %q", assertion.Replica, assertion.Expect),
			Actual:   fmt.Sprintf("%q", got),
			Texts:    h.texts(),
		}
	}
	return nil
}

func (h *Harness) assertPending(assertion Assertion) error {
	got := h.replicas[assertion.Replica].Pending()
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%s buffers %d operations", assertion.Replica, assertion.Count),
			Actual:   fmt.Sprintf("%d buffered", got),
			Texts:    h.texts(),
		}
	}
	return nil
}

func (h *Harness) assertStoredText(ctx context.Context, assertion Assertion) error {
	got, err := h.storedText(ctx)
	if err != nil {
		return &AssertionError{
			Type:     AssertStoredText,
			Expected: fmt.Sprintf("stored document reads %q", assertion.Expect),
			Actual:   fmt.Sprintf("load error: %v", err),
		}
	}
	if got != assertion.Expect {
		return &AssertionError{
			Type:     AssertStoredText,
			Expected: fmt.Sprintf("stored document reads %q", assertion.Expect),
			Actual:   fmt.Sprintf("%q", got),
			Texts:    h.texts(),
		}
	}
	return nil
}

func (h *Harness) assertHistoryCount(ctx context.Context, assertion Assertion) error {
	got, err := h.historyCount(ctx)
	if err != nil {
		return &AssertionError{
			Type:     AssertHistoryCount,
			Expected: fmt.Sprintf("%d snapshots", assertion.Count),
			Actual:   fmt.Sprintf("list error: %v", err),
		}
	}
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertHistoryCount,
			Expected: fmt.Sprintf("%d snapshots", assertion.Count),
			Actual:   fmt.Sprintf("%d snapshots", got),
		}
	}
	return nil
}
