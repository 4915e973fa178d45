package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a convergence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Replicas lists the replica ids the scenario edits with. Ids also
	// decide tie-breaks between concurrent edits.
	Replicas []string `yaml:"replicas"`

	// Steps run in order against the replicas and the store.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final replicas and store.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action in a scenario. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	// Replica is the replica acted on (insert, delete, format, save, load,
	// snapshot) or the receiver (deliver).
	Replica string `yaml:"replica,omitempty"`

	// From and To name the source and target of a sync.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// Pos and Len address visible positions, block markers included.
	Pos int `yaml:"pos,omitempty"`
	Len int `yaml:"len,omitempty"`

	Text  string `yaml:"text,omitempty"`
	Attr  string `yaml:"attr,omitempty"`
	Value string `yaml:"value,omitempty"`

	// Step is the 1-based index of an earlier local edit whose update a
	// deliver applies.
	Step int `yaml:"step,omitempty"`
}

// Step action constants.
const (
	ActionInsert   = "insert"
	ActionDelete   = "delete"
	ActionFormat   = "format"
	ActionSync     = "sync"
	ActionDeliver  = "deliver"
	ActionSave     = "save"
	ActionLoad     = "load"
	ActionSnapshot = "snapshot"
)

// Assertion validates the state left by a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Replica is the replica checked by text and pending.
	Replica string `yaml:"replica,omitempty"`

	// Replicas restricts converged to a subset; empty means all.
	Replicas []string `yaml:"replicas,omitempty"`

	// Expect is the expected plain text (text, stored_text).
	Expect string `yaml:"expect,omitempty"`

	// Count is the expected number (pending, history_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged    = "converged"
	AssertText         = "text"
	AssertPending      = "pending"
	AssertStoredText   = "stored_text"
	AssertHistoryCount = "history_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	seen := make(map[string]bool)
	for i, id := range s.Replicas {
		if id == "" {
			return fmt.Errorf("replicas[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("replicas[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(s, i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step based on its action.
func validateStep(s *Scenario, index int, step *Step) error {
	known := func(field, id string) error {
		if id == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, field, step.Action)
		}
		if !slices.Contains(s.Replicas, id) {
			return fmt.Errorf("steps[%d]: unknown replica %q", index, id)
		}
		return nil
	}

	if step.Pos < 0 || step.Len < 0 {
		return fmt.Errorf("steps[%d]: pos and len must be non-negative", index)
	}

	switch step.Action {
	case ActionInsert:
		if step.Text == "" {
			return fmt.Errorf("steps[%d]: text is required for insert", index)
		}
		return known("replica", step.Replica)
	case ActionDelete:
		if step.Len == 0 {
			return fmt.Errorf("steps[%d]: len is required for delete", index)
		}
		return known("replica", step.Replica)
	case ActionFormat:
		if step.Len == 0 || step.Attr == "" {
			return fmt.Errorf("steps[%d]: len and attr are required for format", index)
		}
		return known("replica", step.Replica)
	case ActionSync:
		if err := known("from", step.From); err != nil {
			return err
		}
		if err := known("to", step.To); err != nil {
			return err
		}
		if step.From == step.To {
			return fmt.Errorf("steps[%d]: sync needs two different replicas", index)
		}
		return nil
	case ActionDeliver:
		if step.Step < 1 || step.Step > index {
			return fmt.Errorf("steps[%d]: step must name an earlier step (1..%d)", index, index)
		}
		if a := s.Steps[step.Step-1].Action; !isEdit(a) {
			return fmt.Errorf("steps[%d]: step %d is a %s, not an edit", index, step.Step, a)
		}
		return known("replica", step.Replica)
	case ActionSave, ActionLoad, ActionSnapshot:
		return known("replica", step.Replica)
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, index int, a *Assertion) error {
	switch a.Type {
	case AssertConverged:
		for _, id := range a.Replicas {
			if !slices.Contains(s.Replicas, id) {
				return fmt.Errorf("assertions[%d]: unknown replica %q", index, id)
			}
		}
	case AssertText, AssertPending:
		if a.Replica == "" {
			return fmt.Errorf("assertions[%d]: replica is required for %s", index, a.Type)
		}
		if !slices.Contains(s.Replicas, a.Replica) {
			return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
		}
	case AssertStoredText:
	case AssertHistoryCount:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

func isEdit(action string) bool {
	return action == ActionInsert || action == ActionDelete || action == ActionFormat
}
