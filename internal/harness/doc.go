// Package harness runs convergence scenarios against document replicas.
//
// A scenario names a set of replicas, performs edits on them, delivers
// updates between them in a chosen order, and persists through the bridge.
// Assertions then check that replicas converged and that the store holds the
// expected projection.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	replicas: [a, b]
//	steps:
//	  - action: insert
//	    replica: a
//	    pos: 0
//	    text: "hello"
//	  - action: sync
//	    from: a
//	    to: b
//	  - action: save
//	    replica: b
//	assertions:
//	  - type: converged
//	  - type: text
//	    replica: b
//	    expect: "hello"
//	  - type: stored_text
//	    expect: "hello"
//
// # Step Actions
//
//   - insert, delete, format: a local edit on one replica; format sets a
//     mark on by default and clears it with value "off"
//   - sync: deliver everything the target is missing from the source
//   - deliver: apply the update produced by an earlier step, out of order
//   - save: persist a replica's projection and encoded state
//   - load: merge the stored state into a replica
//   - snapshot: record a manual history entry from a replica
//
// # Assertion Types
//
//   - converged: listed replicas (default all) materialize identically
//   - text: a replica's plain text equals expect
//   - pending: a replica buffers exactly count operations
//   - stored_text: the stored document's plain text equals expect
//   - history_count: the document has exactly count snapshots
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory SQLite store with a manual
// clock and sequential ids, so traces are identical across runs and can be
// compared to golden files with RunWithGolden.
package harness
