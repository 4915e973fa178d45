// Package store provides SQLite-backed durable storage for NotePulse
// documents.
//
// Tables:
//   - documents: current materialized content per document
//   - documents_history: append-only snapshots (manual or auto)
//   - document_states: latest binary CRDT state per document
//   - presence: store-backed presence, the fallback when no live awareness exists
//   - document_collaborators: access grants (recorded, never decided, here)
//
// # Ordering
//
// Every table with history carries seq INTEGER PRIMARY KEY AUTOINCREMENT.
// Owner listings are ORDER BY seq ASC, so the earliest-inserted document is
// canonical no matter how concurrent get-or-create calls interleave: SQLite
// admits one writer at a time, and any caller re-listing after its own insert
// already sees every earlier row. History is ORDER BY created_at DESC, seq DESC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Content is stored as canonical JSON (content.Canonical) with its
// content.Hash alongside, so unchanged saves are skipped in SQL.
package store
