// Package crdt implements the replicated rich-text document model.
//
// A document is a sequence of elements (characters and block markers), each
// identified by ID{Replica, Seq}. Elements form a tree: every element is a
// child of the element it was inserted after (its origin). Siblings are
// ordered by Lamport timestamp descending, ties broken by replica id
// ascending; the document order is the pre-order walk of that tree. Because
// sibling order depends only on immutable element fields, any two replicas
// holding the same set of elements produce the same order regardless of the
// order in which the elements arrived.
//
// Deletions mark elements as tombstones, so concurrent inserts anchored on a
// deleted element keep a stable position. Formatting is a last-writer-wins
// register per (element, attribute) ordered by (Lamport, replica).
//
// Every operation consumes one sequence number of its origin replica. The
// state vector records, per replica, the highest contiguous sequence number
// integrated. Remote operations are buffered until both their predecessor
// from the same replica and their anchor/targets are present, so out-of-order
// delivery never corrupts state and re-delivery is a no-op.
//
// Updates are opaque binary deltas (see codec.go). A malformed update is
// rejected before any state is touched.
package crdt
