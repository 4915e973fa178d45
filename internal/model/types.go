package model

import (
	"fmt"
	"time"

	"github.com/roach88/notepulse/internal/content"
)

// DefaultTitle is given to a document created by get-or-create.
const DefaultTitle = "Untitled document"

// Document is the durable record of one document.
type Document struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"` // owner
	Title        string      `json:"title"`
	Content      content.Doc `json:"content"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	LastEditedBy string      `json:"last_edited_by,omitempty"`
}

// SnapshotType tags how a snapshot was taken.
type SnapshotType string

const (
	SnapshotManual SnapshotType = "manual"
	SnapshotAuto   SnapshotType = "auto"
)

// ParseSnapshotType validates s.
func ParseSnapshotType(s string) (SnapshotType, error) {
	switch t := SnapshotType(s); t {
	case SnapshotManual, SnapshotAuto:
		return t, nil
	}
	return "", fmt.Errorf("invalid snapshot type %q (want manual or auto)", s)
}

// Snapshot is an immutable history entry.
type Snapshot struct {
	ID         string       `json:"id"`
	DocumentID string       `json:"document_id"`
	UserID     string       `json:"user_id"` // author
	Content    content.Doc  `json:"content"`
	Type       SnapshotType `json:"snapshot_type"`
	CreatedAt  time.Time    `json:"created_at"`
}

// HistoryPage is one page of snapshots, newest first.
type HistoryPage struct {
	Snapshots []Snapshot `json:"snapshots"`
	// NextOffset is the offset of the following page, or 0 when this page
	// is the last.
	NextOffset int `json:"next_offset,omitempty"`
}

// HasMore reports whether another page exists.
func (p HistoryPage) HasMore() bool {
	return p.NextOffset > 0
}

// Presence is a row of the store-backed presence table, the fallback
// source when no live awareness is available.
type Presence struct {
	UserID     string    `json:"user_id"`
	DocumentID string    `json:"document_id"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
}

// PresenceOnline is the status written by TouchPresence.
const PresenceOnline = "online"

// Role is a collaborator's access grant. Grants are enforced by the store.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole validates s.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOwner, RoleEditor, RoleViewer:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// Collaborator grants a user access to a document.
type Collaborator struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}
