// Package graph provides the relationship-graph store: typed memory
// nodes and directed edges, scoped to exactly one identity.
package graph

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeKind classifies a memory node.
type NodeKind string

const (
	KindPerson     NodeKind = "person"
	KindPlace      NodeKind = "place"
	KindGoal       NodeKind = "goal"
	KindHabit      NodeKind = "habit"
	KindEvent      NodeKind = "event"
	KindTopic      NodeKind = "topic"
	KindReminder   NodeKind = "reminder"
	KindFact       NodeKind = "fact"
	KindPreference NodeKind = "preference"
)

// validKinds is the closed set accepted by NormalizeKind.
var validKinds = map[NodeKind]bool{
	KindPerson: true, KindPlace: true, KindGoal: true, KindHabit: true,
	KindEvent: true, KindTopic: true, KindReminder: true, KindFact: true,
	KindPreference: true,
}

// NormalizeKind maps free-form kind strings onto the closed NodeKind
// set, tolerating case and dash/underscore variation. Returns false
// when the input doesn't resolve to a known kind.
func NormalizeKind(raw string) (NodeKind, bool) {
	k := NodeKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !validKinds[k] {
		return "", false
	}
	return k, true
}

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	StatusActive     NodeStatus = "active"
	StatusDeprecated NodeStatus = "deprecated"
)

// Node is a typed record in the relationship graph. Owned by exactly
// one identity; deprecated nodes are retained for audit, never deleted.
type Node struct {
	ID         uuid.UUID      `json:"id"`
	IdentityID string         `json:"identity_id"`
	Kind       NodeKind       `json:"kind"`
	Label      string         `json:"label"`
	Status     NodeStatus     `json:"status"`
	Confidence float64        `json:"confidence"` // 0-1
	Attrs      map[string]any `json:"attrs,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	TouchedAt  time.Time      `json:"touched_at"` // Last read or reinforcement
}

// EdgeKind tags a directed relationship between two nodes.
type EdgeKind string

const (
	EdgeSupersedes EdgeKind = "supersedes"
	EdgeRelatesTo  EdgeKind = "relates_to"
	EdgeLocatedAt  EdgeKind = "located_at"
	EdgeWorksAt    EdgeKind = "works_at"
	EdgeKnows      EdgeKind = "knows"
	EdgeTracks     EdgeKind = "tracks"
)

// Edge is a directed, typed link between two nodes of one identity.
// Attrs may carry an optional validity window (valid_from/valid_until).
type Edge struct {
	ID         uuid.UUID      `json:"id"`
	IdentityID string         `json:"identity_id"`
	FromID     uuid.UUID      `json:"from_id"`
	ToID       uuid.UUID      `json:"to_id"`
	Kind       EdgeKind       `json:"kind"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store-level sentinel errors.
var (
	// ErrNoIdentity rejects any read or write lacking an identity scope.
	ErrNoIdentity = errors.New("identity is required")
	// ErrNotFound reports a missing node or edge within the identity scope.
	ErrNotFound = errors.New("not found")
	// ErrDanglingEdge rejects an edge whose endpoint does not exist.
	ErrDanglingEdge = errors.New("edge endpoint does not exist")
	// ErrCrossIdentity rejects an edge linking nodes of different identities.
	ErrCrossIdentity = errors.New("edge endpoints belong to different identities")
)

// NewID generates a new UUIDv7.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New()
	}
	return id
}
