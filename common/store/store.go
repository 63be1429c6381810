// Package store persists flows, versions, runs, and entities. The engine is
// process-stateless: every advance step reads and writes run records here,
// and per-node updates are atomic compare-and-set operations so concurrent
// engine replicas can share one database.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stitchhq/stitch/common/sdk"
)

var (
	// ErrNotFound indicates a missing flow, version, run, or entity.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict indicates a compare-and-set lost: the node was not
	// in any of the expected statuses. Callers treat this as "someone else
	// already made this transition".
	ErrStateConflict = errors.New("node state conflict")
)

// JourneyMeta describes the journey event recorded with an entity move.
type JourneyMeta struct {
	Type   string `json:"type"` // always "node_arrival" for engine moves
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
}

// Store is the engine's persistence contract.
type Store interface {
	// Flows and versions. Versions are immutable once created.
	CreateFlow(ctx context.Context, name string) (*sdk.Flow, error)
	GetFlow(ctx context.Context, id uuid.UUID) (*sdk.Flow, error)
	CurrentVersion(ctx context.Context, flowID uuid.UUID) (*sdk.FlowVersion, error)
	// CreateVersion stores a new immutable snapshot and points the flow's
	// current version at it.
	CreateVersion(ctx context.Context, flowID uuid.UUID, visual *sdk.VisualGraph, graph *sdk.ExecutionGraph) (*sdk.FlowVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID) (*sdk.FlowVersion, error)

	// Runs.
	CreateRun(ctx context.Context, versionID uuid.UUID, trigger sdk.Trigger, entityID *uuid.UUID, states map[string]*sdk.NodeState) (*sdk.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*sdk.Run, error)
	ListRunsByStatus(ctx context.Context, status string, limit int) ([]*sdk.Run, error)

	// UpdateNodeState writes one node's state. When expect is non-empty the
	// write only applies if the node's current status (missing counts as
	// pending) is one of the expected values; otherwise ErrStateConflict.
	UpdateNodeState(ctx context.Context, runID uuid.UUID, nodeID string, state *sdk.NodeState, expect ...string) error

	// UpdateNodeStates writes many node states in one atomic update.
	// Used by the splitter to initialize all parallel instances at once.
	UpdateNodeStates(ctx context.Context, runID uuid.UUID, states map[string]*sdk.NodeState) error

	SetRunStatus(ctx context.Context, runID uuid.UUID, status string) error

	// MoveEntityToSection relocates an entity and records a journey event
	// atomically. setType optionally reclassifies the entity.
	MoveEntityToSection(ctx context.Context, entityID uuid.UUID, sectionID, completeAs string, meta JourneyMeta, setType string) error
}
