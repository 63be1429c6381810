package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stitchhq/stitch/common/sdk"
)

// Memory implements Store in process memory with the same compare-and-set
// semantics as the Postgres implementation. Used by tests and by local
// tooling that runs without a database.
type Memory struct {
	mu       sync.Mutex
	flows    map[uuid.UUID]*sdk.Flow
	versions map[uuid.UUID]*sdk.FlowVersion
	runs     map[uuid.UUID]*sdk.Run
	entities map[uuid.UUID]*MemoryEntity
	journey  []MemoryJourneyEvent
}

// MemoryEntity is the in-memory entity record.
type MemoryEntity struct {
	ID         uuid.UUID
	SectionID  string
	EntityType string
}

// MemoryJourneyEvent is one recorded entity journey step.
type MemoryJourneyEvent struct {
	EntityID    uuid.UUID
	SectionID   string
	CompletedAs string
	Meta        JourneyMeta
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		flows:    make(map[uuid.UUID]*sdk.Flow),
		versions: make(map[uuid.UUID]*sdk.FlowVersion),
		runs:     make(map[uuid.UUID]*sdk.Run),
		entities: make(map[uuid.UUID]*MemoryEntity),
	}
}

// AddEntity seeds an entity for tests.
func (s *Memory) AddEntity(e *MemoryEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
}

// Entity returns a copy of a seeded entity.
func (s *Memory) Entity(id uuid.UUID) (MemoryEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return MemoryEntity{}, false
	}
	return *e, true
}

// JourneyEvents returns all recorded journey events.
func (s *Memory) JourneyEvents() []MemoryJourneyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemoryJourneyEvent, len(s.journey))
	copy(out, s.journey)
	return out
}

// CreateFlow inserts a flow header.
func (s *Memory) CreateFlow(ctx context.Context, name string) (*sdk.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow := &sdk.Flow{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	s.flows[flow.ID] = flow
	return cloneJSON(flow)
}

// GetFlow retrieves a flow by id.
func (s *Memory) GetFlow(ctx context.Context, id uuid.UUID) (*sdk.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(flow)
}

// CurrentVersion retrieves the flow's current version.
func (s *Memory) CurrentVersion(ctx context.Context, flowID uuid.UUID) (*sdk.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[flowID]
	if !ok || flow.CurrentVersionID == nil {
		return nil, ErrNotFound
	}
	version, ok := s.versions[*flow.CurrentVersionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(version)
}

// CreateVersion stores a snapshot and repoints the flow at it.
func (s *Memory) CreateVersion(ctx context.Context, flowID uuid.UUID, visual *sdk.VisualGraph, graph *sdk.ExecutionGraph) (*sdk.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}

	version := &sdk.FlowVersion{
		ID:        uuid.New(),
		FlowID:    flowID,
		Visual:    visual,
		Graph:     graph,
		CreatedAt: time.Now().UTC(),
	}
	s.versions[version.ID] = version
	id := version.ID
	flow.CurrentVersionID = &id
	flow.UpdatedAt = time.Now().UTC()
	return cloneJSON(version)
}

// GetVersion retrieves a version by id.
func (s *Memory) GetVersion(ctx context.Context, id uuid.UUID) (*sdk.FlowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, ok := s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(version)
}

// CreateRun inserts a run with its initial node states.
func (s *Memory) CreateRun(ctx context.Context, versionID uuid.UUID, trigger sdk.Trigger, entityID *uuid.UUID, states map[string]*sdk.NodeState) (*sdk.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if states == nil {
		states = map[string]*sdk.NodeState{}
	}
	run := &sdk.Run{
		ID:            uuid.New(),
		FlowVersionID: versionID,
		EntityID:      entityID,
		Trigger:       trigger,
		Status:        sdk.RunStatusRunning,
		NodeStates:    states,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	stored, err := cloneJSON(run)
	if err != nil {
		return nil, err
	}
	s.runs[run.ID] = stored
	return cloneJSON(run)
}

// GetRun retrieves a run by id.
func (s *Memory) GetRun(ctx context.Context, runID uuid.UUID) (*sdk.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(run)
}

// ListRunsByStatus retrieves runs by aggregate status, oldest first.
func (s *Memory) ListRunsByStatus(ctx context.Context, status string, limit int) ([]*sdk.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*sdk.Run
	for _, run := range s.runs {
		if run.Status != status {
			continue
		}
		clone, err := cloneJSON(run)
		if err != nil {
			return nil, err
		}
		runs = append(runs, clone)
	}
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j].CreatedAt.Before(runs[i].CreatedAt) {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UpdateNodeState writes one node's state with an optional status guard.
func (s *Memory) UpdateNodeState(ctx context.Context, runID uuid.UUID, nodeID string, state *sdk.NodeState, expect ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}

	if len(expect) > 0 {
		current := sdk.StatusPending
		if existing, ok := run.NodeStates[nodeID]; ok {
			current = existing.Status
		}
		matched := false
		for _, want := range expect {
			if current == want {
				matched = true
				break
			}
		}
		if !matched {
			return ErrStateConflict
		}
	}

	clone, err := cloneJSON(state)
	if err != nil {
		return err
	}
	clone.UpdatedAt = time.Now().UTC()
	run.NodeStates[nodeID] = clone
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateNodeStates merges many node states atomically.
func (s *Memory) UpdateNodeStates(ctx context.Context, runID uuid.UUID, states map[string]*sdk.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	for nodeID, state := range states {
		clone, err := cloneJSON(state)
		if err != nil {
			return err
		}
		clone.UpdatedAt = now
		run.NodeStates[nodeID] = clone
	}
	run.UpdatedAt = now
	return nil
}

// SetRunStatus records the run's aggregate status.
func (s *Memory) SetRunStatus(ctx context.Context, runID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// MoveEntityToSection relocates an entity and records a journey event.
func (s *Memory) MoveEntityToSection(ctx context.Context, entityID uuid.UUID, sectionID, completeAs string, meta JourneyMeta, setType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[entityID]
	if !ok {
		return ErrNotFound
	}
	entity.SectionID = sectionID
	if setType != "" {
		entity.EntityType = setType
	}
	s.journey = append(s.journey, MemoryJourneyEvent{
		EntityID:    entityID,
		SectionID:   sectionID,
		CompletedAs: completeAs,
		Meta:        meta,
	})
	return nil
}

// cloneJSON deep-copies a value through JSON, matching what a database
// round-trip would produce.
func cloneJSON[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to clone value: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to clone value: %w", err)
	}
	return out, nil
}
