package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stitchhq/stitch/common/db"
	"github.com/stitchhq/stitch/common/sdk"
)

// Postgres implements Store on pgx. Node states live in a JSONB column on
// the run row; single-statement jsonb updates with a status guard in the
// WHERE clause give per-node compare-and-set without advisory locks.
type Postgres struct {
	db *db.DB
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

// Migrate creates the store's tables if they do not exist. Entities are
// owned by the surrounding product; the engine only needs the columns the
// mover touches, so the DDL here is additive and safe to run at startup.
func (s *Postgres) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			current_version_id UUID,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flow_versions (
			id UUID PRIMARY KEY,
			flow_id UUID NOT NULL REFERENCES flows(id),
			visual JSONB NOT NULL,
			graph JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			flow_version_id UUID NOT NULL REFERENCES flow_versions(id),
			entity_id UUID,
			trigger JSONB NOT NULL,
			status TEXT NOT NULL,
			node_states JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runs_status_created_idx ON runs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			section_id TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS entity_journey (
			id UUID PRIMARY KEY,
			entity_id UUID NOT NULL,
			section_id TEXT NOT NULL,
			completed_as TEXT NOT NULL,
			meta JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateFlow inserts a new flow header.
func (s *Postgres) CreateFlow(ctx context.Context, name string) (*sdk.Flow, error) {
	flow := &sdk.Flow{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO flows (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, flow.ID, flow.Name, flow.CreatedAt, flow.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}
	return flow, nil
}

// GetFlow retrieves a flow by id.
func (s *Postgres) GetFlow(ctx context.Context, id uuid.UUID) (*sdk.Flow, error) {
	query := `
		SELECT id, name, current_version_id, created_at, updated_at
		FROM flows
		WHERE id = $1
	`
	flow := &sdk.Flow{}
	err := s.db.QueryRow(ctx, query, id).Scan(
		&flow.ID,
		&flow.Name,
		&flow.CurrentVersionID,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

// CurrentVersion retrieves the flow's current version, or ErrNotFound if
// the flow has never been versioned.
func (s *Postgres) CurrentVersion(ctx context.Context, flowID uuid.UUID) (*sdk.FlowVersion, error) {
	flow, err := s.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.CurrentVersionID == nil {
		return nil, ErrNotFound
	}
	return s.GetVersion(ctx, *flow.CurrentVersionID)
}

// CreateVersion stores an immutable snapshot and repoints the flow at it.
func (s *Postgres) CreateVersion(ctx context.Context, flowID uuid.UUID, visual *sdk.VisualGraph, graph *sdk.ExecutionGraph) (*sdk.FlowVersion, error) {
	visualJSON, err := json.Marshal(visual)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal visual graph: %w", err)
	}
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution graph: %w", err)
	}

	version := &sdk.FlowVersion{
		ID:        uuid.New(),
		FlowID:    flowID,
		Visual:    visual,
		Graph:     graph,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO flow_versions (id, flow_id, visual, graph, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insert, version.ID, version.FlowID, visualJSON, graphJSON, version.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create flow version: %w", err)
	}

	repoint := `
		UPDATE flows SET current_version_id = $2, updated_at = now()
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, repoint, flowID, version.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update current version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}
	return version, nil
}

// GetVersion retrieves a flow version by id.
func (s *Postgres) GetVersion(ctx context.Context, id uuid.UUID) (*sdk.FlowVersion, error) {
	query := `
		SELECT id, flow_id, visual, graph, created_at
		FROM flow_versions
		WHERE id = $1
	`
	version := &sdk.FlowVersion{}
	var visualJSON, graphJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&version.ID,
		&version.FlowID,
		&visualJSON,
		&graphJSON,
		&version.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow version: %w", err)
	}

	if err := json.Unmarshal(visualJSON, &version.Visual); err != nil {
		return nil, fmt.Errorf("failed to unmarshal visual graph: %w", err)
	}
	if err := json.Unmarshal(graphJSON, &version.Graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution graph: %w", err)
	}
	return version, nil
}

// CreateRun inserts a new run with its initial node states.
func (s *Postgres) CreateRun(ctx context.Context, versionID uuid.UUID, trigger sdk.Trigger, entityID *uuid.UUID, states map[string]*sdk.NodeState) (*sdk.Run, error) {
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
	if run.NodeStates == nil {
		run.NodeStates = map[string]*sdk.NodeState{}
	}

	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger: %w", err)
	}
	statesJSON, err := json.Marshal(run.NodeStates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node states: %w", err)
	}

	query := `
		INSERT INTO runs (id, flow_version_id, entity_id, trigger, status, node_states, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.Exec(ctx, query,
		run.ID,
		run.FlowVersionID,
		run.EntityID,
		triggerJSON,
		run.Status,
		statesJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (s *Postgres) GetRun(ctx context.Context, runID uuid.UUID) (*sdk.Run, error) {
	query := `
		SELECT id, flow_version_id, entity_id, trigger, status, node_states, created_at, updated_at
		FROM runs
		WHERE id = $1
	`
	run := &sdk.Run{}
	var triggerJSON, statesJSON []byte
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.FlowVersionID,
		&run.EntityID,
		&triggerJSON,
		&run.Status,
		&statesJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := json.Unmarshal(triggerJSON, &run.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(statesJSON, &run.NodeStates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node states: %w", err)
	}
	return run, nil
}

// ListRunsByStatus retrieves runs by aggregate status, oldest first.
func (s *Postgres) ListRunsByStatus(ctx context.Context, status string, limit int) ([]*sdk.Run, error) {
	query := `
		SELECT id, flow_version_id, entity_id, trigger, status, node_states, created_at, updated_at
		FROM runs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*sdk.Run
	for rows.Next() {
		run := &sdk.Run{}
		var triggerJSON, statesJSON []byte
		err := rows.Scan(
			&run.ID,
			&run.FlowVersionID,
			&run.EntityID,
			&triggerJSON,
			&run.Status,
			&statesJSON,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal(triggerJSON, &run.Trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
		if err := json.Unmarshal(statesJSON, &run.NodeStates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node states: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// UpdateNodeState writes one node's state with an optional status guard.
// The guard is part of the UPDATE's WHERE clause, so the check and the
// write are a single atomic statement.
func (s *Postgres) UpdateNodeState(ctx context.Context, runID uuid.UUID, nodeID string, state *sdk.NodeState, expect ...string) error {
	state.UpdatedAt = time.Now().UTC()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal node state: %w", err)
	}

	var tag interface{ RowsAffected() int64 }
	if len(expect) == 0 {
		query := `
			UPDATE runs
			SET node_states = jsonb_set(COALESCE(node_states, '{}'::jsonb), ARRAY[$2], $3::jsonb),
			    updated_at = now()
			WHERE id = $1
		`
		tag, err = s.db.Exec(ctx, query, runID, nodeID, stateJSON)
	} else {
		query := `
			UPDATE runs
			SET node_states = jsonb_set(COALESCE(node_states, '{}'::jsonb), ARRAY[$2], $3::jsonb),
			    updated_at = now()
			WHERE id = $1
			  AND COALESCE(node_states #>> ARRAY[$2, 'status'], 'pending') = ANY($4::text[])
		`
		tag, err = s.db.Exec(ctx, query, runID, nodeID, stateJSON, expect)
	}
	if err != nil {
		return fmt.Errorf("failed to update node state: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS from a missing run.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

// UpdateNodeStates merges many node states into the run in one statement.
func (s *Postgres) UpdateNodeStates(ctx context.Context, runID uuid.UUID, states map[string]*sdk.NodeState) error {
	if len(states) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, st := range states {
		st.UpdatedAt = now
	}

	statesJSON, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to marshal node states: %w", err)
	}

	query := `
		UPDATE runs
		SET node_states = COALESCE(node_states, '{}'::jsonb) || $2::jsonb,
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, runID, statesJSON)
	if err != nil {
		return fmt.Errorf("failed to update node states: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunStatus records the run's aggregate status.
func (s *Postgres) SetRunStatus(ctx context.Context, runID uuid.UUID, status string) error {
	query := `
		UPDATE runs SET status = $2, updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, runID, status)
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveEntityToSection relocates an entity and appends a journey event in
// one transaction.
func (s *Postgres) MoveEntityToSection(ctx context.Context, entityID uuid.UUID, sectionID, completeAs string, meta JourneyMeta, setType string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal journey meta: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	move := `
		UPDATE entities
		SET section_id = $2,
		    entity_type = COALESCE(NULLIF($3, ''), entity_type),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, move, entityID, sectionID, setType)
	if err != nil {
		return fmt.Errorf("failed to move entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	journey := `
		INSERT INTO entity_journey (id, entity_id, section_id, completed_as, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`
	if _, err := tx.Exec(ctx, journey, uuid.New(), entityID, sectionID, completeAs, metaJSON); err != nil {
		return fmt.Errorf("failed to record journey event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit entity move: %w", err)
	}
	return nil
}
