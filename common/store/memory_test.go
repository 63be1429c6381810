package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchhq/stitch/common/sdk"
)

func newTestRun(t *testing.T, s *Memory) *sdk.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), uuid.New(), sdk.Trigger{Type: "manual"}, nil, map[string]*sdk.NodeState{
		"a": {Status: sdk.StatusPending},
	})
	require.NoError(t, err)
	return run
}

func TestUpdateNodeState_CASGuard(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := newTestRun(t, s)

	// pending -> running succeeds
	err := s.UpdateNodeState(ctx, run.ID, "a", &sdk.NodeState{Status: sdk.StatusRunning}, sdk.StatusPending)
	require.NoError(t, err)

	// second pending -> running loses the race
	err = s.UpdateNodeState(ctx, run.ID, "a", &sdk.NodeState{Status: sdk.StatusRunning}, sdk.StatusPending)
	assert.ErrorIs(t, err, ErrStateConflict)

	// running -> completed succeeds
	err = s.UpdateNodeState(ctx, run.ID, "a", &sdk.NodeState{Status: sdk.StatusCompleted}, sdk.StatusRunning)
	require.NoError(t, err)

	// completed is terminal; no transition out of it
	err = s.UpdateNodeState(ctx, run.ID, "a", &sdk.NodeState{Status: sdk.StatusFailed}, sdk.StatusRunning, sdk.StatusWaitingForUser)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestUpdateNodeState_MissingStateCountsAsPending(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := newTestRun(t, s)

	// "b" has no state yet; the guard treats it as pending.
	err := s.UpdateNodeState(ctx, run.ID, "b", &sdk.NodeState{Status: sdk.StatusRunning}, sdk.StatusPending)
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusRunning, got.State("b").Status)
}

func TestUpdateNodeState_NoGuardAlwaysWrites(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.UpdateNodeState(ctx, run.ID, "a", &sdk.NodeState{Status: sdk.StatusCompleted}))
	require.NoError(t, s.UpdateNodeState(ctx, run.ID, "a", &sdk.NodeState{Status: sdk.StatusFailed, Error: "boom"}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusFailed, got.State("a").Status)
	assert.Equal(t, "boom", got.State("a").Error)
}

func TestUpdateNodeState_UnknownRun(t *testing.T) {
	s := NewMemory()
	err := s.UpdateNodeState(context.Background(), uuid.New(), "a", &sdk.NodeState{Status: sdk.StatusRunning})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateNodeStates_MergesAtomically(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := newTestRun(t, s)

	err := s.UpdateNodeStates(ctx, run.ID, map[string]*sdk.NodeState{
		"b_0": {Status: sdk.StatusPending, Output: map[string]interface{}{"v": float64(1)}},
		"b_1": {Status: sdk.StatusPending, Output: map[string]interface{}{"v": float64(2)}},
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	// existing state untouched, new instances merged in
	assert.Equal(t, sdk.StatusPending, got.State("a").Status)
	require.NotNil(t, got.State("b_0"))
	require.NotNil(t, got.State("b_1"))
}

func TestGetRun_ReturnsDeepCopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := newTestRun(t, s)

	first, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	first.NodeStates["a"].Status = sdk.StatusFailed

	second, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusPending, second.State("a").Status)
}

func TestVersioning_RepointsCurrentVersion(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	flow, err := s.CreateFlow(ctx, "demo")
	require.NoError(t, err)

	_, err = s.CurrentVersion(ctx, flow.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	v1, err := s.CreateVersion(ctx, flow.ID, &sdk.VisualGraph{}, &sdk.ExecutionGraph{})
	require.NoError(t, err)
	v2, err := s.CreateVersion(ctx, flow.ID, &sdk.VisualGraph{}, &sdk.ExecutionGraph{})
	require.NoError(t, err)

	current, err := s.CurrentVersion(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)
	assert.NotEqual(t, v1.ID, current.ID)

	// older versions stay retrievable
	old, err := s.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, old.ID)
}

func TestMoveEntityToSection(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	entityID := uuid.New()
	s.AddEntity(&MemoryEntity{ID: entityID, SectionID: "inbox", EntityType: "lead"})

	meta := JourneyMeta{Type: "node_arrival", RunID: uuid.NewString(), NodeID: "approve"}
	require.NoError(t, s.MoveEntityToSection(ctx, entityID, "won", sdk.CompleteAsSuccess, meta, "customer"))

	entity, ok := s.Entity(entityID)
	require.True(t, ok)
	assert.Equal(t, "won", entity.SectionID)
	assert.Equal(t, "customer", entity.EntityType)

	events := s.JourneyEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "won", events[0].SectionID)
	assert.Equal(t, sdk.CompleteAsSuccess, events[0].CompletedAs)
	assert.Equal(t, meta, events[0].Meta)

	err := s.MoveEntityToSection(ctx, uuid.New(), "won", sdk.CompleteAsSuccess, meta, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
