package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchhq/stitch/cmd/stitch/compiler"
	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

func newService(st store.Store) *FlowService {
	comp := compiler.New(compiler.WorkerTypeSet{"echo": true})
	return NewFlowService(st, comp, logger.New("error", "json"))
}

func canvas(prompt string) *sdk.VisualGraph {
	return &sdk.VisualGraph{
		Nodes: []sdk.VisualNode{
			{Node: sdk.Node{ID: "A", Kind: sdk.NodeKindUX, UX: &sdk.UXConfig{Prompt: prompt}}},
		},
	}
}

func TestResolveVersion_NilCanvasUsesCurrent(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()

	flow, err := st.CreateFlow(ctx, "f")
	require.NoError(t, err)

	visual := canvas("hello")
	comp := compiler.New(compiler.WorkerTypeSet{})
	graph, verrs := comp.Compile(visual)
	require.Empty(t, verrs)
	created, err := st.CreateVersion(ctx, flow.ID, visual, graph)
	require.NoError(t, err)

	version, verrs2, err := svc.ResolveVersion(ctx, flow.ID, nil)
	require.NoError(t, err)
	require.Empty(t, verrs2)
	assert.Equal(t, created.ID, version.ID)
}

func TestResolveVersion_NoCurrentVersion(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()

	flow, err := st.CreateFlow(ctx, "f")
	require.NoError(t, err)

	_, _, err = svc.ResolveVersion(ctx, flow.ID, nil)
	assert.ErrorIs(t, err, ErrNoCurrentVersion)
}

func TestResolveVersion_UnknownFlow(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)

	_, _, err := svc.ResolveVersion(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveVersion_UnchangedCanvasReusesVersion(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()

	flow, err := st.CreateFlow(ctx, "f")
	require.NoError(t, err)

	first, verrs, err := svc.ResolveVersion(ctx, flow.ID, canvas("hello"))
	require.NoError(t, err)
	require.Empty(t, verrs)

	// A semantically identical canvas resolves to the same version id.
	second, verrs, err := svc.ResolveVersion(ctx, flow.ID, canvas("hello"))
	require.NoError(t, err)
	require.Empty(t, verrs)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveVersion_ChangedCanvasCreatesNewVersion(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()

	flow, err := st.CreateFlow(ctx, "f")
	require.NoError(t, err)

	first, _, err := svc.ResolveVersion(ctx, flow.ID, canvas("hello"))
	require.NoError(t, err)
	second, _, err := svc.ResolveVersion(ctx, flow.ID, canvas("changed"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The flow now points at the new version.
	current, err := st.CurrentVersion(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func TestResolveVersion_InvalidCanvasReturnsValidationErrors(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()

	flow, err := st.CreateFlow(ctx, "f")
	require.NoError(t, err)

	bad := &sdk.VisualGraph{
		Nodes: []sdk.VisualNode{
			{Node: sdk.Node{ID: "A", Kind: sdk.NodeKindUX, UX: &sdk.UXConfig{Prompt: "?"}}},
		},
		Edges: []sdk.Edge{{ID: "e1", Source: "A", Target: "ghost"}},
	}

	version, verrs, err := svc.ResolveVersion(ctx, flow.ID, bad)
	require.NoError(t, err)
	assert.Nil(t, version)
	require.Len(t, verrs, 1)
	assert.Equal(t, compiler.CodeEdgeEndpoint, verrs[0].Code)

	// No version was persisted for the invalid canvas.
	_, err = st.CurrentVersion(ctx, flow.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
