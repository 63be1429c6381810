package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stitchhq/stitch/cmd/stitch/compiler"
	"github.com/stitchhq/stitch/common/config"
	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// Test fixture helpers shared across the engine tests.

func newTestEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Populate([]string{"echo", "transform"}))
	cfg := config.EngineConfig{
		BaseURL:         "http://engine.test",
		CallbackTimeout: 2 * time.Second,
	}
	log := logger.New("error", "json")
	return New(st, reg, cfg, log, opts...)
}

func seedVersion(t *testing.T, st *store.Memory, visual *sdk.VisualGraph) *sdk.FlowVersion {
	t.Helper()
	comp := compiler.New(compiler.WorkerTypeSet{"echo": true, "transform": true})
	graph, errs := comp.Compile(visual)
	require.Empty(t, errs)

	flow, err := st.CreateFlow(context.Background(), "test-flow")
	require.NoError(t, err)
	version, err := st.CreateVersion(context.Background(), flow.ID, visual, graph)
	require.NoError(t, err)
	return version
}

func uxNode(id string) sdk.VisualNode {
	return sdk.VisualNode{Node: sdk.Node{ID: id, Kind: sdk.NodeKindUX, UX: &sdk.UXConfig{Prompt: "?"}}}
}

func workerNode(id string, cfg sdk.WorkerConfig, inputs ...sdk.InputDecl) sdk.VisualNode {
	return sdk.VisualNode{Node: sdk.Node{ID: id, Kind: sdk.NodeKindWorker, Worker: &cfg, Inputs: inputs}}
}

func splitterNode(id, arrayPath string) sdk.VisualNode {
	return sdk.VisualNode{Node: sdk.Node{ID: id, Kind: sdk.NodeKindSplitter, Splitter: &sdk.SplitterConfig{ArrayPath: arrayPath}}}
}

func collectorNode(id string) sdk.VisualNode {
	return sdk.VisualNode{Node: sdk.Node{ID: id, Kind: sdk.NodeKindCollector, Collector: &sdk.CollectorConfig{}}}
}

func sectionItemNode(id string) sdk.VisualNode {
	return sdk.VisualNode{Node: sdk.Node{ID: id, Kind: sdk.NodeKindSectionItem}}
}

func graphEdge(id, source, target string, mapping map[string]string) sdk.Edge {
	return sdk.Edge{ID: id, Source: source, Target: target, Mapping: mapping}
}

func startRun(t *testing.T, eng *Engine, version *sdk.FlowVersion, input interface{}) *sdk.Run {
	t.Helper()
	run, err := eng.StartRun(context.Background(), version, sdk.Trigger{Type: "test", Timestamp: time.Now().UTC()}, nil, input)
	require.NoError(t, err)
	return run
}

func getRun(t *testing.T, st store.Store, runID uuid.UUID) *sdk.Run {
	t.Helper()
	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

// noopClient returns an http client whose transport always fails, for tests
// that must not reach the network.
func noopClient() *http.Client {
	return &http.Client{Transport: failingTransport{}}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, http.ErrHandlerTimeout
}
