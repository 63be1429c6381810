package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchhq/stitch/cmd/stitch/compiler"
	"github.com/stitchhq/stitch/cmd/stitch/engine"
	"github.com/stitchhq/stitch/cmd/stitch/service"
	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/config"
	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// testHarness wires handlers over an in-memory store, with webhooks pointed
// at a local capture server.
type testHarness struct {
	store    *store.Memory
	engine   *engine.Engine
	flows    *service.FlowService
	worker   *httptest.Server
	flow     *FlowHandler
	callback *CallbackHandler
	ux       *UXHandler
	run      *RunHandler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st := store.NewMemory()
	log := logger.New("error", "json")
	components := &bootstrap.Components{Logger: log}

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(worker.Close)

	reg := engine.NewRegistry()
	require.NoError(t, reg.Populate([]string{"echo"}))
	eng := engine.New(st, reg, config.EngineConfig{
		BaseURL:         "http://engine.test",
		CallbackTimeout: 2 * time.Second,
	}, log)

	flows := service.NewFlowService(st, compiler.New(reg), log)

	return &testHarness{
		store:    st,
		engine:   eng,
		flows:    flows,
		worker:   worker,
		flow:     NewFlowHandler(components, flows, eng),
		callback: NewCallbackHandler(components, eng, nil),
		ux:       NewUXHandler(components, eng),
		run:      NewRunHandler(components, st),
	}
}

// seedFlow creates a flow with a current version: UX node A feeding worker B
// on the harness webhook.
func (h *testHarness) seedFlow(t *testing.T) *sdk.Flow {
	t.Helper()
	ctx := context.Background()
	flow, err := h.store.CreateFlow(ctx, "test-flow")
	require.NoError(t, err)

	visual := h.canvas()
	comp := compiler.New(compiler.WorkerTypeSet{})
	graph, verrs := comp.Compile(visual)
	require.Empty(t, verrs)
	_, err = h.store.CreateVersion(ctx, flow.ID, visual, graph)
	require.NoError(t, err)
	return flow
}

func (h *testHarness) canvas() *sdk.VisualGraph {
	return &sdk.VisualGraph{
		Nodes: []sdk.VisualNode{
			{Node: sdk.Node{ID: "A", Kind: sdk.NodeKindUX, UX: &sdk.UXConfig{Prompt: "?"}}},
			{Node: sdk.Node{ID: "B", Kind: sdk.NodeKindWorker, Worker: &sdk.WorkerConfig{WebhookURL: h.worker.URL}}},
		},
		Edges: []sdk.Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
}

func doJSON(t *testing.T, handler echo.HandlerFunc, method, path string, body interface{}, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	require.NoError(t, handler(c))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartRun_WithCurrentVersion(t *testing.T) {
	h := newHarness(t)
	flow := h.seedFlow(t)

	rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+flow.ID.String()+"/run",
		map[string]interface{}{}, map[string]string{"id": flow.ID.String()})

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "started", body["status"])
	assert.NotEmpty(t, body["runId"])
	assert.NotEmpty(t, body["versionId"])

	runID, err := uuid.Parse(body["runId"].(string))
	require.NoError(t, err)
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, sdk.StatusWaitingForUser, run.State("A").Status)
}

func TestStartRun_WithInlineCanvas(t *testing.T) {
	h := newHarness(t)
	flow, err := h.store.CreateFlow(context.Background(), "empty-flow")
	require.NoError(t, err)

	rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+flow.ID.String()+"/run",
		map[string]interface{}{"visualGraph": h.canvas()},
		map[string]string{"id": flow.ID.String()})

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestStartRun_Errors(t *testing.T) {
	h := newHarness(t)

	t.Run("invalid flow id", func(t *testing.T) {
		rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/nope/run",
			nil, map[string]string{"id": "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeBadRequest, decodeBody(t, rec)["code"])
	})

	t.Run("unknown flow", func(t *testing.T) {
		id := uuid.New().String()
		rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+id+"/run",
			map[string]interface{}{}, map[string]string{"id": id})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no current version and no canvas", func(t *testing.T) {
		flow, err := h.store.CreateFlow(context.Background(), "unversioned")
		require.NoError(t, err)
		rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+flow.ID.String()+"/run",
			map[string]interface{}{}, map[string]string{"id": flow.ID.String()})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid entity id", func(t *testing.T) {
		flow := h.seedFlow(t)
		rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+flow.ID.String()+"/run",
			map[string]interface{}{"entityId": "not-a-uuid"},
			map[string]string{"id": flow.ID.String()})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation errors carry details", func(t *testing.T) {
		flow, err := h.store.CreateFlow(context.Background(), "bad-canvas")
		require.NoError(t, err)
		bad := &sdk.VisualGraph{
			Nodes: []sdk.VisualNode{
				{Node: sdk.Node{ID: "A", Kind: sdk.NodeKindUX, UX: &sdk.UXConfig{Prompt: "?"}}},
			},
			Edges: []sdk.Edge{{ID: "e1", Source: "A", Target: "ghost"}},
		}
		rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+flow.ID.String()+"/run",
			map[string]interface{}{"visualGraph": bad},
			map[string]string{"id": flow.ID.String()})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, CodeValidation, body["code"])
		assert.NotEmpty(t, body["details"])
	})
}

func startedRun(t *testing.T, h *testHarness) *sdk.Run {
	t.Helper()
	flow := h.seedFlow(t)
	rec := doJSON(t, h.flow.StartRun, http.MethodPost, "/api/flows/"+flow.ID.String()+"/run",
		map[string]interface{}{}, map[string]string{"id": flow.ID.String()})
	require.Equal(t, http.StatusCreated, rec.Code)
	runID, err := uuid.Parse(decodeBody(t, rec)["runId"].(string))
	require.NoError(t, err)
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func TestUXComplete(t *testing.T) {
	h := newHarness(t)
	run := startedRun(t, h)
	path := func(runID, nodeID string) string {
		return fmt.Sprintf("/api/stitch/complete/%s/%s", runID, nodeID)
	}
	params := func(runID, nodeID string) map[string]string {
		return map[string]string{"runId": runID, "nodeId": nodeID}
	}

	t.Run("unknown run", func(t *testing.T) {
		id := uuid.New().String()
		rec := doJSON(t, h.ux.Complete, http.MethodPost, path(id, "A"),
			map[string]interface{}{"input": map[string]interface{}{}}, params(id, "A"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown node", func(t *testing.T) {
		rec := doJSON(t, h.ux.Complete, http.MethodPost, path(run.ID.String(), "ghost"),
			map[string]interface{}{"input": map[string]interface{}{}}, params(run.ID.String(), "ghost"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("not a ux node", func(t *testing.T) {
		rec := doJSON(t, h.ux.Complete, http.MethodPost, path(run.ID.String(), "B"),
			map[string]interface{}{"input": map[string]interface{}{}}, params(run.ID.String(), "B"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success then not waiting", func(t *testing.T) {
		rec := doJSON(t, h.ux.Complete, http.MethodPost, path(run.ID.String(), "A"),
			map[string]interface{}{"input": map[string]interface{}{"answer": "yes"}}, params(run.ID.String(), "A"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["success"])

		rec = doJSON(t, h.ux.Complete, http.MethodPost, path(run.ID.String(), "A"),
			map[string]interface{}{"input": map[string]interface{}{}}, params(run.ID.String(), "A"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCallback(t *testing.T) {
	h := newHarness(t)
	run := startedRun(t, h)
	ctx := context.Background()

	// Move B to running via the UX completion.
	require.NoError(t, h.engine.CompleteUX(ctx, run.ID, "A", map[string]interface{}{"go": true}))

	params := func(runID, nodeID string) map[string]string {
		return map[string]string{"runId": runID, "nodeId": nodeID}
	}
	callbackBody := map[string]interface{}{
		"status": "completed",
		"output": map[string]interface{}{"result": float64(1)},
	}

	t.Run("invalid run id", func(t *testing.T) {
		rec := doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/nope/B",
			callbackBody, params("nope", "B"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad status", func(t *testing.T) {
		rec := doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/x/B",
			map[string]interface{}{"status": "done"}, params(run.ID.String(), "B"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown run", func(t *testing.T) {
		id := uuid.New().String()
		rec := doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/x/B",
			callbackBody, params(id, "B"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown node", func(t *testing.T) {
		rec := doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/x/ghost",
			callbackBody, params(run.ID.String(), "ghost"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("success then idempotent repeat then conflict", func(t *testing.T) {
		rec := doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/x/B",
			callbackBody, params(run.ID.String(), "B"))
		require.Equal(t, http.StatusOK, rec.Code)

		// Same delivery again: still 200.
		rec = doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/x/B",
			callbackBody, params(run.ID.String(), "B"))
		assert.Equal(t, http.StatusOK, rec.Code)

		// A different transition on the settled node: conflict.
		rec = doJSON(t, h.callback.Callback, http.MethodPost, "/api/stitch/callback/x/B",
			map[string]interface{}{"status": "failed", "error": "late"},
			params(run.ID.String(), "B"))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeConflict, decodeBody(t, rec)["code"])
	})
}

func TestRunGet(t *testing.T) {
	h := newHarness(t)
	run := startedRun(t, h)

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, h.run.Get, http.MethodGet, "/api/runs/"+run.ID.String(),
			nil, map[string]string{"id": run.ID.String()})
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, run.ID.String(), body["id"])
		states := body["node_states"].(map[string]interface{})
		assert.Contains(t, states, "A")
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := doJSON(t, h.run.Get, http.MethodGet, "/api/runs/nope",
			nil, map[string]string{"id": "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		id := uuid.New().String()
		rec := doJSON(t, h.run.Get, http.MethodGet, "/api/runs/"+id,
			nil, map[string]string{"id": id})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
