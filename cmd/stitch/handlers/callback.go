package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stitchhq/stitch/cmd/stitch/engine"
	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/metrics"
	"github.com/stitchhq/stitch/common/store"
)

// CallbackHandler receives worker completions.
type CallbackHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
	metrics    *metrics.Metrics
}

// NewCallbackHandler creates a callback handler.
func NewCallbackHandler(components *bootstrap.Components, eng *engine.Engine, m *metrics.Metrics) *CallbackHandler {
	return &CallbackHandler{components: components, engine: eng, metrics: m}
}

type callbackRequest struct {
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Callback applies a worker's terminal transition and advances the run.
// Repeated deliveries of the same transition are accepted (200); any other
// transition on a non-running node is a conflict (409).
// POST /api/stitch/callback/:runId/:nodeId
func (h *CallbackHandler) Callback(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "invalid run id")
	}
	nodeID := c.Param("nodeId")

	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "malformed request body")
	}

	h.metrics.CallbackReceived(req.Status)

	err = h.engine.CompleteNode(c.Request().Context(), runID, nodeID, req.Status, req.Output, req.Error)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
	case errors.Is(err, engine.ErrBadStatus):
		return fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return fail(c, http.StatusNotFound, CodeNotFound, "run not found")
	case errors.Is(err, engine.ErrNodeNotFound):
		return fail(c, http.StatusNotFound, CodeNotFound, "node not found")
	case errors.Is(err, engine.ErrNodeNotRunning):
		return fail(c, http.StatusConflict, CodeConflict, "node is not running")
	default:
		h.components.Logger.Error("callback processing failed",
			"run_id", runID.String(),
			"node_id", nodeID,
			"error", err)
		return fail(c, http.StatusInternalServerError, CodeInternal, "failed to process callback")
	}
}
