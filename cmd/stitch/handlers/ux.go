package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stitchhq/stitch/cmd/stitch/engine"
	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/store"
)

// UXHandler resumes paused UX nodes with user input.
type UXHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
}

// NewUXHandler creates a UX handler.
func NewUXHandler(components *bootstrap.Components, eng *engine.Engine) *UXHandler {
	return &UXHandler{components: components, engine: eng}
}

type completeRequest struct {
	Input interface{} `json:"input"`
}

// Complete writes the user's input as the UX node's output and advances.
// POST /api/stitch/complete/:runId/:nodeId
func (h *UXHandler) Complete(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "invalid run id")
	}
	nodeID := c.Param("nodeId")

	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "malformed request body")
	}

	err = h.engine.CompleteUX(c.Request().Context(), runID, nodeID, req.Input)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
	case errors.Is(err, store.ErrNotFound):
		return fail(c, http.StatusNotFound, CodeNotFound, "run not found")
	case errors.Is(err, engine.ErrNodeNotFound):
		return fail(c, http.StatusNotFound, CodeNotFound, "node not found")
	case errors.Is(err, engine.ErrNotUXNode):
		return fail(c, http.StatusBadRequest, CodeBadRequest, "node is not a ux node")
	case errors.Is(err, engine.ErrNodeNotWaiting):
		return fail(c, http.StatusBadRequest, CodeBadRequest, "node is not waiting for user input")
	default:
		h.components.Logger.Error("ux complete failed",
			"run_id", runID.String(),
			"node_id", nodeID,
			"error", err)
		return fail(c, http.StatusInternalServerError, CodeInternal, "failed to complete ux node")
	}
}
