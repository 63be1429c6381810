package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stitchhq/stitch/cmd/stitch/engine"
	"github.com/stitchhq/stitch/cmd/stitch/service"
	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// FlowHandler serves run creation.
type FlowHandler struct {
	components *bootstrap.Components
	flows      *service.FlowService
	engine     *engine.Engine
}

// NewFlowHandler creates a flow handler.
func NewFlowHandler(components *bootstrap.Components, flows *service.FlowService, eng *engine.Engine) *FlowHandler {
	return &FlowHandler{components: components, flows: flows, engine: eng}
}

type startRunRequest struct {
	VisualGraph *sdk.VisualGraph `json:"visualGraph,omitempty"`
	EntityID    *string          `json:"entityId,omitempty"`
	Input       interface{}      `json:"input,omitempty"`
}

// StartRun creates and starts a run for a flow.
// POST /api/flows/:id/run
func (h *FlowHandler) StartRun(c echo.Context) error {
	flowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "invalid flow id")
	}

	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "malformed request body")
	}

	var entityID *uuid.UUID
	if req.EntityID != nil {
		parsed, err := uuid.Parse(*req.EntityID)
		if err != nil {
			return fail(c, http.StatusBadRequest, CodeBadRequest, "invalid entity id")
		}
		entityID = &parsed
	}

	ctx := c.Request().Context()
	version, verrs, err := h.flows.ResolveVersion(ctx, flowID, req.VisualGraph)
	if len(verrs) > 0 {
		return failWithDetails(c, http.StatusBadRequest, CodeValidation, "graph validation failed", verrs)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fail(c, http.StatusNotFound, CodeNotFound, "flow not found")
		case errors.Is(err, service.ErrNoCurrentVersion):
			return fail(c, http.StatusBadRequest, CodeBadRequest, "flow has no current version; supply a visualGraph")
		default:
			h.components.Logger.Error("version resolution failed", "flow_id", flowID.String(), "error", err)
			return fail(c, http.StatusInternalServerError, CodeInternal, "failed to resolve flow version")
		}
	}

	trigger := sdk.Trigger{Type: "api", Source: c.RealIP(), Timestamp: time.Now().UTC()}
	run, err := h.engine.StartRun(ctx, version, trigger, entityID, req.Input)
	if err != nil {
		h.components.Logger.Error("run start failed", "flow_id", flowID.String(), "error", err)
		return fail(c, http.StatusInternalServerError, CodeInternal, "failed to start run")
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"runId":     run.ID,
		"versionId": version.ID,
		"status":    "started",
	})
}
