package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/store"
)

// RunHandler serves run observation.
type RunHandler struct {
	components *bootstrap.Components
	store      store.Store
}

// NewRunHandler creates a run handler.
func NewRunHandler(components *bootstrap.Components, st store.Store) *RunHandler {
	return &RunHandler{components: components, store: st}
}

// Get returns a run with its node states.
// GET /api/runs/:id
func (h *RunHandler) Get(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, CodeBadRequest, "invalid run id")
	}

	run, err := h.store.GetRun(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(c, http.StatusNotFound, CodeNotFound, "run not found")
		}
		h.components.Logger.Error("run fetch failed", "run_id", runID.String(), "error", err)
		return fail(c, http.StatusInternalServerError, CodeInternal, "failed to fetch run")
	}

	return c.JSON(http.StatusOK, run)
}
