// Package routes wires the control API onto echo.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/stitchhq/stitch/cmd/stitch/engine"
	"github.com/stitchhq/stitch/cmd/stitch/handlers"
	"github.com/stitchhq/stitch/cmd/stitch/service"
	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/metrics"
	"github.com/stitchhq/stitch/common/middleware"
	"github.com/stitchhq/stitch/common/ratelimit"
	"github.com/stitchhq/stitch/common/store"
)

// Deps carries everything route registration needs.
type Deps struct {
	Components *bootstrap.Components
	Store      store.Store
	Engine     *engine.Engine
	Flows      *service.FlowService
	Metrics    *metrics.Metrics
	Limiter    *ratelimit.Limiter
}

// Register mounts the control API. Control endpoints share the API budget;
// the worker callback has its own tighter budget since external workers
// retry aggressively.
func Register(e *echo.Echo, deps Deps) {
	cfg := deps.Components.Config.Engine
	apiLimit := middleware.IPRateLimitMiddleware(deps.Limiter, "api", cfg.APIRateLimit)
	webhookLimit := middleware.IPRateLimitMiddleware(deps.Limiter, "webhook", cfg.WebhookRateLimit)

	flowHandler := handlers.NewFlowHandler(deps.Components, deps.Flows, deps.Engine)
	callbackHandler := handlers.NewCallbackHandler(deps.Components, deps.Engine, deps.Metrics)
	uxHandler := handlers.NewUXHandler(deps.Components, deps.Engine)
	runHandler := handlers.NewRunHandler(deps.Components, deps.Store)

	flows := e.Group("/api/flows", apiLimit)
	{
		flows.POST("/:id/run", flowHandler.StartRun)
	}

	runs := e.Group("/api/runs", apiLimit)
	{
		runs.GET("/:id", runHandler.Get)
	}

	stitch := e.Group("/api/stitch")
	{
		stitch.POST("/callback/:runId/:nodeId", callbackHandler.Callback, webhookLimit)
		stitch.POST("/complete/:runId/:nodeId", uxHandler.Complete, apiLimit)
	}
}
