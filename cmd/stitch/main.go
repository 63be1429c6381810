package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/stitchhq/stitch/cmd/stitch/compiler"
	"github.com/stitchhq/stitch/cmd/stitch/engine"
	"github.com/stitchhq/stitch/cmd/stitch/routes"
	"github.com/stitchhq/stitch/cmd/stitch/service"
	"github.com/stitchhq/stitch/common/bootstrap"
	"github.com/stitchhq/stitch/common/events"
	"github.com/stitchhq/stitch/common/metrics"
	"github.com/stitchhq/stitch/common/ratelimit"
	"github.com/stitchhq/stitch/common/store"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "stitch")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap stitch: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	st := store.NewPostgres(components.DB)
	if err := st.Migrate(ctx); err != nil {
		components.Logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	registry := engine.NewRegistry()
	if err := registry.Populate(components.Config.Engine.WorkerTypes); err != nil {
		components.Logger.Error("worker registry setup failed", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if components.Telemetry != nil {
		m = metrics.New(components.Telemetry.Registry())
	}
	publisher := events.NewPublisher(components.Redis, components.Logger)

	eng := engine.New(st, registry, components.Config.Engine, components.Logger,
		engine.WithMetrics(m),
		engine.WithEvents(publisher),
	)

	sweeper := engine.NewSweeper(eng, st, components.Config.Engine.UXSweepInterval, components.Logger)
	sweeper.Start(ctx)

	flows := service.NewFlowService(st, compiler.New(registry), components.Logger)
	limiter := ratelimit.New(components.Redis.Raw(), components.Logger)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)

	routes.Register(e, routes.Deps{
		Components: components,
		Store:      st,
		Engine:     eng,
		Flows:      flows,
		Metrics:    m,
		Limiter:    limiter,
	})

	startServer(e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
}

func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "stitch",
		})
	})
}

func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting stitch engine", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
