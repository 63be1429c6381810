package engine

import (
	"context"
	"time"

	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

const sweepBatchSize = 100

// Sweeper fails UX nodes that outlived their configured timeout. UX waits
// can span days, so enforcement is a periodic scan over running runs rather
// than per-node timers; any engine replica may run it.
type Sweeper struct {
	engine   *Engine
	store    store.Store
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(e *Engine, st store.Store, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		engine:   e,
		store:    st,
		interval: interval,
		log:      log.WithComponent("ux-sweeper"),
		now:      time.Now,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.log.Error("sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep scans running runs once and times out overdue UX nodes.
func (s *Sweeper) Sweep(ctx context.Context) error {
	runs, err := s.store.ListRunsByStatus(ctx, sdk.RunStatusRunning, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, run := range runs {
		version, err := s.store.GetVersion(ctx, run.FlowVersionID)
		if err != nil {
			s.log.Error("failed to load version for sweep", "run_id", run.ID.String(), "error", err)
			continue
		}
		s.sweepRun(ctx, run, version.Graph)
	}
	return nil
}

func (s *Sweeper) sweepRun(ctx context.Context, run *sdk.Run, graph *sdk.ExecutionGraph) {
	for nodeID, state := range run.NodeStates {
		if state.Status != sdk.StatusWaitingForUser {
			continue
		}
		node := graph.Nodes[sdk.ParseInstanceID(nodeID).Base]
		if node == nil || node.UX == nil || node.UX.TimeoutHours <= 0 {
			continue
		}
		deadline := state.UpdatedAt.Add(time.Duration(node.UX.TimeoutHours * float64(time.Hour)))
		if s.now().Before(deadline) {
			continue
		}

		s.log.WithRunID(run.ID.String()).WithNodeID(nodeID).Warn("ux node timed out",
			"timeout_hours", node.UX.TimeoutHours)
		if err := s.engine.failNode(ctx, run.ID, nodeID, errUXTimeout, sdk.StatusWaitingForUser); err != nil {
			continue // lost the race with a user completion
		}
		if err := s.engine.Advance(ctx, run.ID, nodeID); err != nil {
			s.log.Error("advance after ux timeout failed", "run_id", run.ID.String(), "error", err)
		}
	}
}
