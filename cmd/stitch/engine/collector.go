package engine

import (
	"context"
	"errors"

	"github.com/stitchhq/stitch/common/events"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// fireCollector joins parallel paths. It enumerates the actual predecessor
// instances present in the run (base ids and any _<index> siblings), then:
// any failed predecessor fails the collector; any incomplete one leaves it
// pending; otherwise it completes with the predecessor outputs ordered by
// (base id lexicographic, index ascending). The handler is a pure function
// of the store snapshot and safe to call any number of times.
func (e *Engine) fireCollector(ctx context.Context, run *sdk.Run, graph *sdk.ExecutionGraph, inst sdk.InstanceID) (bool, error) {
	nodeID := inst.String()

	if state := run.State(nodeID); state != nil && state.Terminal() {
		return false, nil
	}

	// AdjIn is sorted, and per-base instances come back in index order, so
	// the predecessor list is already in output order.
	type pred struct {
		id    sdk.InstanceID
		state *sdk.NodeState
	}
	var preds []pred
	for _, u := range graph.AdjIn[inst.Base] {
		instances := runInstanceIDs(run, u, false)
		if len(instances) == 0 {
			// Upstream never materialized (not reached, or an empty
			// fan-out). Its base still gates completion.
			instances = []sdk.InstanceID{sdk.BaseID(u)}
		}
		for _, id := range instances {
			preds = append(preds, pred{id: id, state: run.State(id.String())})
		}
	}

	completed := 0
	for _, p := range preds {
		if p.state == nil {
			continue
		}
		switch p.state.Status {
		case sdk.StatusFailed:
			err := e.failNode(ctx, run.ID, nodeID, errParallelPathFailed, sdk.StatusPending)
			if errors.Is(err, store.ErrStateConflict) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, nil
		case sdk.StatusCompleted:
			completed++
		}
	}

	if len(preds) == 0 || completed < len(preds) {
		// Record progress for observability and keep waiting. The counts
		// are a derived cache, never a gating input.
		state := &sdk.NodeState{
			Status:                 sdk.StatusPending,
			UpstreamCompletedCount: completed,
			ExpectedUpstreamCount:  len(preds),
		}
		if err := e.store.UpdateNodeState(ctx, run.ID, nodeID, state, sdk.StatusPending); err != nil && !errors.Is(err, store.ErrStateConflict) {
			return false, err
		}
		return false, nil
	}

	outputs := make([]interface{}, len(preds))
	for i, p := range preds {
		outputs[i] = p.state.Output
	}
	state := &sdk.NodeState{
		Status:                 sdk.StatusCompleted,
		Output:                 outputs,
		UpstreamCompletedCount: completed,
		ExpectedUpstreamCount:  len(preds),
	}
	if err := e.store.UpdateNodeState(ctx, run.ID, nodeID, state, sdk.StatusPending); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	e.log.WithRunID(run.ID.String()).WithNodeID(nodeID).Info("collector merged", "predecessors", len(preds))
	e.events.Publish(ctx, events.Event{Type: events.TypeNodeCompleted, RunID: run.ID.String(), NodeID: nodeID, Status: sdk.StatusCompleted})
	return true, nil
}
