package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stitchhq/stitch/common/events"
	"github.com/stitchhq/stitch/common/paths"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// fireSplitter fans an array out into parallel instances. For an array of
// length n and k downstream nodes it writes n·k pending instance states in
// one atomic update, each carrying its array element, and completes the
// splitter with the whole array. No instance fires here; the walker pass
// that follows activates them.
func (e *Engine) fireSplitter(ctx context.Context, runID uuid.UUID, graph *sdk.ExecutionGraph, inst sdk.InstanceID, node *sdk.Node, input interface{}) (bool, error) {
	nodeID := inst.String()

	// Claim the node before inspecting input so concurrent walkers agree
	// on a single fan-out.
	if err := e.store.UpdateNodeState(ctx, runID, nodeID, &sdk.NodeState{Status: sdk.StatusRunning}, sdk.StatusPending); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	cfg := node.Splitter
	if cfg == nil || cfg.ArrayPath == "" {
		if err := e.failNode(ctx, runID, nodeID, errSplitterNoPath, sdk.StatusRunning); err != nil {
			return false, err
		}
		return true, nil
	}

	value := paths.Resolve(input, cfg.ArrayPath)
	arr, ok := value.([]interface{})
	if !ok {
		if err := e.failNode(ctx, runID, nodeID, errNotAnArray, sdk.StatusRunning); err != nil {
			return false, err
		}
		return true, nil
	}

	log := e.log.WithRunID(runID.String()).WithNodeID(nodeID)

	if len(arr) == 0 {
		// Nothing to fan out: the splitter completes with [] and no
		// parallel instances exist. Downstream collectors observe an
		// empty predecessor set and stay pending.
		state := &sdk.NodeState{Status: sdk.StatusCompleted, Output: []interface{}{}}
		if err := e.store.UpdateNodeState(ctx, runID, nodeID, state, sdk.StatusRunning); err != nil {
			return false, err
		}
		log.Info("splitter fanned out", "instances", 0)
		e.events.Publish(ctx, events.Event{Type: events.TypeNodeCompleted, RunID: runID.String(), NodeID: nodeID, Status: sdk.StatusCompleted})
		return true, nil
	}

	downstream := graph.AdjOut[inst.Base]
	updates := make(map[string]*sdk.NodeState, len(downstream)*len(arr)+1)
	for _, d := range downstream {
		for i, element := range arr {
			updates[sdk.ParallelID(d, i).String()] = &sdk.NodeState{
				Status: sdk.StatusPending,
				Output: element,
			}
		}
	}
	updates[nodeID] = &sdk.NodeState{Status: sdk.StatusCompleted, Output: arr}

	if err := e.store.UpdateNodeStates(ctx, runID, updates); err != nil {
		return false, err
	}

	log.Info("splitter fanned out", "instances", len(downstream)*len(arr), "array_len", len(arr))
	e.events.Publish(ctx, events.Event{Type: events.TypeNodeCompleted, RunID: runID.String(), NodeID: nodeID, Status: sdk.StatusCompleted})
	return true, nil
}
