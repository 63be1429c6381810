package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stitchhq/stitch/common/events"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// fireUX pauses the run at a human-input point. The merged input is stored
// as provisional output so a UI can render context while waiting; the node
// leaves this state only through CompleteUX or the timeout sweeper.
func (e *Engine) fireUX(ctx context.Context, runID uuid.UUID, inst sdk.InstanceID, input interface{}) (bool, error) {
	nodeID := inst.String()

	state := &sdk.NodeState{Status: sdk.StatusWaitingForUser, Output: input}
	if err := e.store.UpdateNodeState(ctx, runID, nodeID, state, sdk.StatusPending); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	e.log.WithRunID(runID.String()).WithNodeID(nodeID).Info("waiting for user input")
	e.events.Publish(ctx, events.Event{
		Type:    events.TypeUserInputDue,
		RunID:   runID.String(),
		NodeID:  nodeID,
		Status:  sdk.StatusWaitingForUser,
		Payload: input,
	})

	return false, nil
}

// fireSectionItem completes a waypoint node immediately, passing its merged
// input through as output.
func (e *Engine) fireSectionItem(ctx context.Context, runID uuid.UUID, inst sdk.InstanceID, input interface{}) (bool, error) {
	nodeID := inst.String()

	state := &sdk.NodeState{Status: sdk.StatusCompleted, Output: input}
	if err := e.store.UpdateNodeState(ctx, runID, nodeID, state, sdk.StatusPending); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	e.events.Publish(ctx, events.Event{
		Type:   events.TypeNodeCompleted,
		RunID:  runID.String(),
		NodeID: nodeID,
		Status: sdk.StatusCompleted,
	})
	return true, nil
}
