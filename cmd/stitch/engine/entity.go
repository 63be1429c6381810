package engine

import (
	"context"

	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// applyEntityMovement relocates the run's entity when a worker node reaches
// a terminal state with an entityMovement configured. Movement is a
// side-effect: failures are logged and swallowed, never promoted into run
// failure.
func (e *Engine) applyEntityMovement(ctx context.Context, run *sdk.Run, node *sdk.Node, nodeID, status string) {
	if node.Worker == nil || node.Worker.EntityMovement == nil || run.EntityID == nil {
		return
	}

	var move *sdk.EntityMove
	switch status {
	case sdk.StatusCompleted:
		move = node.Worker.EntityMovement.OnSuccess
	case sdk.StatusFailed:
		move = node.Worker.EntityMovement.OnFailure
	}
	if move == nil {
		return
	}

	completeAs := move.CompleteAs
	if completeAs == "" {
		if status == sdk.StatusCompleted {
			completeAs = sdk.CompleteAsSuccess
		} else {
			completeAs = sdk.CompleteAsFailure
		}
	}

	meta := store.JourneyMeta{
		Type:   "node_arrival",
		RunID:  run.ID.String(),
		NodeID: nodeID,
	}

	log := e.log.WithRunID(run.ID.String()).WithNodeID(nodeID)
	err := e.store.MoveEntityToSection(ctx, *run.EntityID, move.TargetSectionID, completeAs, meta, move.SetEntityType)
	if err != nil {
		log.Error("entity movement failed",
			"entity_id", run.EntityID.String(),
			"section_id", move.TargetSectionID,
			"error", err)
		return
	}
	log.Info("entity moved",
		"entity_id", run.EntityID.String(),
		"section_id", move.TargetSectionID,
		"complete_as", completeAs)
}
