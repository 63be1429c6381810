// Package service holds flow-level orchestration above the store: deciding
// which immutable version a run executes.
package service

import (
	"context"
	"encoding/json"
	"errors"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/stitchhq/stitch/cmd/stitch/compiler"
	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// ErrNoCurrentVersion means a run was requested without a canvas on a flow
// that has never been versioned.
var ErrNoCurrentVersion = errors.New("flow has no current version")

// FlowService resolves the flow version a run should execute.
type FlowService struct {
	store    store.Store
	compiler *compiler.Compiler
	log      *logger.Logger
}

// NewFlowService creates a flow service.
func NewFlowService(st store.Store, comp *compiler.Compiler, log *logger.Logger) *FlowService {
	return &FlowService{store: st, compiler: comp, log: log.WithComponent("flows")}
}

// ResolveVersion picks the version for a new run. Without a canvas, the
// flow's current version is used. With one, the canvas is compiled and
// compared semantically against the current version: an unchanged canvas
// reuses the existing version id, a changed one becomes a new immutable
// version. Runs are never created from invalid graphs; validation errors
// come back as the middle return.
func (s *FlowService) ResolveVersion(ctx context.Context, flowID uuid.UUID, visual *sdk.VisualGraph) (*sdk.FlowVersion, []compiler.ValidationError, error) {
	if visual == nil {
		version, err := s.store.CurrentVersion(ctx, flowID)
		if errors.Is(err, store.ErrNotFound) {
			if _, ferr := s.store.GetFlow(ctx, flowID); ferr != nil {
				return nil, nil, ferr
			}
			return nil, nil, ErrNoCurrentVersion
		}
		return version, nil, err
	}

	graph, verrs := s.compiler.Compile(visual)
	if len(verrs) > 0 {
		return nil, verrs, nil
	}

	current, err := s.store.CurrentVersion(ctx, flowID)
	if err == nil && current.Visual != nil && canvasEqual(current.Visual, visual) {
		s.log.Debug("canvas unchanged, reusing version",
			"flow_id", flowID.String(),
			"version_id", current.ID.String())
		return current, nil, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	version, err := s.store.CreateVersion(ctx, flowID, visual, graph)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("created flow version",
		"flow_id", flowID.String(),
		"version_id", version.ID.String())
	return version, nil, nil
}

// canvasEqual compares two canvases as JSON documents, so key order and
// other serialization noise never force a new version.
func canvasEqual(a, b *sdk.VisualGraph) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return jsonpatch.Equal(ab, bb)
}
