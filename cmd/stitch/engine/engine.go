// Package engine executes compiled flows. The engine is stateless at the
// process level: every step loads the run from the store, performs one
// atomic node-state transition, and walks the just-unblocked successors.
// Any replica can serve any callback.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/stitchhq/stitch/common/config"
	"github.com/stitchhq/stitch/common/events"
	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/metrics"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// Canonical node error strings. These are persisted in node states and
// asserted on by callers; never reword them.
const (
	errWebhookUnreachable = "Worker webhook unreachable"
	errWebhookTimeout     = "Worker webhook timeout exceeded"
	errInvalidWebhookURL  = "Invalid webhook URL"
	errUpstreamFailed     = "Upstream failed"
	errParallelPathFailed = "Upstream parallel path failed"
	errSplitterNoPath     = "Splitter node missing arrayPath in configuration"
	errNotAnArray         = "Value at path is not an array"
	errUXTimeout          = "UX timeout"
)

// Protocol errors. Handlers map these onto HTTP status codes.
var (
	// ErrNodeNotFound means the node id does not exist in the run's flow.
	ErrNodeNotFound = errors.New("node not found in flow")

	// ErrNotUXNode means a UX-complete was aimed at a non-UX node.
	ErrNotUXNode = errors.New("node is not a ux node")

	// ErrNodeNotWaiting means the UX node is not in waiting_for_user.
	ErrNodeNotWaiting = errors.New("node is not waiting for user input")

	// ErrNodeNotRunning means a callback arrived for a node that is not
	// running and the transition is not an idempotent repeat.
	ErrNodeNotRunning = errors.New("node is not running")

	// ErrBadStatus means a callback carried a status other than
	// completed or failed.
	ErrBadStatus = errors.New("status must be completed or failed")
)

// Engine drives runs through their execution graphs.
type Engine struct {
	store    store.Store
	registry *Registry
	cfg      config.EngineConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	events   *events.Publisher
	client   *http.Client
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents attaches the run event publisher.
func WithEvents(p *events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithHTTPClient overrides the webhook dispatch client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// New creates an engine.
func New(st store.Store, reg *Registry, cfg config.EngineConfig, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		cfg:      cfg,
		log:      log.WithComponent("engine"),
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRun creates a run for a flow version, marks every entry node
// pending, and fires the entries. The optional initial input feeds the
// entry nodes' handlers.
func (e *Engine) StartRun(ctx context.Context, version *sdk.FlowVersion, trigger sdk.Trigger, entityID *uuid.UUID, input interface{}) (*sdk.Run, error) {
	graph := version.Graph

	states := make(map[string]*sdk.NodeState, len(graph.Entry))
	for _, entry := range graph.Entry {
		states[entry] = &sdk.NodeState{Status: sdk.StatusPending}
	}

	run, err := e.store.CreateRun(ctx, version.ID, trigger, entityID, states)
	if err != nil {
		return nil, err
	}
	e.metrics.RunStarted()
	e.log.Info("run started", "run_id", run.ID.String(), "version_id", version.ID.String())

	for _, entry := range graph.Entry {
		if err := e.activate(ctx, run.ID, graph, sdk.BaseID(entry), input); err != nil {
			e.log.Error("entry activation failed",
				"run_id", run.ID.String(),
				"node_id", entry,
				"error", err)
		}
	}
	if err := e.finalize(ctx, run.ID, graph); err != nil {
		e.log.Error("run finalize failed", "run_id", run.ID.String(), "error", err)
	}

	return e.store.GetRun(ctx, run.ID)
}

// CompleteNode applies a terminal transition to a running node. This is the
// single completion path: HTTP worker callbacks, registry executors, and
// dispatch failures all land here. Repeats of the same terminal transition
// are no-ops; any other transition on a non-running node is a conflict.
func (e *Engine) CompleteNode(ctx context.Context, runID uuid.UUID, nodeID, status string, output interface{}, errMsg string) error {
	if status != sdk.StatusCompleted && status != sdk.StatusFailed {
		return ErrBadStatus
	}

	run, graph, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	inst := sdk.ParseInstanceID(nodeID)
	node := graph.Nodes[inst.Base]
	if node == nil {
		return ErrNodeNotFound
	}

	next := &sdk.NodeState{Status: status, Output: output, Error: errMsg}
	if err := e.store.UpdateNodeState(ctx, runID, nodeID, next, sdk.StatusRunning); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			prior := run.State(nodeID)
			if prior != nil && prior.Status == status && prior.Error == errMsg && jsonEqual(prior.Output, output) {
				return nil // duplicate delivery of the same transition
			}
			return ErrNodeNotRunning
		}
		return err
	}

	log := e.log.WithRunID(runID.String()).WithNodeID(nodeID)
	if status == sdk.StatusFailed {
		e.metrics.NodeFailed()
		log.Warn("node failed", "error", errMsg)
		e.events.Publish(ctx, events.Event{Type: events.TypeNodeFailed, RunID: runID.String(), NodeID: nodeID, Status: status, Error: errMsg})
	} else {
		log.Info("node completed")
		e.events.Publish(ctx, events.Event{Type: events.TypeNodeCompleted, RunID: runID.String(), NodeID: nodeID, Status: status})
	}

	if node.Kind == sdk.NodeKindWorker {
		if status == sdk.StatusCompleted {
			e.validateOutputSchema(runID, nodeID, node.Worker, output)
		}
		e.applyEntityMovement(ctx, run, node, nodeID, status)
	}

	return e.Advance(ctx, runID, nodeID)
}

// CompleteUX resumes a paused UX node with the user's input and walks its
// successors.
func (e *Engine) CompleteUX(ctx context.Context, runID uuid.UUID, nodeID string, input interface{}) error {
	run, graph, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	inst := sdk.ParseInstanceID(nodeID)
	node := graph.Nodes[inst.Base]
	if node == nil {
		return ErrNodeNotFound
	}
	if node.Kind != sdk.NodeKindUX {
		return ErrNotUXNode
	}
	state := run.State(nodeID)
	if state == nil {
		return ErrNodeNotFound // node exists in the flow but not in this run
	}
	if state.Status != sdk.StatusWaitingForUser {
		return ErrNodeNotWaiting
	}

	next := &sdk.NodeState{Status: sdk.StatusCompleted, Output: input}
	if err := e.store.UpdateNodeState(ctx, runID, nodeID, next, sdk.StatusWaitingForUser); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return ErrNodeNotWaiting
		}
		return err
	}

	e.log.WithRunID(runID.String()).WithNodeID(nodeID).Info("ux node completed by user")
	e.events.Publish(ctx, events.Event{Type: events.TypeNodeCompleted, RunID: runID.String(), NodeID: nodeID, Status: sdk.StatusCompleted})

	return e.Advance(ctx, runID, nodeID)
}

// Registry exposes the engine's worker registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// loadRun fetches a run together with its compiled graph.
func (e *Engine) loadRun(ctx context.Context, runID uuid.UUID) (*sdk.Run, *sdk.ExecutionGraph, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	version, err := e.store.GetVersion(ctx, run.FlowVersionID)
	if err != nil {
		return nil, nil, err
	}
	return run, version.Graph, nil
}

// failNode transitions a running node to failed with a canonical message.
func (e *Engine) failNode(ctx context.Context, runID uuid.UUID, nodeID, msg string, expect ...string) error {
	state := &sdk.NodeState{Status: sdk.StatusFailed, Error: msg}
	if err := e.store.UpdateNodeState(ctx, runID, nodeID, state, expect...); err != nil {
		return err
	}
	e.metrics.NodeFailed()
	e.log.WithRunID(runID.String()).WithNodeID(nodeID).Warn("node failed", "error", msg)
	e.events.Publish(ctx, events.Event{Type: events.TypeNodeFailed, RunID: runID.String(), NodeID: nodeID, Status: sdk.StatusFailed, Error: msg})
	return nil
}

// jsonEqual compares two JSON-shaped values semantically.
func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return jsonpatch.Equal(ab, bb)
}
