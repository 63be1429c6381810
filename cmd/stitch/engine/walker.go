package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/stitchhq/stitch/common/events"
	"github.com/stitchhq/stitch/common/paths"
	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// Advance walks the successors of a node whose state just changed. It is
// the only place downstream activation happens: handlers perform exactly
// one transition each and never loop over successors themselves.
//
// Successors are processed in lexicographic order; parallel instances in
// ascending index order. Each activation is idempotent, so concurrent
// walkers on the same run converge through the store's compare-and-set.
func (e *Engine) Advance(ctx context.Context, runID uuid.UUID, from string) error {
	run, graph, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	fromInst := sdk.ParseInstanceID(from)
	fromNode := graph.Nodes[fromInst.Base]
	if fromNode == nil {
		return ErrNodeNotFound
	}

	for _, succ := range graph.AdjOut[fromInst.Base] {
		for _, inst := range successorInstances(run, fromInst, fromNode, graph, succ) {
			if err := e.activate(ctx, runID, graph, inst, nil); err != nil {
				e.log.Error("successor activation failed",
					"run_id", runID.String(),
					"node_id", inst.String(),
					"error", err)
			}
		}
	}

	return e.finalize(ctx, runID, graph)
}

// successorInstances resolves one graph successor into the concrete
// instance ids to activate in this run.
func successorInstances(run *sdk.Run, from sdk.InstanceID, fromNode *sdk.Node, graph *sdk.ExecutionGraph, succ string) []sdk.InstanceID {
	// A splitter's successors are the parallel instances it just created,
	// activated in index order.
	if fromNode.Kind == sdk.NodeKindSplitter {
		return runInstanceIDs(run, succ, true)
	}

	// A parallel instance hands its index down, except to collectors,
	// which always join at the base.
	if from.Parallel && graph.Nodes[succ].Kind != sdk.NodeKindCollector {
		return []sdk.InstanceID{from.WithBase(succ)}
	}

	return []sdk.InstanceID{sdk.BaseID(succ)}
}

// activate fires one concrete node instance if its upstreams allow it.
// initialInput is only set for entry nodes at run start.
func (e *Engine) activate(ctx context.Context, runID uuid.UUID, graph *sdk.ExecutionGraph, inst sdk.InstanceID, initialInput interface{}) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	node := graph.Nodes[inst.Base]
	if node == nil {
		return ErrNodeNotFound
	}
	nodeID := inst.String()

	// Collectors are re-evaluated on every upstream completion; their
	// handler is a pure function of the store snapshot and safe to repeat.
	if node.Kind == sdk.NodeKindCollector {
		terminal, err := e.fireCollector(ctx, run, graph, inst)
		if err != nil {
			return err
		}
		if terminal {
			return e.Advance(ctx, runID, nodeID)
		}
		return nil
	}

	if state := run.State(nodeID); state != nil && state.Status != sdk.StatusPending {
		return nil // already claimed by an earlier walk
	}

	ups := e.upstreams(run, graph, inst)

	for _, u := range ups {
		if u.state != nil && u.state.Status == sdk.StatusFailed {
			// Mark and stop: a failed upstream poisons its immediate
			// successor but fires nothing beyond it.
			err := e.failNode(ctx, runID, nodeID, errUpstreamFailed, sdk.StatusPending)
			if errors.Is(err, store.ErrStateConflict) {
				return nil
			}
			return err
		}
	}
	for _, u := range ups {
		if !u.satisfied() {
			return nil // leave pending until the rest of the fan-in lands
		}
	}

	input := initialInput
	if input == nil {
		input = e.mergedInput(graph, inst, node, ups)
	}

	e.metrics.NodeFired(node.Kind)

	var terminal bool
	switch node.Kind {
	case sdk.NodeKindWorker:
		terminal, err = e.fireWorker(ctx, runID, inst, node, input)
	case sdk.NodeKindUX:
		terminal, err = e.fireUX(ctx, runID, inst, input)
	case sdk.NodeKindSplitter:
		terminal, err = e.fireSplitter(ctx, runID, graph, inst, node, input)
	case sdk.NodeKindSectionItem:
		terminal, err = e.fireSectionItem(ctx, runID, inst, input)
	default:
		return fmt.Errorf("unknown node kind %q for node %q", node.Kind, inst.Base)
	}
	if err != nil {
		return err
	}
	if terminal {
		return e.Advance(ctx, runID, nodeID)
	}
	return nil
}

// upstream is one concrete predecessor of a node instance in a run.
type upstream struct {
	base   string // base id in the graph
	id     string // concrete instance id in the run
	output interface{}
	state  *sdk.NodeState
}

// satisfied reports whether this upstream's output is available. A UX node
// counts once it is waiting with a provisional output.
func (u upstream) satisfied() bool {
	if u.state == nil {
		return false
	}
	switch u.state.Status {
	case sdk.StatusCompleted:
		return true
	case sdk.StatusWaitingForUser:
		return u.state.Output != nil
	default:
		return false
	}
}

// upstreams resolves the concrete predecessors feeding an instance. For a
// parallel instance fed by a splitter, the array element was stashed in the
// instance's own pending state at fan-out time.
func (e *Engine) upstreams(run *sdk.Run, graph *sdk.ExecutionGraph, inst sdk.InstanceID) []upstream {
	var ups []upstream
	for _, u := range graph.AdjIn[inst.Base] {
		uNode := graph.Nodes[u]

		if inst.Parallel && uNode != nil && uNode.Kind == sdk.NodeKindSplitter {
			var element interface{}
			if own := run.State(inst.String()); own != nil {
				element = own.Output
			}
			ups = append(ups, upstream{
				base:   u,
				id:     u,
				output: element,
				state:  run.State(u),
			})
			continue
		}

		id := u
		if inst.Parallel {
			if sibling := inst.WithBase(u).String(); run.State(sibling) != nil {
				id = sibling
			}
		}
		state := run.State(id)
		var output interface{}
		if state != nil {
			output = state.Output
		}
		ups = append(ups, upstream{base: u, id: id, output: output, state: state})
	}
	return ups
}

// mergedInput builds the node's input object. Edge mappings route dotted
// paths out of each upstream's output; unmapped object outputs merge
// wholesale; declared defaults fill remaining holes. A single unmapped
// non-object upstream (a splitter element, typically) passes through as-is.
func (e *Engine) mergedInput(graph *sdk.ExecutionGraph, inst sdk.InstanceID, node *sdk.Node, ups []upstream) interface{} {
	merged := map[string]interface{}{}
	shaped := false
	var raw interface{}
	rawCount := 0

	for _, u := range ups {
		mapping := graph.Mapping(u.base, inst.Base)
		if len(mapping) > 0 {
			for name, path := range mapping {
				merged[name] = resolveSourcePath(u.output, path)
			}
			shaped = true
			continue
		}
		if m, ok := u.output.(map[string]interface{}); ok {
			for k, v := range m {
				merged[k] = v
			}
			shaped = true
			continue
		}
		raw = u.output
		rawCount++
	}

	for _, decl := range node.Inputs {
		if decl.Default == nil {
			continue
		}
		if _, ok := merged[decl.Name]; !ok {
			merged[decl.Name] = decl.Default
		}
	}

	if !shaped && len(merged) == 0 && rawCount == 1 {
		return raw
	}
	return merged
}

// resolveSourcePath reads a mapping path against an upstream output. Paths
// are authored as "input.x.y" where "input" names the upstream's output.
func resolveSourcePath(output interface{}, path string) interface{} {
	if path == "input" {
		return output
	}
	path = strings.TrimPrefix(path, "input.")
	return paths.Resolve(output, path)
}

// runInstanceIDs lists the concrete instances of a base id present in the
// run's state, in ascending index order. parallelOnly excludes the bare
// base key.
func runInstanceIDs(run *sdk.Run, base string, parallelOnly bool) []sdk.InstanceID {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `(_\d+)?$`)
	var out []sdk.InstanceID
	for key := range run.NodeStates {
		if !pattern.MatchString(key) {
			continue
		}
		id := sdk.ParseInstanceID(key)
		if parallelOnly && !id.Parallel {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Parallel != out[j].Parallel {
			return !out[i].Parallel
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// finalize records the run's aggregate status once no node can make
// progress. A run completes when every terminal node's instances all
// completed; it fails when quiescent with at least one failure. A quiescent
// run whose terminals were never reached stays running (an empty-array
// fan-out feeding a collector, for example).
func (e *Engine) finalize(ctx context.Context, runID uuid.UUID, graph *sdk.ExecutionGraph) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != sdk.RunStatusRunning {
		return nil
	}

	anyFailed := false
	for _, state := range run.NodeStates {
		if !state.Terminal() {
			return nil // still in flight
		}
		if state.Status == sdk.StatusFailed {
			anyFailed = true
		}
	}

	terminalsCompleted := true
	for _, t := range graph.Terminal {
		instances := runInstanceIDs(run, t, false)
		if len(instances) == 0 {
			terminalsCompleted = false
			break
		}
		for _, id := range instances {
			if run.State(id.String()).Status != sdk.StatusCompleted {
				terminalsCompleted = false
			}
		}
	}

	var status string
	switch {
	case terminalsCompleted:
		status = sdk.RunStatusCompleted
	case anyFailed:
		status = sdk.RunStatusFailed
	default:
		return nil
	}

	if err := e.store.SetRunStatus(ctx, runID, status); err != nil {
		return err
	}
	e.metrics.RunFinished(status)
	e.log.WithRunID(runID.String()).Info("run finished", "status", status)

	eventType := events.TypeRunCompleted
	if status == sdk.RunStatusFailed {
		eventType = events.TypeRunFailed
	}
	e.events.Publish(ctx, events.Event{Type: eventType, RunID: runID.String(), Status: status})
	return nil
}
