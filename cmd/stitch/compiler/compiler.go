// Package compiler turns an authored canvas into the O(1)-indexed
// ExecutionGraph the engine consumes. Compilation is a pure function: it
// accumulates every validation error instead of stopping at the first, and
// never panics on user-authored structure.
package compiler

import (
	"fmt"
	"sort"

	"github.com/stitchhq/stitch/common/sdk"
)

// Validation error codes.
const (
	CodeCycle                = "Cycle"
	CodeEdgeEndpoint         = "EdgeEndpoint"
	CodeMissingRequiredInput = "MissingRequiredInput"
	CodeUnknownWorkerType    = "UnknownWorkerType"
	CodeReservedNodeID       = "ReservedNodeID"
)

// ValidationError is one authoring problem found during compilation.
type ValidationError struct {
	Code    string   `json:"code"`
	Node    string   `json:"node,omitempty"`
	Input   string   `json:"input,omitempty"`
	Nodes   []string `json:"nodes,omitempty"` // set for Cycle
	Message string   `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WorkerTypes answers whether a workerType is registered. The registry
// satisfies this at runtime; tests pass a set.
type WorkerTypes interface {
	Has(workerType string) bool
}

// WorkerTypeSet is a static WorkerTypes implementation.
type WorkerTypeSet map[string]bool

// Has reports whether the type is in the set.
func (s WorkerTypeSet) Has(workerType string) bool { return s[workerType] }

// Compiler compiles canvases against a set of registered worker types.
type Compiler struct {
	workerTypes WorkerTypes
}

// New creates a compiler. A nil WorkerTypes means no types are registered,
// so every worker must carry a webhook URL.
func New(workerTypes WorkerTypes) *Compiler {
	return &Compiler{workerTypes: workerTypes}
}

// Compile validates the canvas and builds the execution graph. On any
// validation error it returns (nil, errs); errs is non-empty exactly when
// the graph is nil. Identical canvases compile to identical graphs:
// adjacency, entry, and terminal lists are sorted.
func (c *Compiler) Compile(visual *sdk.VisualGraph) (*sdk.ExecutionGraph, []ValidationError) {
	var errs []ValidationError

	graph := &sdk.ExecutionGraph{
		Nodes:    make(map[string]*sdk.Node, len(visual.Nodes)),
		AdjOut:   make(map[string][]string),
		AdjIn:    make(map[string][]string),
		EdgeData: make(map[string]map[string]map[string]string),
	}

	// Insert nodes, stripping layout. The _<digits> suffix is reserved for
	// parallel instances and may not be authored.
	for i := range visual.Nodes {
		node := visual.Nodes[i].Node
		if sdk.HasInstanceSuffix(node.ID) {
			errs = append(errs, ValidationError{
				Code:    CodeReservedNodeID,
				Node:    node.ID,
				Message: fmt.Sprintf("node id %q ends in the reserved _<digits> suffix", node.ID),
			})
			continue
		}
		stripped := node
		graph.Nodes[node.ID] = &stripped
	}

	// Index edges.
	for _, edge := range visual.Edges {
		_, srcOK := graph.Nodes[edge.Source]
		_, dstOK := graph.Nodes[edge.Target]
		if !srcOK || !dstOK {
			missing := edge.Source
			if srcOK {
				missing = edge.Target
			}
			errs = append(errs, ValidationError{
				Code:    CodeEdgeEndpoint,
				Node:    missing,
				Message: fmt.Sprintf("edge %q references unknown node %q", edge.ID, missing),
			})
			continue
		}

		graph.AdjOut[edge.Source] = append(graph.AdjOut[edge.Source], edge.Target)
		graph.AdjIn[edge.Target] = append(graph.AdjIn[edge.Target], edge.Source)

		if graph.EdgeData[edge.Source] == nil {
			graph.EdgeData[edge.Source] = make(map[string]map[string]string)
		}
		mapping := edge.Mapping
		if mapping == nil {
			mapping = map[string]string{}
		}
		graph.EdgeData[edge.Source][edge.Target] = mapping
	}

	for id := range graph.AdjOut {
		sort.Strings(graph.AdjOut[id])
	}
	for id := range graph.AdjIn {
		sort.Strings(graph.AdjIn[id])
	}

	errs = append(errs, c.detectCycles(graph)...)
	errs = append(errs, c.checkRequiredInputs(graph)...)
	errs = append(errs, c.checkWorkers(graph)...)

	if len(errs) > 0 {
		return nil, errs
	}

	for _, id := range sortedNodeIDs(graph) {
		if len(graph.AdjIn[id]) == 0 {
			graph.Entry = append(graph.Entry, id)
		}
		if len(graph.AdjOut[id]) == 0 {
			graph.Terminal = append(graph.Terminal, id)
		}
	}

	return graph, nil
}

// detectCycles runs a tri-color DFS; each back-edge yields one Cycle error
// naming every node on the cycle.
func (c *Compiler) detectCycles(graph *sdk.ExecutionGraph) []ValidationError {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	var errs []ValidationError
	color := make(map[string]int, len(graph.Nodes))
	var path []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)

		for _, next := range graph.AdjOut[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back-edge: the cycle is the path suffix starting at next.
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				sort.Strings(cycle)
				errs = append(errs, ValidationError{
					Code:    CodeCycle,
					Nodes:   cycle,
					Message: fmt.Sprintf("graph contains a cycle through %v", cycle),
				})
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range sortedNodeIDs(graph) {
		if color[id] == white {
			visit(id)
		}
	}
	return errs
}

// checkRequiredInputs verifies every required input is fed by an incoming
// edge mapping or a default.
func (c *Compiler) checkRequiredInputs(graph *sdk.ExecutionGraph) []ValidationError {
	var errs []ValidationError
	for _, id := range sortedNodeIDs(graph) {
		node := graph.Nodes[id]
		for _, input := range node.Inputs {
			if !input.Required || input.Default != nil {
				continue
			}
			satisfied := false
			for _, source := range graph.AdjIn[id] {
				if mapping := graph.Mapping(source, id); mapping != nil {
					if _, ok := mapping[input.Name]; ok {
						satisfied = true
						break
					}
				}
			}
			if !satisfied {
				errs = append(errs, ValidationError{
					Code:    CodeMissingRequiredInput,
					Node:    id,
					Input:   input.Name,
					Message: fmt.Sprintf("node %q requires input %q but no edge maps it and no default exists", id, input.Name),
				})
			}
		}
	}
	return errs
}

// checkWorkers enforces the worker resolution rule: every worker names a
// registered workerType or carries a webhook URL.
func (c *Compiler) checkWorkers(graph *sdk.ExecutionGraph) []ValidationError {
	var errs []ValidationError
	for _, id := range sortedNodeIDs(graph) {
		node := graph.Nodes[id]
		if node.Kind != sdk.NodeKindWorker {
			continue
		}
		cfg := node.Worker
		if cfg == nil || (cfg.WorkerType == "" && cfg.WebhookURL == "") {
			errs = append(errs, ValidationError{
				Code:    CodeUnknownWorkerType,
				Node:    id,
				Message: fmt.Sprintf("worker %q has neither a workerType nor a webhookUrl", id),
			})
			continue
		}
		if cfg.WorkerType != "" && cfg.WebhookURL == "" {
			if c.workerTypes == nil || !c.workerTypes.Has(cfg.WorkerType) {
				errs = append(errs, ValidationError{
					Code:    CodeUnknownWorkerType,
					Node:    id,
					Message: fmt.Sprintf("worker %q references unregistered workerType %q and has no webhookUrl fallback", id, cfg.WorkerType),
				})
			}
		}
	}
	return errs
}

func sortedNodeIDs(graph *sdk.ExecutionGraph) []string {
	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
