package sdk

import (
	"time"

	"github.com/google/uuid"
)

// Node kind constants
const (
	NodeKindWorker      = "worker"
	NodeKindUX          = "ux"
	NodeKindSplitter    = "splitter"
	NodeKindCollector   = "collector"
	NodeKindSectionItem = "section_item"
)

// Node status constants
const (
	StatusPending        = "pending"
	StatusRunning        = "running"
	StatusWaitingForUser = "waiting_for_user"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
)

// Run status constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Entity movement completion labels
const (
	CompleteAsSuccess = "success"
	CompleteAsFailure = "failure"
	CompleteAsNeutral = "neutral"
)

// Node is a tagged variant over the supported node kinds.
// Exactly one of the kind-specific config fields is set, matching Kind.
type Node struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Inputs    []InputDecl      `json:"inputs,omitempty"`
	Worker    *WorkerConfig    `json:"worker,omitempty"`
	UX        *UXConfig        `json:"ux,omitempty"`
	Splitter  *SplitterConfig  `json:"splitter,omitempty"`
	Collector *CollectorConfig `json:"collector,omitempty"`
}

// InputDecl declares a named input on a node. Required inputs must be
// satisfied by an incoming edge mapping or a default.
type InputDecl struct {
	Name     string      `json:"name"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// WorkerConfig configures a worker node. At least one of WorkerType
// (in-process registry) or WebhookURL (HTTP dispatch) must be set.
type WorkerConfig struct {
	WorkerType     string                 `json:"worker_type,omitempty"`
	WebhookURL     string                 `json:"webhook_url,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
	InputSchema    map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema   map[string]interface{} `json:"output_schema,omitempty"`
	EntityMovement *EntityMovement        `json:"entity_movement,omitempty"`
}

// UXConfig configures a human-input pause point.
type UXConfig struct {
	Prompt       string  `json:"prompt"`
	TimeoutHours float64 `json:"timeout_hours,omitempty"`
}

// SplitterConfig fans an array out into parallel instances.
// ArrayPath is a dotted path into the node's input object.
type SplitterConfig struct {
	ArrayPath string `json:"array_path"`
}

// CollectorConfig joins parallel instances back into one array.
// ExpectedUpstreamCount is an authoring hint; the true count is always
// derived from the graph and the run state.
type CollectorConfig struct {
	ExpectedUpstreamCount int `json:"expected_upstream_count,omitempty"`
}

// EntityMovement declares an entity relocation side-effect performed when a
// worker node reaches a terminal state.
type EntityMovement struct {
	OnSuccess *EntityMove `json:"on_success,omitempty"`
	OnFailure *EntityMove `json:"on_failure,omitempty"`
}

// EntityMove names the target section and optional reclassification.
type EntityMove struct {
	TargetSectionID string `json:"target_section_id"`
	CompleteAs      string `json:"complete_as,omitempty"` // success|failure|neutral
	SetEntityType   string `json:"set_entity_type,omitempty"`
}

// Edge connects two nodes. Mapping routes fields of the source node's output
// into named inputs of the target (targetInputName -> dotted source path).
type Edge struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Target  string            `json:"target"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

// VisualNode is a canvas node: an execution node plus layout the engine
// ignores.
type VisualNode struct {
	Node
	Position *Position              `json:"position,omitempty"`
	Style    map[string]interface{} `json:"style,omitempty"`
}

// Position is canvas layout data.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// VisualGraph is the authored canvas form of a flow.
type VisualGraph struct {
	Nodes []VisualNode `json:"nodes"`
	Edges []Edge       `json:"edges"`
}

// ExecutionGraph is the compiled, O(1)-indexed form the engine consumes.
// EdgeData is keyed source -> target -> mapping so the graph stays
// JSON-serializable for version storage.
type ExecutionGraph struct {
	Nodes    map[string]*Node                        `json:"nodes"`
	AdjOut   map[string][]string                     `json:"adj_out"`
	AdjIn    map[string][]string                     `json:"adj_in"`
	EdgeData map[string]map[string]map[string]string `json:"edge_data"`
	Entry    []string                                `json:"entry"`
	Terminal []string                                `json:"terminal"`
}

// Mapping returns the edge mapping for (source, target), or nil.
func (g *ExecutionGraph) Mapping(source, target string) map[string]string {
	if byTarget, ok := g.EdgeData[source]; ok {
		return byTarget[target]
	}
	return nil
}

// NodeState is the per-node execution record inside a run.
type NodeState struct {
	Status                 string                 `json:"status"`
	Output                 interface{}            `json:"output,omitempty"`
	Error                  string                 `json:"error,omitempty"`
	UpstreamCompletedCount int                    `json:"upstream_completed_count,omitempty"`
	ExpectedUpstreamCount  int                    `json:"expected_upstream_count,omitempty"`
	UpstreamOutputs        map[string]interface{} `json:"upstream_outputs,omitempty"`
	UpdatedAt              time.Time              `json:"updated_at,omitempty"`
}

// Terminal reports whether the state is completed or failed.
func (s *NodeState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Trigger records what started a run.
type Trigger struct {
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one execution instance of a flow version. Node ids carrying a
// _<digits> suffix denote parallel instances; bases never carry one.
type Run struct {
	ID            uuid.UUID             `json:"id"`
	FlowVersionID uuid.UUID             `json:"flow_version_id"`
	EntityID      *uuid.UUID            `json:"entity_id,omitempty"`
	Trigger       Trigger               `json:"trigger"`
	Status        string                `json:"status"`
	NodeStates    map[string]*NodeState `json:"node_states"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// State returns the state for a concrete node id, or nil.
func (r *Run) State(nodeID string) *NodeState {
	return r.NodeStates[nodeID]
}

// Flow is the mutable workflow header; versions are immutable snapshots.
type Flow struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	CurrentVersionID *uuid.UUID `json:"current_version_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FlowVersion is an immutable snapshot of a canvas plus its compiled graph.
type FlowVersion struct {
	ID        uuid.UUID       `json:"id"`
	FlowID    uuid.UUID       `json:"flow_id"`
	Visual    *VisualGraph    `json:"visual"`
	Graph     *ExecutionGraph `json:"graph"`
	CreatedAt time.Time       `json:"created_at"`
}
