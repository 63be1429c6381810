package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stitchhq/stitch/common/sdk"
)

// Task is one unit of work handed to an in-process executor.
type Task struct {
	RunID  uuid.UUID
	NodeID string
	Config map[string]interface{}
	Input  interface{}
}

// Completer receives the executor's result. The engine implements this;
// executors report through the same path as HTTP worker callbacks, so the
// state machine cannot tell in-process workers from external ones.
type Completer interface {
	CompleteNode(ctx context.Context, runID uuid.UUID, nodeID, status string, output interface{}, errMsg string) error
}

// Executor runs one worker task. Implementations must eventually complete
// the node through the Completer; returning an error fails the node.
type Executor interface {
	Execute(ctx context.Context, task Task, done Completer) error
}

// Registry maps workerType strings to executors. Populated once at startup;
// reads are O(1).
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Populate registers the named built-in worker types. Unknown names are
// rejected so a typo in WORKER_TYPES fails at startup, not at dispatch.
func (r *Registry) Populate(workerTypes []string) error {
	for _, name := range workerTypes {
		switch name {
		case "echo":
			r.Register(name, &EchoExecutor{})
		case "transform":
			r.Register(name, NewTransformExecutor())
		default:
			return fmt.Errorf("unknown built-in worker type %q", name)
		}
	}
	return nil
}

// Register adds an executor for a worker type.
func (r *Registry) Register(workerType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[workerType] = exec
}

// Has reports whether the worker type is registered.
func (r *Registry) Has(workerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[workerType]
	return ok
}

// Get returns the executor for a worker type.
func (r *Registry) Get(workerType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[workerType]
	return exec, ok
}

// Types returns the registered worker type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for name := range r.executors {
		out = append(out, name)
	}
	return out
}

// EchoExecutor completes with its input unchanged. Useful for wiring tests
// and as the smallest possible worker.
type EchoExecutor struct{}

// Execute completes the node with the task input as output.
func (x *EchoExecutor) Execute(ctx context.Context, task Task, done Completer) error {
	return done.CompleteNode(ctx, task.RunID, task.NodeID, sdk.StatusCompleted, task.Input, "")
}

// TransformExecutor evaluates a CEL expression from the node config over the
// task input and completes with the result. Compiled programs are cached by
// expression text.
type TransformExecutor struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewTransformExecutor creates a transform executor.
func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{cache: make(map[string]cel.Program)}
}

// Execute evaluates config["expression"] with `input` bound to the task
// input.
func (x *TransformExecutor) Execute(ctx context.Context, task Task, done Completer) error {
	expr, _ := task.Config["expression"].(string)
	if expr == "" {
		return fmt.Errorf("transform worker requires a string config.expression")
	}

	prg, err := x.program(expr)
	if err != nil {
		return err
	}

	out, _, err := prg.Eval(map[string]interface{}{"input": task.Input})
	if err != nil {
		return fmt.Errorf("CEL evaluation error: %w", err)
	}

	// Convert the CEL value back into plain JSON-shaped Go values.
	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return fmt.Errorf("CEL result not representable as JSON: %w", err)
	}

	return done.CompleteNode(ctx, task.RunID, task.NodeID, sdk.StatusCompleted, native.(*structpb.Value).AsInterface(), "")
}

func (x *TransformExecutor) program(expr string) (cel.Program, error) {
	x.mu.RLock()
	prg, ok := x.cache[expr]
	x.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(cel.Variable("input", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	x.mu.Lock()
	x.cache[expr] = prg
	x.mu.Unlock()
	return prg, nil
}
