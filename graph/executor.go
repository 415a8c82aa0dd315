package graph

import (
	"context"
	"fmt"
)

// Executor is a named processing unit in a workflow.
//
// An executor declares the message kinds it handles by registering handlers
// on the RouteBuilder passed to ConfigureRoutes. Builder.Build calls
// ConfigureRoutes exactly once per executor and freezes the result.
//
// Executors may keep private mutable state between invocations. The engine
// never invokes the same executor concurrently, so that state needs no
// locking as long as nothing outside the workflow touches it.
type Executor interface {
	ID() string
	ConfigureRoutes(r *RouteBuilder)
}

// Checkpointer is implemented by executors that persist private state in
// checkpoints. OnCheckpointing is called at a superstep boundary when a
// snapshot is taken; OnCheckpointRestored is called when a snapshot is
// applied, with the entries that executor wrote (possibly none).
type Checkpointer interface {
	OnCheckpointing(ctx context.Context, w *StateWriter) error
	OnCheckpointRestored(ctx context.Context, r *StateReader) error
}

// HandlerFunc is the untyped form every registered handler is reduced to.
// The returned value is reported on the ExecutorCompleted event.
type HandlerFunc func(ctx context.Context, msg Message, wc *WorkflowContext) (any, error)

type route struct {
	codec kindCodec
	fn    HandlerFunc
}

// RouteBuilder collects an executor's handlers during ConfigureRoutes.
type RouteBuilder struct {
	executorID string
	routes     map[string]route
	fallback   HandlerFunc
	emits      map[string]kindCodec
	problems   []string
}

func newRouteBuilder(executorID string) *RouteBuilder {
	return &RouteBuilder{
		executorID: executorID,
		routes:     make(map[string]route),
		emits:      make(map[string]kindCodec),
	}
}

func (r *RouteBuilder) add(c kindCodec, fn HandlerFunc) {
	if _, exists := r.routes[c.name]; exists {
		r.problems = append(r.problems, fmt.Sprintf("executor %q registers kind %q twice", r.executorID, c.name))
		return
	}
	r.routes[c.name] = route{codec: c, fn: fn}
}

// Emits declares message kinds the executor sends. Declared kinds let
// Builder.Build check that every unfiltered outgoing edge reaches a target
// that can handle them.
func (r *RouteBuilder) Emits(kinds ...MessageKind) *RouteBuilder {
	for _, k := range kinds {
		c := k.codec()
		r.emits[c.name] = c
	}
	return r
}

// Handle registers a handler for kind k.
func Handle[T any](r *RouteBuilder, k Kind[T], fn func(ctx context.Context, v T, wc *WorkflowContext) error) {
	r.add(k.codec(), func(ctx context.Context, msg Message, wc *WorkflowContext) (any, error) {
		v, ok := msg.Payload.(T)
		if !ok {
			return nil, &UnhandledMessageTypeError{ExecutorID: r.executorID, Kind: fmt.Sprintf("%s(%T)", msg.Kind, msg.Payload)}
		}
		return nil, fn(ctx, v, wc)
	})
}

// HandleReturn registers a handler whose return value is sent along the
// executor's outgoing edges as a message of kind out.
func HandleReturn[T, R any](r *RouteBuilder, in Kind[T], out Kind[R], fn func(ctx context.Context, v T, wc *WorkflowContext) (R, error)) {
	r.Emits(out)
	r.add(in.codec(), func(ctx context.Context, msg Message, wc *WorkflowContext) (any, error) {
		v, ok := msg.Payload.(T)
		if !ok {
			return nil, &UnhandledMessageTypeError{ExecutorID: r.executorID, Kind: fmt.Sprintf("%s(%T)", msg.Kind, msg.Payload)}
		}
		res, err := fn(ctx, v, wc)
		if err != nil {
			return nil, err
		}
		wc.SendMessage(out.New(res))
		return res, nil
	})
}

// HandleDefault registers the catch-all handler, used for kinds with no
// specific handler.
func HandleDefault(r *RouteBuilder, fn func(ctx context.Context, msg Message, wc *WorkflowContext) error) {
	if r.fallback != nil {
		r.problems = append(r.problems, fmt.Sprintf("executor %q registers more than one catch-all handler", r.executorID))
		return
	}
	r.fallback = func(ctx context.Context, msg Message, wc *WorkflowContext) (any, error) {
		return nil, fn(ctx, msg, wc)
	}
}

// routeTable is the frozen result of ConfigureRoutes.
type routeTable struct {
	routes   map[string]route
	fallback HandlerFunc
	emits    map[string]kindCodec
}

func (r *RouteBuilder) freeze() *routeTable {
	return &routeTable{routes: r.routes, fallback: r.fallback, emits: r.emits}
}

func (t *routeTable) lookup(kind string) (HandlerFunc, bool) {
	if rt, ok := t.routes[kind]; ok {
		return rt.fn, true
	}
	if t.fallback != nil {
		return t.fallback, true
	}
	return nil, false
}

func (t *routeTable) accepts(kind string) bool {
	_, ok := t.lookup(kind)
	return ok
}

// ExecutorFunc adapts a route configuration function to the Executor
// interface, for stateless executors that need no type of their own.
//
//	upper := graph.ExecutorFunc("upper", func(r *graph.RouteBuilder) {
//		graph.HandleReturn(r, Text, Text, func(_ context.Context, s string, _ *graph.WorkflowContext) (string, error) {
//			return strings.ToUpper(s), nil
//		})
//	})
func ExecutorFunc(id string, configure func(r *RouteBuilder)) Executor {
	return &funcExecutor{id: id, configure: configure}
}

type funcExecutor struct {
	id        string
	configure func(r *RouteBuilder)
}

func (f *funcExecutor) ID() string { return f.id }

func (f *funcExecutor) ConfigureRoutes(r *RouteBuilder) { f.configure(r) }
