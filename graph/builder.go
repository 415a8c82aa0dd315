package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
)

// Builder assembles a Workflow. Methods record problems instead of failing
// early; Build reports all of them in one GraphValidationError.
//
//	wf, err := graph.NewBuilder().
//		Add(port).Add(judge).
//		StartAt(port.ID()).
//		Connect(port.ID(), judge.ID()).
//		Connect(judge.ID(), port.ID()).
//		OutputFrom(judge.ID()).
//		Build()
type Builder struct {
	executors map[string]Executor
	order     []string
	start     string
	edges     []Edge
	outputs   []string
	problems  []string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{executors: make(map[string]Executor)}
}

func (b *Builder) problem(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

// Add registers executors. Ids must be unique.
func (b *Builder) Add(executors ...Executor) *Builder {
	for _, e := range executors {
		if e == nil {
			b.problem("nil executor")
			continue
		}
		id := e.ID()
		if id == "" {
			b.problem("executor id cannot be empty")
			continue
		}
		if _, ok := b.executors[id]; ok {
			b.problem("duplicate executor id %q", id)
			continue
		}
		b.executors[id] = e
		b.order = append(b.order, id)
	}
	return b
}

// StartAt designates the executor that receives the run's input message.
func (b *Builder) StartAt(id string) *Builder {
	b.start = id
	return b
}

// Connect adds an edge from one executor to another. Optional kinds restrict
// which message kinds travel along it.
func (b *Builder) Connect(from, to string, kinds ...string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Kinds: kinds})
	return b
}

// OutputFrom designates executors whose yielded outputs complete the run.
func (b *Builder) OutputFrom(ids ...string) *Builder {
	b.outputs = append(b.outputs, ids...)
	return b
}

// Build validates the graph and returns an immutable Workflow.
//
// Problems detected:
//   - missing or unregistered start executor
//   - edges whose endpoints are not registered
//   - no output executor, or an unregistered one
//   - executors unreachable from the start executor
//   - one kind name bound to two payload types
//   - duplicate handler registrations
//   - edges carrying a kind the target cannot handle
func (b *Builder) Build() (*Workflow, error) {
	problems := append([]string(nil), b.problems...)
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case b.start == "":
		add("start executor not set")
	case b.executors[b.start] == nil:
		add("start executor %q is not registered", b.start)
	}

	outgoing := make(map[string][]Edge)
	for _, e := range b.edges {
		ok := true
		if b.executors[e.From] == nil {
			add("edge %s -> %s: source %q is not registered", e.From, e.To, e.From)
			ok = false
		}
		if b.executors[e.To] == nil {
			add("edge %s -> %s: target %q is not registered", e.From, e.To, e.To)
			ok = false
		}
		if ok {
			outgoing[e.From] = append(outgoing[e.From], e)
		}
	}

	outputs := make(map[string]bool)
	if len(b.outputs) == 0 {
		add("no output executor designated")
	}
	for _, id := range b.outputs {
		if b.executors[id] == nil {
			add("output executor %q is not registered", id)
			continue
		}
		outputs[id] = true
	}

	if b.executors[b.start] != nil {
		reached := reachable(b.start, outgoing)
		for _, id := range b.order {
			if !reached[id] {
				add("executor %q is unreachable from start %q", id, b.start)
			}
		}
	}

	routes := make(map[string]*routeTable, len(b.order))
	codecs := make(map[string]kindCodec)
	register := func(owner string, c kindCodec) {
		if prev, ok := codecs[c.name]; ok && prev.typ != c.typ {
			add("kind %q is bound to both %s and %s (executor %q)", c.name, prev.typeName(), c.typeName(), owner)
			return
		}
		codecs[c.name] = c
	}
	ports := make(map[string]portExecutor)
	for _, id := range b.order {
		rb := newRouteBuilder(id)
		b.executors[id].ConfigureRoutes(rb)
		problems = append(problems, rb.problems...)
		for _, name := range sortedKeys(rb.routes) {
			register(id, rb.routes[name].codec)
		}
		for _, name := range sortedKeys(rb.emits) {
			register(id, rb.emits[name])
		}
		routes[id] = rb.freeze()
		if p, ok := b.executors[id].(portExecutor); ok {
			ports[id] = p
		}
	}

	for _, e := range b.edges {
		src, dst := routes[e.From], routes[e.To]
		if src == nil || dst == nil {
			continue
		}
		carried := e.Kinds
		if len(carried) == 0 {
			carried = sortedKeys(src.emits)
		}
		for _, kind := range carried {
			if !dst.accepts(kind) {
				add("edge %s -> %s carries kind %q but %q has no handler for it", e.From, e.To, kind, e.To)
			}
		}
	}

	if len(problems) > 0 {
		return nil, &GraphValidationError{Problems: problems}
	}

	ids := append([]string(nil), b.order...)
	sort.Strings(ids)
	executors := make(map[string]Executor, len(b.executors))
	for id, e := range b.executors {
		executors[id] = e
	}
	return &Workflow{
		start:     b.start,
		ids:       ids,
		executors: executors,
		routes:    routes,
		edges:     append([]Edge(nil), b.edges...),
		outgoing:  outgoing,
		outputs:   outputs,
		codecs:    codecs,
		ports:     ports,
	}, nil
}

func reachable(start string, outgoing map[string][]Edge) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range outgoing[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Workflow is a validated, immutable executor graph. At most one run owns a
// workflow at a time because executors carry mutable state.
type Workflow struct {
	start     string
	ids       []string
	executors map[string]Executor
	routes    map[string]*routeTable
	edges     []Edge
	outgoing  map[string][]Edge
	outputs   map[string]bool
	codecs    map[string]kindCodec
	ports     map[string]portExecutor

	owned atomic.Bool
}

// StartExecutor returns the id of the executor that receives run input.
func (w *Workflow) StartExecutor() string { return w.start }

// ExecutorIDs returns all executor ids, sorted.
func (w *Workflow) ExecutorIDs() []string { return append([]string(nil), w.ids...) }

// Edges returns the workflow's edges in declaration order.
func (w *Workflow) Edges() []Edge { return append([]Edge(nil), w.edges...) }

// IsOutput reports whether id is a designated output executor.
func (w *Workflow) IsOutput(id string) bool { return w.outputs[id] }

// Executor returns the executor registered under id.
func (w *Workflow) Executor(id string) (Executor, bool) {
	e, ok := w.executors[id]
	return e, ok
}

func (w *Workflow) acquire() error {
	if !w.owned.CompareAndSwap(false, true) {
		return ErrWorkflowBusy
	}
	return nil
}

func (w *Workflow) release() {
	w.owned.Store(false)
}

// deliveries returns the envelopes produced by source sending m: one per
// distinct target whose edge carries m's kind, in edge declaration order.
func (w *Workflow) deliveries(source string, m Message) []envelope {
	var out []envelope
	seen := make(map[string]bool)
	for _, e := range w.outgoing[source] {
		if seen[e.To] || !e.Carries(m.Kind) {
			continue
		}
		seen[e.To] = true
		out = append(out, envelope{Source: source, Target: e.To, Msg: m})
	}
	return out
}

func (w *Workflow) connected(source, target, kind string) bool {
	for _, e := range w.outgoing[source] {
		if e.To == target && e.Carries(kind) {
			return true
		}
	}
	return false
}

// decode rebuilds a message from its checkpointed form. Kinds with no typed
// handler anywhere keep their raw JSON payload.
func (w *Workflow) decode(kind string, raw []byte) (Message, error) {
	c, ok := w.codecs[kind]
	if !ok {
		return Message{Kind: kind, Payload: json.RawMessage(append([]byte(nil), raw...))}, nil
	}
	v, err := c.decode(raw)
	if err != nil {
		return Message{}, fmt.Errorf("decode %q payload: %w", kind, err)
	}
	return Message{Kind: kind, Payload: v}, nil
}
