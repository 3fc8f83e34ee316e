// Package graph provides the node registry, edge table and routing rules for
// a stateful workflow graph. Graphs are built with a Builder, validated once
// at compile time, and immutable afterwards.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/jianpingh/stategraph/pkg/schema"
)

// End is the reserved terminal destination name closing a branch of
// execution. It cannot be used as a node name.
const End = "END"

// NodeFunc is the computation unit contract. It receives a read-only deep
// copy of the state record plus a cancellation context, and returns either a
// partial update or a pause signal. It must not mutate its input.
type NodeFunc func(ctx context.Context, state schema.State) (*NodeResult, error)

// SelectorFunc routes conditional edges: invoked on the post-update state,
// it returns a label looked up in the edge's label map.
type SelectorFunc func(ctx context.Context, state schema.State) (string, error)

// NodeResult is the outcome of a node invocation: a partial state update, or
// a pause signal suspending the run for external input.
type NodeResult struct {
	Update schema.Update
	Pause  *Pause
}

// Pause is an explicit human-in-the-loop suspension signal. The payload is
// surfaced to the caller and persisted with the paused checkpoint.
type Pause struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type conditionalEdge struct {
	selector string
	labels   map[string]string
}

// Builder accumulates nodes and edges before compilation.
type Builder struct {
	schema       *schema.Schema
	nodes        map[string]NodeFunc
	selectors    map[string]SelectorFunc
	order        []string
	edges        map[string][]string
	conditionals map[string]conditionalEdge
	entryPoint   string
}

// NewBuilder creates a graph builder over a fixed state schema.
func NewBuilder(s *schema.Schema) *Builder {
	return &Builder{
		schema:       s,
		nodes:        make(map[string]NodeFunc),
		selectors:    make(map[string]SelectorFunc),
		edges:        make(map[string][]string),
		conditionals: make(map[string]conditionalEdge),
	}
}

// AddNode registers a named computation unit. Names are unique across nodes
// and selectors within a graph.
func (b *Builder) AddNode(name string, fn NodeFunc) error {
	if err := b.checkName(name); err != nil {
		return err
	}

	if fn == nil {
		return fmt.Errorf("node %q has a nil function", name)
	}

	b.nodes[name] = fn
	b.order = append(b.order, name)

	return nil
}

// AddSelector registers a named routing function for conditional edges.
// Selectors share the node namespace but are not scheduled as frontier
// nodes.
func (b *Builder) AddSelector(name string, fn SelectorFunc) error {
	if err := b.checkName(name); err != nil {
		return err
	}

	if fn == nil {
		return fmt.Errorf("selector %q has a nil function", name)
	}

	b.selectors[name] = fn

	return nil
}

// AddEdge adds an unconditional transition. Multiple edges from the same
// node define fan-out: all targets become concurrent frontier nodes.
func (b *Builder) AddEdge(from, to string) error {
	if from == End {
		return errors.New("cannot add an edge from END")
	}

	b.edges[from] = append(b.edges[from], to)

	return nil
}

// AddConditionalEdges adds a branch: after from executes, the selector is
// invoked on the post-update state and its label picks the next node from
// the label map. A node carries at most one conditional branch and cannot
// mix it with unconditional edges.
func (b *Builder) AddConditionalEdges(from, selector string, labels map[string]string) error {
	if from == End {
		return errors.New("cannot add a conditional edge from END")
	}

	if _, exists := b.conditionals[from]; exists {
		return fmt.Errorf("node %q already has a conditional edge", from)
	}

	if len(labels) == 0 {
		return fmt.Errorf("conditional edge from %q has an empty label map", from)
	}

	copied := make(map[string]string, len(labels))
	for label, target := range labels {
		copied[label] = target
	}

	b.conditionals[from] = conditionalEdge{selector: selector, labels: copied}

	return nil
}

// SetEntryPoint declares the node the run starts from.
func (b *Builder) SetEntryPoint(name string) error {
	if name == End {
		return errors.New("entry point cannot be END")
	}

	b.entryPoint = name

	return nil
}

func (b *Builder) checkName(name string) error {
	if name == "" {
		return errors.New("node name cannot be empty")
	}

	if name == End {
		return fmt.Errorf("%q is a reserved name", End)
	}

	if _, exists := b.nodes[name]; exists {
		return &DuplicateNodeError{Node: name}
	}

	if _, exists := b.selectors[name]; exists {
		return &DuplicateNodeError{Node: name}
	}

	return nil
}

// Compile validates the graph and freezes it. Validation failures are fatal
// before any run starts: unknown edge endpoints, unknown selectors, missing
// entry point and unreachable nodes are all rejected here rather than at
// invocation time.
func (b *Builder) Compile() (*Graph, error) {
	if b.entryPoint == "" {
		return nil, errors.New("graph has no entry point")
	}

	if _, ok := b.nodes[b.entryPoint]; !ok {
		return nil, fmt.Errorf("entry point %q is not a registered node", b.entryPoint)
	}

	incoming := make(map[string]int, len(b.nodes))

	for from, targets := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("edge source %q is not a registered node", from)
		}

		if _, mixed := b.conditionals[from]; mixed {
			return nil, fmt.Errorf("node %q mixes unconditional and conditional edges", from)
		}

		for _, to := range targets {
			if to == End {
				continue
			}

			if _, ok := b.nodes[to]; !ok {
				return nil, fmt.Errorf("edge target %q is not a registered node", to)
			}

			incoming[to]++
		}
	}

	for from, branch := range b.conditionals {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("conditional edge source %q is not a registered node", from)
		}

		if _, ok := b.selectors[branch.selector]; !ok {
			return nil, fmt.Errorf("selector %q is not registered", branch.selector)
		}

		for label, to := range branch.labels {
			if to == End {
				continue
			}

			if _, ok := b.nodes[to]; !ok {
				return nil, fmt.Errorf("conditional target %q (label %q) is not a registered node", to, label)
			}

			incoming[to]++
		}
	}

	for _, name := range b.order {
		if name == b.entryPoint {
			continue
		}

		if incoming[name] == 0 {
			return nil, &UnreachableNodeError{Node: name}
		}
	}

	orderIndex := make(map[string]int, len(b.order))
	for index, name := range b.order {
		orderIndex[name] = index
	}

	return &Graph{
		schema:       b.schema,
		nodes:        b.nodes,
		selectors:    b.selectors,
		orderIndex:   orderIndex,
		edges:        b.edges,
		conditionals: b.conditionals,
		entryPoint:   b.entryPoint,
	}, nil
}

// Graph is a compiled, immutable workflow graph.
type Graph struct {
	schema       *schema.Schema
	nodes        map[string]NodeFunc
	selectors    map[string]SelectorFunc
	orderIndex   map[string]int
	edges        map[string][]string
	conditionals map[string]conditionalEdge
	entryPoint   string
}

// Schema returns the state schema the graph was built over.
func (g *Graph) Schema() *schema.Schema {
	return g.schema
}

// EntryPoint returns the declared entry node.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// HasNode reports whether a node is registered.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.nodes[name]

	return ok
}

// NodeOrder returns the registration index of a node, used to break merge
// ties deterministically: later-registered nodes win on replace fields.
func (g *Graph) NodeOrder(name string) int {
	return g.orderIndex[name]
}

// Invoke runs a node against a read-only state copy, wrapping any failure or
// panic from the node function as a NodeExecutionError.
func (g *Graph) Invoke(ctx context.Context, name string, state schema.State) (result *NodeResult, err error) {
	fn, ok := g.nodes[name]
	if !ok {
		return nil, &NodeExecutionError{Node: name, Err: errors.New("node not registered")}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &NodeExecutionError{Node: name, Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()

	result, err = fn(ctx, state.Clone())
	if err != nil {
		return nil, &NodeExecutionError{Node: name, Err: err}
	}

	if result == nil {
		result = &NodeResult{}
	}

	return result, nil
}

// Successors resolves the outgoing transitions of a node against the
// post-update state. A node without outgoing edges closes its branch, which
// is reported as a single End successor.
func (g *Graph) Successors(ctx context.Context, from string, state schema.State) ([]string, error) {
	if branch, ok := g.conditionals[from]; ok {
		label, err := g.selectors[branch.selector](ctx, state.Clone())
		if err != nil {
			return nil, &NodeExecutionError{Node: branch.selector, Err: err}
		}

		target, ok := branch.labels[label]
		if !ok {
			return nil, &UnknownLabelError{Selector: branch.selector, Label: label}
		}

		return []string{target}, nil
	}

	if targets, ok := g.edges[from]; ok {
		successors := make([]string, len(targets))
		copy(successors, targets)

		return successors, nil
	}

	return []string{End}, nil
}
