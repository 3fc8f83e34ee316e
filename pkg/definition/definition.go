// Package definition loads declarative graph definitions and compiles them
// against a node registry.
package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/registry"
	"github.com/jianpingh/stategraph/pkg/schema"
)

// FieldDefinition declares one state field and its reducer.
type FieldDefinition struct {
	Name    string `json:"name"    validate:"required"`
	Reducer string `json:"reducer" validate:"required,oneof=replace append"`
}

// NodeDefinition declares a node instance: a registered type plus its
// configuration.
type NodeDefinition struct {
	Name   string         `json:"name"   validate:"required"`
	Type   string         `json:"type"   validate:"required"`
	Config map[string]any `json:"config"`
}

// EdgeDefinition declares an unconditional edge. Target may be a node name
// or END.
type EdgeDefinition struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to"   validate:"required"`
}

// ConditionalDefinition declares conditional routing out of a node through a
// registered selector type.
type ConditionalDefinition struct {
	From     string            `json:"from"     validate:"required"`
	Selector string            `json:"selector" validate:"required"`
	Type     string            `json:"type"     validate:"required"`
	Config   map[string]any    `json:"config"`
	Labels   map[string]string `json:"labels"   validate:"required,min=1"`
}

// GraphDefinition is the declarative form of a workflow graph.
type GraphDefinition struct {
	Name         string                  `json:"name"        validate:"required,min=3"`
	Description  string                  `json:"description"`
	Schema       []FieldDefinition       `json:"schema"      validate:"required,min=1,dive"`
	Nodes        []NodeDefinition        `json:"nodes"       validate:"required,min=1,dive"`
	Edges        []EdgeDefinition        `json:"edges"       validate:"dive"`
	Conditionals []ConditionalDefinition `json:"conditionals" validate:"dive"`
	EntryPoint   string                  `json:"entry_point" validate:"required"`
}

// Parse decodes and validates a JSON graph definition.
func Parse(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition

	err := json.Unmarshal(data, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to decode graph definition: %w", err)
	}

	err = validator.New().Struct(&def)
	if err != nil {
		return nil, fmt.Errorf("invalid graph definition: %w", err)
	}

	return &def, nil
}

// Load reads a graph definition from a reader.
func Load(r io.Reader) (*GraphDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition: %w", err)
	}

	return Parse(data)
}

// LoadFile reads a graph definition from a file.
func LoadFile(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-provided definition path
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition: %w", err)
	}

	return Parse(data)
}

// Build compiles the definition against a registry into an executable graph.
func (def *GraphDefinition) Build(ctx context.Context, reg *registry.Registry) (*graph.Graph, error) {
	fields := make([]schema.Field, 0, len(def.Schema))
	for _, field := range def.Schema {
		fields = append(fields, schema.Field{
			Name:    field.Name,
			Reducer: schema.Reducer(field.Reducer),
		})
	}

	sch, err := schema.New(fields...)
	if err != nil {
		return nil, err
	}

	builder := graph.NewBuilder(sch)

	for _, node := range def.Nodes {
		fn, err := reg.CreateNode(ctx, node.Type, node.Config)
		if err != nil {
			return nil, fmt.Errorf("node '%s': %w", node.Name, err)
		}

		err = builder.AddNode(node.Name, fn)
		if err != nil {
			return nil, err
		}
	}

	for _, conditional := range def.Conditionals {
		fn, err := reg.CreateSelector(ctx, conditional.Type, conditional.Config)
		if err != nil {
			return nil, fmt.Errorf("selector '%s': %w", conditional.Selector, err)
		}

		err = builder.AddSelector(conditional.Selector, fn)
		if err != nil {
			return nil, err
		}
	}

	for _, edge := range def.Edges {
		err = builder.AddEdge(edge.From, edge.To)
		if err != nil {
			return nil, err
		}
	}

	for _, conditional := range def.Conditionals {
		err = builder.AddConditionalEdges(conditional.From, conditional.Selector, conditional.Labels)
		if err != nil {
			return nil, err
		}
	}

	err = builder.SetEntryPoint(def.EntryPoint)
	if err != nil {
		return nil, err
	}

	return builder.Compile()
}
