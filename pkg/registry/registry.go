// Package registry provides node factory registration so graphs can be built
// from declarative definitions.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jianpingh/stategraph/pkg/graph"
)

// NodeFactory creates node functions and provides metadata about the node
// type.
type NodeFactory interface {
	// Create creates a node function with the given configuration
	Create(ctx context.Context, config map[string]any) (graph.NodeFunc, error)

	// ID returns the unique identifier for this node type
	ID() string

	// Name returns the human-readable name for this node type
	Name() string

	// Description returns a description of what this node does
	Description() string

	// Schema returns the JSON schema for configuring this node
	Schema() map[string]any
}

// SelectorFactory creates selector functions for conditional routing.
type SelectorFactory interface {
	Create(ctx context.Context, config map[string]any) (graph.SelectorFunc, error)
	ID() string
	Name() string
	Description() string
	Schema() map[string]any
}

type Registry struct {
	logger            *slog.Logger
	nodeFactories     map[string]NodeFactory
	selectorFactories map[string]SelectorFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:            logger.With("module", "registry"),
		nodeFactories:     make(map[string]NodeFactory),
		selectorFactories: make(map[string]SelectorFactory),
	}
}

func (r *Registry) RegisterNode(factory NodeFactory) {
	r.nodeFactories[factory.ID()] = factory
}

func (r *Registry) RegisterSelector(factory SelectorFactory) {
	r.selectorFactories[factory.ID()] = factory
}

// CreateNode validates the configuration against the factory's schema and
// builds the node function.
func (r *Registry) CreateNode(ctx context.Context, nodeType string, config map[string]any) (graph.NodeFunc, error) {
	factory, ok := r.nodeFactories[nodeType]
	if !ok {
		return nil, fmt.Errorf("node type '%s' not registered", nodeType)
	}

	err := validateConfigSchema(factory.Schema(), config)
	if err != nil {
		return nil, fmt.Errorf("invalid config for node type '%s': %w", nodeType, err)
	}

	return factory.Create(ctx, config)
}

// CreateSelector validates the configuration against the factory's schema
// and builds the selector function.
func (r *Registry) CreateSelector(ctx context.Context, selectorType string, config map[string]any) (graph.SelectorFunc, error) {
	factory, ok := r.selectorFactories[selectorType]
	if !ok {
		return nil, fmt.Errorf("selector type '%s' not registered", selectorType)
	}

	err := validateConfigSchema(factory.Schema(), config)
	if err != nil {
		return nil, fmt.Errorf("invalid config for selector type '%s': %w", selectorType, err)
	}

	return factory.Create(ctx, config)
}

// NodeTypes returns the registered node type IDs.
func (r *Registry) NodeTypes() []string {
	types := make([]string, 0, len(r.nodeFactories))
	for nodeType := range r.nodeFactories {
		types = append(types, nodeType)
	}

	return types
}

// SelectorTypes returns the registered selector type IDs.
func (r *Registry) SelectorTypes() []string {
	types := make([]string, 0, len(r.selectorFactories))
	for selectorType := range r.selectorFactories {
		types = append(types, selectorType)
	}

	return types
}

// ComponentInfo describes a registered factory for discovery endpoints.
type ComponentInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Kind        string         `json:"kind"`
	Schema      map[string]any `json:"schema"`
}

// Components returns metadata for every registered factory.
func (r *Registry) Components() []ComponentInfo {
	components := make([]ComponentInfo, 0, len(r.nodeFactories)+len(r.selectorFactories))

	for _, factory := range r.nodeFactories {
		components = append(components, ComponentInfo{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Kind:        "node",
			Schema:      factory.Schema(),
		})
	}

	for _, factory := range r.selectorFactories {
		components = append(components, ComponentInfo{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Kind:        "selector",
			Schema:      factory.Schema(),
		})
	}

	return components
}

// validateConfigSchema validates node configuration against the factory's
// JSON schema.
func validateConfigSchema(schema, config map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
