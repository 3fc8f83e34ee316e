package transform

import (
	"context"

	"github.com/jianpingh/stategraph/pkg/graph"
)

// NodeFactory is the factory for creating Transform nodes.
type NodeFactory struct{}

// NewNodeFactory creates a new instance of NodeFactory for the Transform node.
func NewNodeFactory() *NodeFactory {
	return &NodeFactory{}
}

// Create creates a new node function based on the provided configuration.
func (h *NodeFactory) Create(_ context.Context, config map[string]any) (graph.NodeFunc, error) {
	return New(config)
}

// ID returns the unique identifier for the Transform node factory.
func (h *NodeFactory) ID() string {
	return "transform"
}

// Name returns the name of the Transform node factory.
func (h *NodeFactory) Name() string {
	return "Transform"
}

// Description returns a brief description of the Transform node.
func (h *NodeFactory) Description() string {
	return "Derives a state field from a template expression evaluated over the current state."
}

// Schema returns the JSON schema for the Transform node configuration.
func (h *NodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field": map[string]any{
				"type":        "string",
				"description": "State field the result is written to. Must be declared in the graph's state schema.",
			},
			"expression": map[string]any{
				"type":        "string",
				"format":      "template",
				"description": "Go template expression over the state record. Use Go template syntax with {{}} delimiters.",
				"examples": []string{
					"{{.state.question}}",
					"{\"query\": \"{{.state.question}}\", \"attempt\": {{.state.attempts}}}",
					"{{len .state.documents}}",
				},
			},
		},
		"required": []string{"field", "expression"},
	}
}
