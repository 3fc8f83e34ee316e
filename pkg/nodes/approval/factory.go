package approval

import (
	"context"

	"github.com/jianpingh/stategraph/pkg/graph"
)

// NodeFactory is the factory for creating Approval nodes.
type NodeFactory struct{}

func NewNodeFactory() *NodeFactory {
	return &NodeFactory{}
}

// Create creates a new node function based on the provided configuration.
func (h *NodeFactory) Create(_ context.Context, config map[string]any) (graph.NodeFunc, error) {
	return New(config)
}

// ID returns the unique identifier for the Approval node factory.
func (h *NodeFactory) ID() string {
	return "approval"
}

// Name returns the name of the Approval node factory.
func (h *NodeFactory) Name() string {
	return "Approval"
}

// Description returns a brief description of the Approval node.
func (h *NodeFactory) Description() string {
	return "Pauses the run until an operator supplies the configured state field on resume."
}

// Schema returns the JSON schema for the Approval node configuration.
func (h *NodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field": map[string]any{
				"type":        "string",
				"description": "State field expected from the resume input. The node pauses while it is absent.",
			},
			"message": map[string]any{
				"type":        "string",
				"format":      "template",
				"description": "Message surfaced with the pause payload. Supports templating.",
			},
		},
		"required": []string{"field"},
	}
}
