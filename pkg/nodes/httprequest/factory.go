package httprequest

import (
	"context"

	"github.com/jianpingh/stategraph/pkg/graph"
)

// NodeFactory is the factory for creating HTTP Request nodes.
type NodeFactory struct{}

// NewNodeFactory creates a new instance of NodeFactory for the HTTP Request node.
func NewNodeFactory() *NodeFactory {
	return &NodeFactory{}
}

// Create creates a new node function based on the provided configuration.
func (h *NodeFactory) Create(_ context.Context, config map[string]any) (graph.NodeFunc, error) {
	return New(config)
}

// ID returns the unique identifier for the HTTP Request node factory.
func (h *NodeFactory) ID() string {
	return "httprequest"
}

// Name returns the name of the HTTP Request node factory.
func (h *NodeFactory) Name() string {
	return "HTTP Request"
}

// Description returns a brief description of the HTTP Request node.
func (h *NodeFactory) Description() string {
	return "Performs an HTTP request and writes the response into a state field. URL, headers and body support templating over the state record."
}

// Schema returns the JSON schema for the HTTP Request node configuration.
func (h *NodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field": map[string]any{
				"type":        "string",
				"description": "State field the response is written to.",
			},
			"url": map[string]any{
				"type":        "string",
				"format":      "template",
				"description": "Request URL. Supports templating, e.g. https://api.example.com/search?q={{.state.question}}.",
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
				"default": "GET",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers. Values support templating.",
			},
			"body": map[string]any{
				"type":        "string",
				"format":      "template",
				"description": "Request body. Supports templating.",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds.",
				"minimum":     1,
				"maximum":     300,
				"default":     30,
			},
			"retries": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"attempts": map[string]any{"type": "number", "minimum": 1, "maximum": 10},
					"delay":    map[string]any{"type": "number", "minimum": 0, "maximum": 30000},
				},
			},
		},
		"required": []string{"field", "url"},
	}
}
