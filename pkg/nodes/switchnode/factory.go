package switchnode

import (
	"context"

	"github.com/jianpingh/stategraph/pkg/graph"
)

// SelectorFactory is the factory for creating Switch selectors.
type SelectorFactory struct{}

func NewSelectorFactory() *SelectorFactory {
	return &SelectorFactory{}
}

// Create creates a new selector function based on the provided configuration.
func (h *SelectorFactory) Create(_ context.Context, config map[string]any) (graph.SelectorFunc, error) {
	return New(config)
}

// ID returns the unique identifier for the Switch selector factory.
func (h *SelectorFactory) ID() string {
	return "switch"
}

// Name returns the name of the Switch selector factory.
func (h *SelectorFactory) Name() string {
	return "Switch"
}

// Description returns a brief description of the Switch selector.
func (h *SelectorFactory) Description() string {
	return "Routes to a label by matching an evaluated expression against configured cases."
}

// Schema returns the JSON schema for the Switch selector configuration.
func (h *SelectorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{
				"type":        "string",
				"format":      "template",
				"description": "Expression evaluated over the state record, e.g. {{.state.decision}}.",
			},
			"cases": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"value": map[string]any{"type": "string"},
						"label": map[string]any{"type": "string"},
					},
					"required": []string{"value", "label"},
				},
			},
			"default": map[string]any{
				"type":        "string",
				"description": "Label used when no case matches.",
			},
		},
		"required": []string{"value"},
	}
}
