// Package approval provides a human-in-the-loop node: it suspends the run
// until an operator resumes it with external input.
package approval

import (
	"context"
	"errors"

	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/schema"
	"github.com/jianpingh/stategraph/pkg/template"
)

type Config struct {
	// Field holding the operator's decision. While it is absent the node
	// pauses; once the resume input fills it, the node passes through.
	Field   string `json:"field"`
	Message string `json:"message"`
}

func parseConfig(config map[string]any) (Config, error) {
	var cfg Config

	field, ok := config["field"].(string)
	if !ok || field == "" {
		return cfg, errors.New("missing required field 'field'")
	}

	cfg.Field = field

	if message, ok := config["message"].(string); ok {
		cfg.Message = message
	}

	return cfg, nil
}

// New builds an approval node function from configuration.
func New(config map[string]any) (graph.NodeFunc, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, state schema.State) (*graph.NodeResult, error) {
		if _, ok := state[cfg.Field]; ok {
			return &graph.NodeResult{}, nil
		}

		payload := map[string]any{"field": cfg.Field}

		if cfg.Message != "" {
			message, err := template.RenderString(cfg.Message, state)
			if err != nil {
				return nil, err
			}

			payload["message"] = message
		}

		return &graph.NodeResult{
			Pause: &graph.Pause{Payload: payload},
		}, nil
	}, nil
}
