// Package transform provides a node that derives a state field from a
// template expression over the current state.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/schema"
	"github.com/jianpingh/stategraph/pkg/template"
)

type Config struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
}

func parseConfig(config map[string]any) (Config, error) {
	var cfg Config

	field, ok := config["field"].(string)
	if !ok || field == "" {
		return cfg, errors.New("missing required field 'field'")
	}

	expression, ok := config["expression"].(string)
	if !ok || expression == "" {
		return cfg, errors.New("missing required field 'expression'")
	}

	cfg.Field = field
	cfg.Expression = expression

	return cfg, nil
}

// New builds a transform node function from configuration.
func New(config map[string]any) (graph.NodeFunc, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, state schema.State) (*graph.NodeResult, error) {
		result, err := template.RenderState(cfg.Expression, state)
		if err != nil {
			return nil, fmt.Errorf("transformation failed: %w", err)
		}

		return &graph.NodeResult{
			Update: schema.Update{cfg.Field: result},
		}, nil
	}, nil
}
