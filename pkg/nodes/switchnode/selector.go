// Package switchnode provides a multi-way routing selector driven by a
// template expression over the state record.
package switchnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/schema"
	"github.com/jianpingh/stategraph/pkg/template"
)

type Config struct {
	Value   string            // Expression to evaluate
	Cases   map[string]string // case value -> label mapping
	Default string            // label when no case matches
}

func parseConfig(config map[string]any) (Config, error) {
	var cfg Config

	value, ok := config["value"].(string)
	if !ok || value == "" {
		return cfg, errors.New("missing required field 'value'")
	}

	cfg.Value = value
	cfg.Cases = make(map[string]string)

	if casesConfig, ok := config["cases"].([]any); ok {
		for i, caseAny := range casesConfig {
			caseMap, ok := caseAny.(map[string]any)
			if !ok {
				return cfg, fmt.Errorf("case %d must be an object", i)
			}

			caseValue, ok := caseMap["value"].(string)
			if !ok {
				return cfg, fmt.Errorf("case %d missing 'value'", i)
			}

			label, ok := caseMap["label"].(string)
			if !ok {
				return cfg, fmt.Errorf("case %d missing 'label'", i)
			}

			cfg.Cases[caseValue] = label
		}
	}

	if defaultLabel, ok := config["default"].(string); ok {
		cfg.Default = defaultLabel
	}

	return cfg, nil
}

// New builds a switch selector function from configuration.
func New(config map[string]any) (graph.SelectorFunc, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, state schema.State) (string, error) {
		result, err := template.RenderState(cfg.Value, state)
		if err != nil {
			return "", fmt.Errorf("value evaluation failed: %w", err)
		}

		valueStr := fmt.Sprintf("%v", result)

		if label, exists := cfg.Cases[valueStr]; exists {
			return label, nil
		}

		if cfg.Default != "" {
			return cfg.Default, nil
		}

		return "", fmt.Errorf("no case matched value '%s' and no default label configured", valueStr)
	}, nil
}
