package switchnode_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianpingh/stategraph/pkg/nodes/switchnode"
	"github.com/jianpingh/stategraph/pkg/schema"
)

func newSelector(t *testing.T, config map[string]any) func(schema.State) (string, error) {
	t.Helper()

	fn, err := switchnode.New(config)
	require.NoError(t, err)

	return func(state schema.State) (string, error) {
		return fn(context.Background(), state)
	}
}

func TestSwitchMatchesCase(t *testing.T) {
	selector := newSelector(t, map[string]any{
		"value": "{{.state.decision}}",
		"cases": []any{
			map[string]any{"value": "approved", "label": "continue"},
			map[string]any{"value": "rejected", "label": "end"},
		},
	})

	label, err := selector(schema.State{"decision": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "continue", label)

	label, err = selector(schema.State{"decision": "rejected"})
	require.NoError(t, err)
	assert.Equal(t, "end", label)
}

func TestSwitchFallsBackToDefault(t *testing.T) {
	selector := newSelector(t, map[string]any{
		"value": "{{.state.decision}}",
		"cases": []any{
			map[string]any{"value": "approved", "label": "continue"},
		},
		"default": "retry",
	})

	label, err := selector(schema.State{"decision": "unknown"})
	require.NoError(t, err)
	assert.Equal(t, "retry", label)
}

func TestSwitchNoMatchWithoutDefault(t *testing.T) {
	selector := newSelector(t, map[string]any{
		"value": "{{.state.decision}}",
		"cases": []any{
			map[string]any{"value": "approved", "label": "continue"},
		},
	})

	_, err := selector(schema.State{"decision": "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no case matched")
}

func TestSwitchMissingValue(t *testing.T) {
	_, err := switchnode.New(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value")
}
