package definition_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianpingh/stategraph/pkg/definition"
	"github.com/jianpingh/stategraph/pkg/registry"
)

const assistantDefinition = `{
	"name": "research-assistant",
	"description": "Iterative retrieve-and-generate loop with operator approval.",
	"schema": [
		{"name": "question", "reducer": "replace"},
		{"name": "answer", "reducer": "replace"},
		{"name": "decision", "reducer": "replace"},
		{"name": "notes", "reducer": "append"}
	],
	"nodes": [
		{
			"name": "generate",
			"type": "transform",
			"config": {"field": "answer", "expression": "draft for {{.state.question}}"}
		},
		{
			"name": "review",
			"type": "approval",
			"config": {"field": "decision", "message": "approve {{.state.answer}}?"}
		},
		{
			"name": "publish",
			"type": "transform",
			"config": {"field": "answer", "expression": "published: {{.state.answer}}"}
		}
	],
	"edges": [
		{"from": "generate", "to": "review"},
		{"from": "publish", "to": "END"}
	],
	"conditionals": [
		{
			"from": "review",
			"selector": "route_decision",
			"type": "switch",
			"config": {
				"value": "{{.state.decision}}",
				"cases": [
					{"value": "approved", "label": "publish"},
					{"value": "rejected", "label": "regenerate"}
				]
			},
			"labels": {"publish": "publish", "regenerate": "generate"}
		}
	],
	"entry_point": "generate"
}`

func newTestRegistry() *registry.Registry {
	r := registry.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.RegisterDefaultNodes()

	return r
}

func TestParseAndBuild(t *testing.T) {
	def, err := definition.Parse([]byte(assistantDefinition))
	require.NoError(t, err)
	assert.Equal(t, "research-assistant", def.Name)
	assert.Len(t, def.Nodes, 3)

	g, err := def.Build(context.Background(), newTestRegistry())
	require.NoError(t, err)
	assert.Equal(t, "generate", g.EntryPoint())
	assert.True(t, g.HasNode("review"))
}

func TestParseRejectsInvalidReducer(t *testing.T) {
	_, err := definition.Parse([]byte(`{
		"name": "bad-graph",
		"schema": [{"name": "x", "reducer": "sum"}],
		"nodes": [{"name": "n", "type": "transform"}],
		"entry_point": "n"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid graph definition")
}

func TestParseRejectsMissingEntryPoint(t *testing.T) {
	_, err := definition.Parse([]byte(`{
		"name": "bad-graph",
		"schema": [{"name": "x", "reducer": "replace"}],
		"nodes": [{"name": "n", "type": "transform", "config": {"field": "x", "expression": "1"}}]
	}`))
	require.Error(t, err)
}

func TestBuildRejectsUnknownNodeType(t *testing.T) {
	def, err := definition.Parse([]byte(`{
		"name": "bad-graph",
		"schema": [{"name": "x", "reducer": "replace"}],
		"nodes": [{"name": "n", "type": "nope"}],
		"edges": [{"from": "n", "to": "END"}],
		"entry_point": "n"
	}`))
	require.NoError(t, err)

	_, err = def.Build(context.Background(), newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestBuildRejectsUnknownEdgeEndpoint(t *testing.T) {
	def, err := definition.Parse([]byte(`{
		"name": "bad-graph",
		"schema": [{"name": "x", "reducer": "replace"}],
		"nodes": [{"name": "n", "type": "transform", "config": {"field": "x", "expression": "1"}}],
		"edges": [{"from": "n", "to": "ghost"}],
		"entry_point": "n"
	}`))
	require.NoError(t, err)

	_, err = def.Build(context.Background(), newTestRegistry())
	require.Error(t, err)
}
