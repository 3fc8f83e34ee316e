package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()

	s, err := New(
		Field{Name: "query", Reducer: ReducerReplace},
		Field{Name: "intent", Reducer: ReducerReplace},
		Field{Name: "messages", Reducer: ReducerAppend},
	)
	require.NoError(t, err)

	return s
}

func TestNew_RejectsDuplicateField(t *testing.T) {
	_, err := New(
		Field{Name: "query", Reducer: ReducerReplace},
		Field{Name: "query", Reducer: ReducerAppend},
	)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestNew_RejectsUnknownReducer(t *testing.T) {
	_, err := New(Field{Name: "query", Reducer: Reducer("sum")})

	assert.Error(t, err)
}

func TestMerge_ReplacePreservesUntouchedFields(t *testing.T) {
	s := testSchema(t)

	current := State{"query": "hi", "intent": "greeting"}

	next, err := s.Merge(current, Update{"intent": "farewell"})
	require.NoError(t, err)

	assert.Equal(t, "hi", next["query"])
	assert.Equal(t, "farewell", next["intent"])

	// Original state is untouched.
	assert.Equal(t, "greeting", current["intent"])
}

func TestMerge_AppendConcatenatesInOrder(t *testing.T) {
	s := testSchema(t)

	current := State{"messages": []any{"a", "b"}}

	next, err := s.Merge(current, Update{"messages": []any{"c"}})
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, next["messages"])
	assert.Equal(t, []any{"a", "b"}, current["messages"])
}

func TestMerge_AppendCreatesSequenceWhenAbsent(t *testing.T) {
	s := testSchema(t)

	next, err := s.Merge(State{}, Update{"messages": "hello"})
	require.NoError(t, err)

	assert.Equal(t, []any{"hello"}, next["messages"])
}

func TestMerge_UndeclaredFieldFailsWithSchemaError(t *testing.T) {
	s := testSchema(t)

	_, err := s.Merge(State{}, Update{"unknown": 1})

	require.Error(t, err)

	var schemaErr *SchemaError

	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "unknown", schemaErr.Field)
}

func TestApply_LaterUpdateWinsOnReplaceField(t *testing.T) {
	s := testSchema(t)

	next, err := s.Apply(State{}, []Update{
		{"intent": "first"},
		{"intent": "second"},
	})
	require.NoError(t, err)

	assert.Equal(t, "second", next["intent"])
}

func TestApply_DisjointUpdatesBothSurvive(t *testing.T) {
	s := testSchema(t)

	next, err := s.Apply(State{"query": "hi"}, []Update{
		{"intent": "greeting"},
		{"messages": []any{"hello there"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hi", next["query"])
	assert.Equal(t, "greeting", next["intent"])
	assert.Equal(t, []any{"hello there"}, next["messages"])
}

func TestCombine_BuildsDeltaWithReducerRules(t *testing.T) {
	s := testSchema(t)

	delta, err := s.Combine([]Update{
		{"intent": "first", "messages": []any{"m1"}},
		{"intent": "second", "messages": []any{"m2"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "second", delta["intent"])
	assert.Equal(t, []any{"m1", "m2"}, delta["messages"])
}

func TestClone_IsDeep(t *testing.T) {
	original := State{
		"messages": []any{"a"},
		"metadata": map[string]any{"k": "v"},
	}

	cloned := original.Clone()
	cloned["messages"].([]any)[0] = "mutated"
	cloned["metadata"].(map[string]any)["k"] = "mutated"

	assert.Equal(t, "a", original["messages"].([]any)[0])
	assert.Equal(t, "v", original["metadata"].(map[string]any)["k"])
}

func TestValidate_UnknownFieldRejected(t *testing.T) {
	s := testSchema(t)

	assert.NoError(t, s.Validate(State{"query": "hi"}))

	err := s.Validate(State{"bogus": true})

	var schemaErr *SchemaError

	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "bogus", schemaErr.Field)
}
