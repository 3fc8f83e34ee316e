// Package schema defines the state record threaded through a graph run and
// the per-field reducer policy used to merge partial updates into it.
package schema

import (
	"fmt"
	"sort"
)

// Reducer is the policy governing how a partial update combines with the
// existing value of a field.
type Reducer string

const (
	// ReducerReplace overwrites the current value with the update value.
	ReducerReplace Reducer = "replace"

	// ReducerAppend concatenates the update value onto the current sequence,
	// creating the sequence if the field is absent.
	ReducerAppend Reducer = "append"
)

// State is an immutable-by-convention snapshot of the state record. The
// engine never hands the same State to more than one step's frontier; nodes
// receive a deep copy and must not mutate it.
type State map[string]any

// Update is a partial state delta returned by a node. Fields absent from the
// update are left untouched by the merge.
type Update map[string]any

// Field declares a state record field and its reducer policy.
type Field struct {
	Name    string  `json:"name"    validate:"required,min=1"`
	Reducer Reducer `json:"reducer" validate:"required,oneof=replace append"`
}

// SchemaError reports a partial update referencing a field not declared in
// the state schema. It is fatal to the step.
type SchemaError struct {
	Field string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("field %q is not declared in the state schema", e.Field)
}

// Schema is the fixed set of state fields, closed at graph-construction time.
type Schema struct {
	reducers map[string]Reducer
}

// New builds a schema from field declarations. Redeclaring a field or using
// an unknown reducer is rejected.
func New(fields ...Field) (*Schema, error) {
	reducers := make(map[string]Reducer, len(fields))

	for _, field := range fields {
		if field.Name == "" {
			return nil, fmt.Errorf("state field name cannot be empty")
		}

		if _, exists := reducers[field.Name]; exists {
			return nil, fmt.Errorf("state field %q declared twice", field.Name)
		}

		switch field.Reducer {
		case ReducerReplace, ReducerAppend:
		default:
			return nil, fmt.Errorf("state field %q has unknown reducer %q", field.Name, field.Reducer)
		}

		reducers[field.Name] = field.Reducer
	}

	return &Schema{reducers: reducers}, nil
}

// Has reports whether the field is declared.
func (s *Schema) Has(name string) bool {
	_, ok := s.reducers[name]

	return ok
}

// Reducer returns the declared reducer for a field.
func (s *Schema) Reducer(name string) (Reducer, bool) {
	reducer, ok := s.reducers[name]

	return reducer, ok
}

// Fields returns the declared field names in stable order.
func (s *Schema) Fields() []string {
	names := make([]string, 0, len(s.reducers))
	for name := range s.reducers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Validate checks that every field of the state is declared in the schema.
func (s *Schema) Validate(state State) error {
	for name := range state {
		if !s.Has(name) {
			return &SchemaError{Field: name}
		}
	}

	return nil
}

// Merge produces a new state from the current state and a partial update,
// applying the declared reducer per field. The current state is never
// mutated in place.
func (s *Schema) Merge(current State, update Update) (State, error) {
	next := current.Clone()

	for name, value := range update {
		reducer, ok := s.reducers[name]
		if !ok {
			return nil, &SchemaError{Field: name}
		}

		switch reducer {
		case ReducerAppend:
			next[name] = appendValues(next[name], value)
		default:
			next[name] = deepCopyValue(value)
		}
	}

	return next, nil
}

// Apply merges a sequence of updates into the current state in order. The
// engine passes frontier updates in node registration order so that
// concurrent writers to the same replace field resolve deterministically to
// the later-registered node.
func (s *Schema) Apply(current State, updates []Update) (State, error) {
	next := current

	for _, update := range updates {
		merged, err := s.Merge(next, update)
		if err != nil {
			return nil, err
		}

		next = merged
	}

	return next, nil
}

// Combine folds a sequence of updates into a single delta using the same
// reducer rules, without touching any base state. The engine uses it to
// build the per-step state delta carried by step events.
func (s *Schema) Combine(updates []Update) (Update, error) {
	combined := make(Update)

	for _, update := range updates {
		for name, value := range update {
			reducer, ok := s.reducers[name]
			if !ok {
				return nil, &SchemaError{Field: name}
			}

			switch reducer {
			case ReducerAppend:
				combined[name] = appendValues(combined[name], value)
			default:
				combined[name] = deepCopyValue(value)
			}
		}
	}

	return combined, nil
}

// Clone returns a deep copy of the state. Nodes get their own copy so a
// badly behaved node cannot leak writes into the engine's snapshot.
func (st State) Clone() State {
	if st == nil {
		return State{}
	}

	cloned := make(State, len(st))
	for name, value := range st {
		cloned[name] = deepCopyValue(value)
	}

	return cloned
}

func appendValues(existing, incoming any) []any {
	sequence := toSequence(existing)

	return append(sequence, toSequence(incoming)...)
}

// toSequence normalizes a value into a slice: nil is empty, a slice is
// copied element-wise, anything else becomes a single-element sequence.
func toSequence(value any) []any {
	switch typed := value.(type) {
	case nil:
		return []any{}
	case []any:
		sequence := make([]any, 0, len(typed))
		for _, item := range typed {
			sequence = append(sequence, deepCopyValue(item))
		}

		return sequence
	default:
		return []any{deepCopyValue(value)}
	}
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, item := range typed {
			copied[key] = deepCopyValue(item)
		}

		return copied
	case []any:
		copied := make([]any, 0, len(typed))
		for _, item := range typed {
			copied = append(copied, deepCopyValue(item))
		}

		return copied
	default:
		return typed
	}
}
