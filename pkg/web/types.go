// Package web provides HTTP request and response types for the run API.
package web

// StartRunRequest represents the request body for starting a new run.
type StartRunRequest struct {
	RunID         string         `json:"run_id,omitempty"         validate:"omitempty,max=64"`
	InitialState  map[string]any `json:"initial_state"`
	MaxIterations int            `json:"max_iterations,omitempty" validate:"gte=0"`
}

// ResumeRunRequest represents the request body for resuming a paused run.
// Input is merged into the state record through the schema's reducers before
// execution continues.
type ResumeRunRequest struct {
	Input         map[string]any `json:"input,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty" validate:"gte=0"`
}
