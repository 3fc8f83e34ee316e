// Package checkpoint provides durable snapshots of run position and state,
// behind a storage abstraction with file, Redis and PostgreSQL adapters.
package checkpoint

import (
	"context"
	"time"

	"github.com/jianpingh/stategraph/pkg/schema"
)

// Status is the lifecycle state recorded with each checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailureReason distinguishes terminal failure causes so callers can decide
// whether a run is worth restarting with different limits.
type FailureReason string

const (
	FailureNodeError      FailureReason = "node_error"
	FailureSchemaError    FailureReason = "schema_error"
	FailureUnknownLabel   FailureReason = "unknown_label"
	FailureIterationLimit FailureReason = "iteration_limit"
	FailureCancelled      FailureReason = "cancelled"
)

// Checkpoint is a durable snapshot of (graph position, state record) for a
// run. StepIndex strictly increases within a run; the most recent checkpoint
// is the sole resumption point.
type Checkpoint struct {
	RunID         string         `json:"run_id"`
	StepIndex     int            `json:"step_index"`
	Frontier      []string       `json:"frontier"`
	State         schema.State   `json:"state"`
	Status        Status         `json:"status"`
	PausedNode    string         `json:"paused_node,omitempty"`
	PausePayload  map[string]any `json:"pause_payload,omitempty"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	FailureDetail string         `json:"failure_detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Lease is an exclusive per-run lock held across a resume, preventing two
// concurrent resume calls from reading the same latest checkpoint.
type Lease interface {
	Release(ctx context.Context) error
}

// Store is the passive durable collaborator keyed by run ID. Save is an
// idempotent upsert on (run_id, step_index) and must be durable before the
// engine advances to the next step.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	LoadLatest(ctx context.Context, runID string) (*Checkpoint, error)
	LoadHistory(ctx context.Context, runID string) ([]*Checkpoint, error)
	AcquireLease(ctx context.Context, runID string, ttl time.Duration) (Lease, error)
	DeleteRun(ctx context.Context, runID string) error
	RunsByStatus(ctx context.Context, status Status) ([]string, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
