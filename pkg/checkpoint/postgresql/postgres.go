// Package postgresql provides PostgreSQL-backed checkpoint storage.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/checkpoint/sqlbase"
	"github.com/jianpingh/stategraph/pkg/schema"
)

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS checkpoints (
				run_id         TEXT    NOT NULL,
				step_index     INTEGER NOT NULL,
				frontier       JSONB   NOT NULL,
				state          JSONB   NOT NULL,
				status         TEXT    NOT NULL,
				paused_node    TEXT,
				pause_payload  JSONB,
				failure_reason TEXT,
				failure_detail TEXT,
				created_at     TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at     TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (run_id, step_index)
			);
			CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints (status);

			CREATE TABLE IF NOT EXISTS run_leases (
				run_id     TEXT PRIMARY KEY,
				token      TEXT NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
	}
}

// Store implements checkpoint.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects, runs migrations and returns a ready store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	err = sqlbase.NewMigrator(logger, db, migrations()).Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Save upserts the checkpoint on (run_id, step_index).
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	frontier, err := json.Marshal(cp.Frontier)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	state, err := json.Marshal(cp.State)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	payload, err := json.Marshal(cp.PausePayload)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(run_id, step_index, frontier, state, status, paused_node, pause_payload, failure_reason, failure_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			frontier = EXCLUDED.frontier,
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			paused_node = EXCLUDED.paused_node,
			pause_payload = EXCLUDED.pause_payload,
			failure_reason = EXCLUDED.failure_reason,
			failure_detail = EXCLUDED.failure_detail,
			updated_at = EXCLUDED.updated_at`,
		cp.RunID, cp.StepIndex, frontier, state, string(cp.Status),
		cp.PausedNode, payload, string(cp.FailureReason), cp.FailureDetail, cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	return nil
}

func scanCheckpoint(scan func(dest ...any) error) (*checkpoint.Checkpoint, error) {
	var (
		cp            checkpoint.Checkpoint
		frontier      []byte
		state         []byte
		payload       []byte
		status        string
		pausedNode    sql.NullString
		failureReason sql.NullString
		failureDetail sql.NullString
	)

	err := scan(&cp.RunID, &cp.StepIndex, &frontier, &state, &status,
		&pausedNode, &payload, &failureReason, &failureDetail, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(frontier, &cp.Frontier)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal frontier: %w", err)
	}

	cp.State = schema.State{}

	err = json.Unmarshal(state, &cp.State)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	if len(payload) > 0 && string(payload) != "null" {
		err = json.Unmarshal(payload, &cp.PausePayload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal pause payload: %w", err)
		}
	}

	cp.Status = checkpoint.Status(status)
	cp.PausedNode = pausedNode.String
	cp.FailureReason = checkpoint.FailureReason(failureReason.String)
	cp.FailureDetail = failureDetail.String

	return &cp, nil
}

const checkpointColumns = `run_id, step_index, frontier, state, status, paused_node, pause_payload, failure_reason, failure_detail, created_at, updated_at`

// LoadLatest returns the checkpoint with the highest step index.
func (s *Store) LoadLatest(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints WHERE run_id = $1
		ORDER BY step_index DESC LIMIT 1`, runID)

	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.NewStoreError("LoadLatest", runID, checkpoint.ErrRunNotFound)
	}

	if err != nil {
		return nil, checkpoint.NewStoreError("LoadLatest", runID, err)
	}

	return cp, nil
}

// LoadHistory returns all checkpoints of a run ordered by step index.
func (s *Store) LoadHistory(ctx context.Context, runID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints WHERE run_id = $1
		ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
	}
	defer rows.Close()

	history := make([]*checkpoint.Checkpoint, 0)

	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
		}

		history = append(history, cp)
	}

	err = rows.Err()
	if err != nil {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
	}

	if len(history) == 0 {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, checkpoint.ErrRunNotFound)
	}

	return history, nil
}

type pgLease struct {
	db    *sql.DB
	runID string
	token string
}

func (l *pgLease) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM run_leases WHERE run_id = $1 AND token = $2", l.runID, l.token)

	return err
}

// AcquireLease takes the per-run resume lock. Expired leases are reclaimed
// in the same statement so abandoned locks cannot wedge a run.
func (s *Store) AcquireLease(ctx context.Context, runID string, ttl time.Duration) (checkpoint.Lease, error) {
	token := uuid.New().String()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE run_leases.expires_at < NOW()`,
		runID, token, time.Now().Add(ttl))
	if err != nil {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, err)
	}

	if affected == 0 {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, checkpoint.ErrLeaseHeld)
	}

	return &pgLease{db: s.db, runID: runID, token: token}, nil
}

// DeleteRun removes every checkpoint of a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE run_id = $1", runID)
	if err != nil {
		return checkpoint.NewStoreError("DeleteRun", runID, err)
	}

	return nil
}

// RunsByStatus returns the IDs of runs whose latest checkpoint has the given
// status.
func (s *Store) RunsByStatus(ctx context.Context, status checkpoint.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM (
			SELECT DISTINCT ON (run_id) run_id, status
			FROM checkpoints
			ORDER BY run_id, step_index DESC
		) latest
		WHERE status = $1
		ORDER BY run_id`, string(status))
	if err != nil {
		return nil, checkpoint.NewStoreError("RunsByStatus", "", err)
	}
	defer rows.Close()

	runIDs := make([]string, 0)

	for rows.Next() {
		var runID string

		err = rows.Scan(&runID)
		if err != nil {
			return nil, checkpoint.NewStoreError("RunsByStatus", "", err)
		}

		runIDs = append(runIDs, runID)
	}

	err = rows.Err()
	if err != nil {
		return nil, checkpoint.NewStoreError("RunsByStatus", "", err)
	}

	return runIDs, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
