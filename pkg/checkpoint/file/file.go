// Package file provides file-based checkpoint storage. Each checkpoint is a
// JSON document under <root>/runs/<run_id>/, written atomically so a crash
// mid-save never leaves a truncated resumption point.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
)

// Store implements checkpoint.Store on the local file system.
type Store struct {
	root string
}

// NewStore creates a file-based checkpoint store rooted at the given
// directory. A "file://" prefix is stripped so the store can be constructed
// straight from a store URL.
func NewStore(root string) *Store {
	return &Store{root: strings.Replace(root, "file://", "", 1)}
}

func validateRunID(runID string) error {
	if runID == "" {
		return errors.New("run ID cannot be empty")
	}

	// Reject path traversal attempts.
	if strings.Contains(runID, "..") || strings.ContainsAny(runID, "/\\") {
		return errors.New("run ID contains invalid characters")
	}

	return nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *Store) checkpointPath(runID string, stepIndex int) string {
	return filepath.Join(s.runDir(runID), fmt.Sprintf("%08d.json", stepIndex))
}

// Save persists a checkpoint, overwriting any existing snapshot for the same
// (run_id, step_index). The write goes through a temp file and rename so the
// visible file is always complete.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := validateRunID(cp.RunID); err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	dir := s.runDir(cp.RunID)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, fmt.Errorf("failed to create run directory: %w", err))
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, fmt.Errorf("failed to marshal checkpoint: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return checkpoint.NewStoreError("Save", cp.RunID, fmt.Errorf("failed to write checkpoint: %w", err))
	}

	err = os.Rename(tmp.Name(), s.checkpointPath(cp.RunID, cp.StepIndex))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	return nil
}

// LoadLatest returns the checkpoint with the highest step index for a run.
func (s *Store) LoadLatest(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	history, err := s.LoadHistory(ctx, runID)
	if err != nil {
		return nil, err
	}

	return history[len(history)-1], nil
}

// LoadHistory returns all checkpoints of a run ordered by step index.
func (s *Store) LoadHistory(ctx context.Context, runID string) ([]*checkpoint.Checkpoint, error) {
	if err := validateRunID(runID); err != nil {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
	}

	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, checkpoint.NewStoreError("LoadHistory", runID, checkpoint.ErrRunNotFound)
		}

		return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
	}

	steps := make([]int, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		step, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}

		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, checkpoint.ErrRunNotFound)
	}

	sort.Ints(steps)

	history := make([]*checkpoint.Checkpoint, 0, len(steps))

	for _, step := range steps {
		data, err := os.ReadFile(s.checkpointPath(runID, step)) // #nosec G304 -- path is validated and store-constructed
		if err != nil {
			return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
		}

		var cp checkpoint.Checkpoint

		err = json.Unmarshal(data, &cp)
		if err != nil {
			return nil, checkpoint.NewStoreError("LoadHistory", runID, fmt.Errorf("failed to unmarshal step %d: %w", step, err))
		}

		history = append(history, &cp)
	}

	return history, nil
}

type fileLease struct {
	path string
}

func (l *fileLease) Release(_ context.Context) error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// AcquireLease takes the per-run resume lock via an O_EXCL lock file. A
// stale lock left by a crashed process is reclaimed once its TTL expires.
func (s *Store) AcquireLease(ctx context.Context, runID string, ttl time.Duration) (checkpoint.Lease, error) {
	if err := validateRunID(runID); err != nil {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, err)
	}

	err := os.MkdirAll(filepath.Join(s.root, "leases"), 0750)
	if err != nil {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, err)
	}

	path := filepath.Join(s.root, "leases", runID+".lock")

	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) // #nosec G304 -- path is validated
		if err == nil {
			expiry := time.Now().Add(ttl).Format(time.RFC3339Nano)
			_, writeErr := file.WriteString(expiry)
			closeErr := file.Close()

			if writeErr != nil || closeErr != nil {
				_ = os.Remove(path)

				return nil, checkpoint.NewStoreError("AcquireLease", runID, errors.Join(writeErr, closeErr))
			}

			return &fileLease{path: path}, nil
		}

		if !os.IsExist(err) {
			return nil, checkpoint.NewStoreError("AcquireLease", runID, err)
		}

		data, readErr := os.ReadFile(path) // #nosec G304 -- path is validated
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue // Released between our open and read, retry.
			}

			return nil, checkpoint.NewStoreError("AcquireLease", runID, readErr)
		}

		expiry, parseErr := time.Parse(time.RFC3339Nano, string(data))
		if parseErr == nil && time.Now().Before(expiry) {
			return nil, checkpoint.NewStoreError("AcquireLease", runID, checkpoint.ErrLeaseHeld)
		}

		// Stale lock, reclaim it.
		_ = os.Remove(path)
	}
}

// DeleteRun removes every checkpoint of a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return checkpoint.NewStoreError("DeleteRun", runID, err)
	}

	err := os.RemoveAll(s.runDir(runID))
	if err != nil {
		return checkpoint.NewStoreError("DeleteRun", runID, err)
	}

	return nil
}

// RunsByStatus returns the IDs of runs whose latest checkpoint has the given
// status.
func (s *Store) RunsByStatus(ctx context.Context, status checkpoint.Status) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}

		return nil, checkpoint.NewStoreError("RunsByStatus", "", err)
	}

	runIDs := make([]string, 0)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		latest, err := s.LoadLatest(ctx, entry.Name())
		if err != nil {
			continue // Skip unreadable runs.
		}

		if latest.Status == status {
			runIDs = append(runIDs, entry.Name())
		}
	}

	sort.Strings(runIDs)

	return runIDs, nil
}

// HealthCheck verifies the root directory exists.
func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For the file store there is nothing
// to clean up.
func (s *Store) Close(_ context.Context) error {
	return nil
}
