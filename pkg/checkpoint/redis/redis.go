// Package redis provides Redis-backed checkpoint storage. Checkpoints live
// in a hash per run keyed by step index, and the resume lease is a SET NX
// key with a TTL so a crashed resumer cannot wedge a run forever.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
)

const keyPrefix = "stategraph"

// Store implements checkpoint.Store on Redis.
type Store struct {
	client redis.UniversalClient
}

// NewStore creates a Redis checkpoint store from a redis:// URL.
func NewStore(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &Store{client: redis.NewClient(opts)}, nil
}

// NewStoreWithClient wraps an existing client, used by tests.
func NewStoreWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:checkpoints", keyPrefix, runID)
}

func statusKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:status", keyPrefix, runID)
}

func leaseKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:lease", keyPrefix, runID)
}

func runsKey() string {
	return keyPrefix + ":runs"
}

// Save upserts the checkpoint under its step index. HSET on the same field
// is naturally idempotent.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.RunID == "" {
		return checkpoint.NewStoreError("Save", cp.RunID, errors.New("run ID cannot be empty"))
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, fmt.Errorf("failed to marshal checkpoint: %w", err))
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, runKey(cp.RunID), strconv.Itoa(cp.StepIndex), data)
	pipe.Set(ctx, statusKey(cp.RunID), string(cp.Status), 0)
	pipe.SAdd(ctx, runsKey(), cp.RunID)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return checkpoint.NewStoreError("Save", cp.RunID, err)
	}

	return nil
}

// LoadLatest returns the checkpoint with the highest step index.
func (s *Store) LoadLatest(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	history, err := s.LoadHistory(ctx, runID)
	if err != nil {
		return nil, err
	}

	return history[len(history)-1], nil
}

// LoadHistory returns all checkpoints of a run ordered by step index.
func (s *Store) LoadHistory(ctx context.Context, runID string) ([]*checkpoint.Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, err)
	}

	if len(fields) == 0 {
		return nil, checkpoint.NewStoreError("LoadHistory", runID, checkpoint.ErrRunNotFound)
	}

	steps := make([]int, 0, len(fields))

	for field := range fields {
		step, err := strconv.Atoi(field)
		if err != nil {
			continue
		}

		steps = append(steps, step)
	}

	sort.Ints(steps)

	history := make([]*checkpoint.Checkpoint, 0, len(steps))

	for _, step := range steps {
		var cp checkpoint.Checkpoint

		err = json.Unmarshal([]byte(fields[strconv.Itoa(step)]), &cp)
		if err != nil {
			return nil, checkpoint.NewStoreError("LoadHistory", runID, fmt.Errorf("failed to unmarshal step %d: %w", step, err))
		}

		history = append(history, &cp)
	}

	return history, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	current, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil // Expired on its own.
	}

	if err != nil {
		return err
	}

	if current != l.token {
		return nil // Reclaimed by someone else after expiry, not ours to delete.
	}

	return l.client.Del(ctx, l.key).Err()
}

// AcquireLease takes the per-run resume lock with SET NX PX.
func (s *Store) AcquireLease(ctx context.Context, runID string, ttl time.Duration) (checkpoint.Lease, error) {
	token := uuid.New().String()

	acquired, err := s.client.SetNX(ctx, leaseKey(runID), token, ttl).Result()
	if err != nil {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, err)
	}

	if !acquired {
		return nil, checkpoint.NewStoreError("AcquireLease", runID, checkpoint.ErrLeaseHeld)
	}

	return &redisLease{client: s.client, key: leaseKey(runID), token: token}, nil
}

// DeleteRun removes every key belonging to a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, runKey(runID), statusKey(runID))
	pipe.SRem(ctx, runsKey(), runID)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return checkpoint.NewStoreError("DeleteRun", runID, err)
	}

	return nil
}

// RunsByStatus returns the IDs of runs whose latest checkpoint has the given
// status.
func (s *Store) RunsByStatus(ctx context.Context, status checkpoint.Status) ([]string, error) {
	runIDs, err := s.client.SMembers(ctx, runsKey()).Result()
	if err != nil {
		return nil, checkpoint.NewStoreError("RunsByStatus", "", err)
	}

	matched := make([]string, 0)

	for _, runID := range runIDs {
		current, err := s.client.Get(ctx, statusKey(runID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return nil, checkpoint.NewStoreError("RunsByStatus", runID, err)
		}

		if checkpoint.Status(current) == status {
			matched = append(matched, runID)
		}
	}

	sort.Strings(matched)

	return matched, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}
