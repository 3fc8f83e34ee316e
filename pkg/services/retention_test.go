package services_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/checkpoint/file"
	"github.com/jianpingh/stategraph/pkg/schema"
	"github.com/jianpingh/stategraph/pkg/services"
)

func saveRun(t *testing.T, store checkpoint.Store, runID string, status checkpoint.Status, age time.Duration) {
	t.Helper()

	err := store.Save(context.Background(), &checkpoint.Checkpoint{
		RunID:     runID,
		StepIndex: 0,
		Frontier:  []string{"work"},
		State:     schema.State{},
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-age),
		UpdatedAt: time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
}

func TestPruneRemovesOldFinishedRuns(t *testing.T) {
	store := file.NewStore(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	saveRun(t, store, "old-completed", checkpoint.StatusCompleted, 48*time.Hour)
	saveRun(t, store, "old-failed", checkpoint.StatusFailed, 48*time.Hour)
	saveRun(t, store, "fresh-completed", checkpoint.StatusCompleted, time.Minute)
	saveRun(t, store, "paused", checkpoint.StatusPaused, 48*time.Hour)
	saveRun(t, store, "running", checkpoint.StatusRunning, 48*time.Hour)

	retention, err := services.NewRetention(store, logger, services.RetentionConfig{
		MaxAge: 24 * time.Hour,
	})
	require.NoError(t, err)

	pruned, err := retention.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	// Finished-but-fresh and unfinished runs survive.
	_, err = store.LoadLatest(context.Background(), "fresh-completed")
	assert.NoError(t, err)
	_, err = store.LoadLatest(context.Background(), "paused")
	assert.NoError(t, err)
	_, err = store.LoadLatest(context.Background(), "running")
	assert.NoError(t, err)

	_, err = store.LoadLatest(context.Background(), "old-completed")
	assert.True(t, checkpoint.IsRunNotFound(err))
	_, err = store.LoadLatest(context.Background(), "old-failed")
	assert.True(t, checkpoint.IsRunNotFound(err))
}

func TestPruneZeroMaxAgeRemovesAllFinished(t *testing.T) {
	store := file.NewStore(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	saveRun(t, store, "completed", checkpoint.StatusCompleted, time.Second)
	saveRun(t, store, "paused", checkpoint.StatusPaused, time.Second)

	retention, err := services.NewRetention(store, logger, services.RetentionConfig{})
	require.NoError(t, err)

	pruned, err := retention.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestNewRetentionRejectsBadSchedule(t *testing.T) {
	store := file.NewStore(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := services.NewRetention(store, logger, services.RetentionConfig{Schedule: "not-cron"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retention schedule")
}
