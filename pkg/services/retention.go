// Package services provides background services operating on the checkpoint
// store.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
)

// RetentionConfig controls the pruning of finished runs.
type RetentionConfig struct {
	// Schedule is a cron expression for the prune pass.
	Schedule string `json:"schedule"`

	// MaxAge is how long finished run histories are kept. Zero prunes every
	// finished run on each pass.
	MaxAge time.Duration `json:"max_age"`
}

// Retention prunes checkpoint histories of completed and failed runs on a
// schedule. Running and paused runs are never touched.
type Retention struct {
	store  checkpoint.Store
	logger *slog.Logger
	config RetentionConfig
	cron   *cron.Cron
}

func NewRetention(store checkpoint.Store, logger *slog.Logger, config RetentionConfig) (*Retention, error) {
	if config.Schedule == "" {
		config.Schedule = "@hourly"
	}

	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule '%s': %w", config.Schedule, err)
	}

	return &Retention{
		store:  store,
		logger: logger.With("module", "retention"),
		config: config,
	}, nil
}

// Start schedules the prune pass. It returns immediately; pruning happens on
// the cron's goroutine.
func (r *Retention) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting retention service",
		"schedule", r.config.Schedule, "max_age", r.config.MaxAge)

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := r.cron.AddFunc(r.config.Schedule, func() {
		pruned, err := r.Prune(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "Retention pass failed", "error", err)

			return
		}

		if pruned > 0 {
			r.logger.InfoContext(ctx, "Pruned finished runs", "count", pruned)
		}
	})
	if err != nil {
		return err
	}

	r.cron.Start()

	return nil
}

// Prune deletes the checkpoint history of every finished run older than
// MaxAge. It returns the number of runs removed.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	pruned := 0

	for _, status := range []checkpoint.Status{checkpoint.StatusCompleted, checkpoint.StatusFailed} {
		runIDs, err := r.store.RunsByStatus(ctx, status)
		if err != nil {
			return pruned, err
		}

		for _, runID := range runIDs {
			expired, err := r.expired(ctx, runID)
			if err != nil {
				r.logger.WarnContext(ctx, "Skipping run during retention pass", "run_id", runID, "error", err)

				continue
			}

			if !expired {
				continue
			}

			err = r.store.DeleteRun(ctx, runID)
			if err != nil {
				return pruned, err
			}

			pruned++
		}
	}

	return pruned, nil
}

func (r *Retention) expired(ctx context.Context, runID string) (bool, error) {
	if r.config.MaxAge == 0 {
		return true, nil
	}

	cp, err := r.store.LoadLatest(ctx, runID)
	if err != nil {
		return false, err
	}

	return time.Since(cp.UpdatedAt) > r.config.MaxAge, nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (r *Retention) Stop(_ context.Context) error {
	r.logger.Info("Stopping retention service")

	if r.cron != nil {
		<-r.cron.Stop().Done()
	}

	return nil
}
