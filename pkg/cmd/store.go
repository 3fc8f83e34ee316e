// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/checkpoint/file"
	"github.com/jianpingh/stategraph/pkg/checkpoint/postgresql"
	"github.com/jianpingh/stategraph/pkg/checkpoint/redis"
)

var supportedStoreProviders = []string{"file", "postgres", "postgresql", "redis", "rediss"}

// NewStore creates a checkpoint store based on the URL scheme. Anything
// without a recognized scheme is treated as a filesystem root.
func NewStore(ctx context.Context, logger *slog.Logger, storeURL string) (checkpoint.Store, error) {
	switch parseStoreProvider(storeURL) {
	case "postgres", "postgresql":
		return postgresql.NewStore(ctx, logger, storeURL)
	case "redis", "rediss":
		return redis.NewStore(storeURL)
	default:
		return file.NewStore(strings.TrimPrefix(storeURL, "file://")), nil
	}
}

func parseStoreProvider(storeURL string) string {
	parts := strings.Split(storeURL, "://")

	provider := parts[0]
	for _, supported := range supportedStoreProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

// MustStore is NewStore for main wiring where a bad URL is fatal.
func MustStore(ctx context.Context, logger *slog.Logger, storeURL string) checkpoint.Store {
	store, err := NewStore(ctx, logger, storeURL)
	if err != nil {
		panic(fmt.Errorf("failed to create checkpoint store: %w", err))
	}

	return store
}
