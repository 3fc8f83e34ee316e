package cmd

import (
	"log/slog"

	"github.com/jianpingh/stategraph/pkg/registry"
)

// NewRegistry creates a registry with all native node and selector
// factories registered.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultNodes()

	return reg
}
