// Package main provides the stategraph CLI: it starts, resumes and inspects
// workflow graph runs, and serves the run management API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/cmd"
	"github.com/jianpingh/stategraph/pkg/definition"
	"github.com/jianpingh/stategraph/pkg/engine"
	"github.com/jianpingh/stategraph/pkg/eventbus"
	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/log"
	"github.com/jianpingh/stategraph/pkg/otelhelper"
	"github.com/jianpingh/stategraph/pkg/schema"
)

func main() {
	logger := log.WithModule("cli")

	root := &cli.Command{
		Name:                  "stategraph",
		Usage:                 "Run and manage stateful workflow graphs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store-url",
				Usage:   "Checkpoint store URL (file://path, redis://..., postgres://...)",
				Value:   "file://./data",
				Sources: cli.EnvVars("STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel); empty disables events",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			resumeCommand(),
			statusCommand(),
			cancelCommand(),
			serveCommand(),
		},
	}

	err := root.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// runtime bundles the dependencies every command wires from the root flags.
type runtime struct {
	engine *engine.Engine
	store  checkpoint.Store
	bus    eventbus.EventBus
}

func newRuntime(ctx context.Context, command *cli.Command) (*runtime, error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("cli")

	store, err := cmd.NewStore(ctx, logger, command.String("store-url"))
	if err != nil {
		return nil, err
	}

	bus := cmd.NewEventBus(command.String("event-bus"), logger)

	opts := []engine.Option{}
	if bus != nil {
		opts = append(opts, engine.WithEventBus(bus))
	}

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tracer, err := otelhelper.NewTracer(ctx, "stategraph")
		if err != nil {
			return nil, err
		}

		opts = append(opts, engine.WithTracer(tracer))
	}

	return &runtime{
		engine: engine.New(store, logger, opts...),
		store:  store,
		bus:    bus,
	}, nil
}

func (r *runtime) close(ctx context.Context) {
	logger := log.WithModule("cli")

	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if err := r.store.Close(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to close checkpoint store", "error", err)
	}
}

func loadGraph(ctx context.Context, command *cli.Command) (*graph.Graph, error) {
	def, err := definition.LoadFile(command.String("graph"))
	if err != nil {
		return nil, err
	}

	return def.Build(ctx, cmd.NewRegistry(log.WithModule("cli")))
}

func parseStateFlag(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}

	var state map[string]any

	err := json.Unmarshal([]byte(raw), &state)
	if err != nil {
		return nil, fmt.Errorf("invalid state JSON: %w", err)
	}

	return state, nil
}

func printHandle(handle *engine.RunHandle) error {
	out, err := json.MarshalIndent(handle, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func graphFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "graph",
		Aliases:  []string{"g"},
		Usage:    "Path to the graph definition JSON file",
		Required: true,
		Sources:  cli.EnvVars("GRAPH_FILE"),
	}
}

func maxIterationsFlag() *cli.IntFlag {
	return &cli.IntFlag{
		Name:  "max-iterations",
		Usage: "Maximum number of steps before the run fails",
		Value: engine.DefaultMaxIterations,
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start a new run of a graph definition",
		Flags: []cli.Flag{
			graphFlag(),
			maxIterationsFlag(),
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run identifier; generated when empty",
			},
			&cli.StringFlag{
				Name:    "initial-state",
				Aliases: []string{"i"},
				Usage:   "Initial state record as JSON",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			g, err := loadGraph(ctx, command)
			if err != nil {
				return err
			}

			initial, err := parseStateFlag(command.String("initial-state"))
			if err != nil {
				return err
			}

			handle, err := rt.engine.Start(ctx, g, schema.State(initial), command.String("run-id"), engine.RunConfig{
				MaxIterations: command.Int("max-iterations"),
			})
			if err != nil && handle == nil {
				return err
			}

			return printHandle(handle)
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a paused run, optionally merging external input",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			graphFlag(),
			maxIterationsFlag(),
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "External input as JSON, merged into the state record",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			runID := command.Args().First()
			if runID == "" {
				return fmt.Errorf("run ID argument is required")
			}

			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			g, err := loadGraph(ctx, command)
			if err != nil {
				return err
			}

			input, err := parseStateFlag(command.String("input"))
			if err != nil {
				return err
			}

			handle, err := rt.engine.Resume(ctx, g, runID, schema.Update(input), engine.RunConfig{
				MaxIterations: command.Int("max-iterations"),
			})
			if err != nil && handle == nil {
				return err
			}

			return printHandle(handle)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the latest checkpoint of a run",
		ArgsUsage: "<run-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			runID := command.Args().First()
			if runID == "" {
				return fmt.Errorf("run ID argument is required")
			}

			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			handle, err := rt.engine.Status(ctx, runID)
			if err != nil {
				return err
			}

			return printHandle(handle)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a run that is running or paused",
		ArgsUsage: "<run-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			runID := command.Args().First()
			if runID == "" {
				return fmt.Errorf("run ID argument is required")
			}

			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			return rt.engine.Cancel(ctx, runID)
		},
	}
}
