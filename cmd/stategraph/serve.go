package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/cmd"
	"github.com/jianpingh/stategraph/pkg/engine"
	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/log"
	"github.com/jianpingh/stategraph/pkg/registry"
	"github.com/jianpingh/stategraph/pkg/services"
	"github.com/jianpingh/stategraph/pkg/web"
)

const defaultPort = 9091

type API struct {
	logger   *slog.Logger
	engine   *engine.Engine
	graph    *graph.Graph
	store    checkpoint.Store
	registry *registry.Registry
	validate *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	eng *engine.Engine,
	g *graph.Graph,
	store checkpoint.Store,
	reg *registry.Registry,
) *API {
	return &API{
		logger:   logger,
		engine:   eng,
		graph:    g,
		store:    store,
		registry: reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.engine, a.graph, a.store, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Stategraph API")
	})

	r := app.Group("/runs")
	r.Post("/", handlers.StartRun)
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/resume", handlers.ResumeRun)
	r.Post("/:id/cancel", handlers.CancelRun)
	r.Get("/:id/history", handlers.GetRunHistory)
	r.Get("/:id/events", handlers.GetRunEvents)

	app.Get("/components", handlers.GetComponents)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the run management API for a graph definition",
		Flags: []cli.Flag{
			graphFlag(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "retention-schedule",
				Usage:   "Cron expression for pruning finished runs; empty disables pruning",
				Sources: cli.EnvVars("RETENTION_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "retention-max-age",
				Usage:   "How long finished run histories are kept",
				Sources: cli.EnvVars("RETENTION_MAX_AGE"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			apiLogger := log.WithModule("api")
			apiLogger.InfoContext(ctx, "Initializing Stategraph API")

			g, err := loadGraph(ctx, command)
			if err != nil {
				return err
			}

			if schedule := command.String("retention-schedule"); schedule != "" {
				retention, err := services.NewRetention(rt.store, apiLogger, services.RetentionConfig{
					Schedule: schedule,
					MaxAge:   command.Duration("retention-max-age"),
				})
				if err != nil {
					return err
				}

				err = retention.Start(ctx)
				if err != nil {
					return err
				}

				defer func() {
					if err := retention.Stop(ctx); err != nil {
						apiLogger.ErrorContext(ctx, "Failed to stop retention service", "error", err)
					}
				}()
			}

			api := NewAPI(apiLogger, rt.engine, g, rt.store, cmd.NewRegistry(apiLogger))

			return api.Start(command.Int("port"))
		},
	}
}
