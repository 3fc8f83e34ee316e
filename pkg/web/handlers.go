package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/engine"
	"github.com/jianpingh/stategraph/pkg/events"
	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/registry"
	"github.com/jianpingh/stategraph/pkg/schema"
)

// APIHandlers serves run management endpoints over a single compiled graph.
type APIHandlers struct {
	engine    *engine.Engine
	graph     *graph.Graph
	store     checkpoint.Store
	registry  *registry.Registry
	validator *validator.Validate
}

func NewAPIHandlers(
	eng *engine.Engine,
	g *graph.Graph,
	store checkpoint.Store,
	reg *registry.Registry,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    eng,
		graph:     g,
		store:     store,
		registry:  reg,
		validator: validate,
	}
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	handle, err := h.engine.Start(c.Context(), h.graph, schema.State(req.InitialState), req.RunID, engine.RunConfig{
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		// A handle means the run was created and reached a terminal
		// failure; surface its status instead of an error envelope.
		if handle == nil {
			return handleEngineError(c, err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(handle)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Run ID is required")
	}

	handle, err := h.engine.Status(c.Context(), runID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(handle)
}

func (h *APIHandlers) ResumeRun(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Run ID is required")
	}

	var req ResumeRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	handle, err := h.engine.Resume(c.Context(), h.graph, runID, schema.Update(req.Input), engine.RunConfig{
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		if handle == nil {
			return handleEngineError(c, err)
		}
	}

	return c.JSON(handle)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Run ID is required")
	}

	err := h.engine.Cancel(c.Context(), runID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetRunHistory(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Run ID is required")
	}

	history, err := h.engine.History(c.Context(), runID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{
		"run_id":      runID,
		"checkpoints": history,
	})
}

func (h *APIHandlers) GetRunEvents(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Run ID is required")
	}

	stream, err := h.engine.Stream(c.Context(), h.graph, runID)
	if err != nil {
		return handleEngineError(c, err)
	}

	collected := make([]events.StepCompleted, 0)
	for event := range stream {
		collected = append(collected, event)
	}

	return c.JSON(fiber.Map{
		"run_id": runID,
		"events": collected,
	})
}

func (h *APIHandlers) GetComponents(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"components": h.registry.Components(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Stategraph API is healthy"
	httpStatus := http.StatusOK

	storeErr := h.store.HealthCheck(c.Context())
	if storeErr != nil {
		status = "unhealthy"
		message = "Stategraph API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"store": storeErr == nil,
		},
		"timestamp": time.Now().UTC(),
	})
}
