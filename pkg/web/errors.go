package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/engine"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError provides typed error handling for engine errors.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case checkpoint.IsRunNotFound(err):
		return notFound(c, "run not found")

	case errors.Is(err, engine.ErrRunAlreadyExists):
		return conflict(c, "run_exists", "a run with this ID already exists")

	case checkpoint.IsLeaseHeld(err):
		return conflict(c, "resume_in_progress", "another resume of this run is in progress")

	case errors.Is(err, engine.ErrRunNotResumable):
		return conflict(c, "run_not_resumable", "run is not in a resumable status")

	default:
		return internalError(c, err)
	}
}
