// Package engine drives a compiled graph: it resolves the frontier, invokes
// nodes, merges partial updates, persists checkpoints and emits step events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/eventbus"
	"github.com/jianpingh/stategraph/pkg/events"
	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/otelhelper"
	"github.com/jianpingh/stategraph/pkg/schema"
)

const (
	DefaultMaxIterations = 25
	DefaultLeaseTTL      = 30 * time.Second
)

// RunConfig bounds a single run.
type RunConfig struct {
	// MaxIterations caps the number of steps; the sole cycle-termination
	// safeguard besides reaching END.
	MaxIterations int `json:"max_iterations" validate:"gte=0"`

	// LeaseTTL bounds how long a resume lease is held before a crashed
	// resumer's lock can be reclaimed.
	LeaseTTL time.Duration `json:"lease_ttl"    validate:"gte=0"`
}

func (c *RunConfig) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}

	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

// RunHandle is the caller-facing view of a run's position.
type RunHandle struct {
	RunID         string                   `json:"run_id"`
	Status        checkpoint.Status        `json:"status"`
	StepIndex     int                      `json:"step_index"`
	State         schema.State             `json:"state"`
	PausedNode    string                   `json:"paused_node,omitempty"`
	PausePayload  map[string]any           `json:"pause_payload,omitempty"`
	FailureReason checkpoint.FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string                   `json:"failure_detail,omitempty"`
}

func handleFrom(cp *checkpoint.Checkpoint) *RunHandle {
	return &RunHandle{
		RunID:         cp.RunID,
		Status:        cp.Status,
		StepIndex:     cp.StepIndex,
		State:         cp.State,
		PausedNode:    cp.PausedNode,
		PausePayload:  cp.PausePayload,
		FailureReason: cp.FailureReason,
		FailureDetail: cp.FailureDetail,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus attaches an event bus for run lifecycle events.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithTracer attaches an OpenTelemetry tracer; steps become spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// Engine executes graph runs against a checkpoint store. It exclusively owns
// checkpoint writes.
type Engine struct {
	store    checkpoint.Store
	bus      eventbus.EventBus
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
}

// New creates an engine over a checkpoint store.
func New(store checkpoint.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		logger:   logger.With("module", "engine"),
		tracer:   noop.NewTracerProvider().Tracer("stategraph"),
		validate: validator.New(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start begins a new run from the graph's entry point and drives it until a
// terminal status or a pause. The run ID must be fresh; pass "" to get a
// generated one.
func (e *Engine) Start(ctx context.Context, g *graph.Graph, initial schema.State, runID string, cfg RunConfig) (*RunHandle, error) {
	cfg.applyDefaults()

	err := e.validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	if runID == "" {
		runID = "run-" + uuid.New().String()[:8]
	}

	err = g.Schema().Validate(initial)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	_, err = e.store.LoadLatest(ctx, runID)
	if err == nil {
		return nil, newRunError(runID, 0, ErrRunAlreadyExists)
	}

	if !checkpoint.IsRunNotFound(err) {
		return nil, newRunError(runID, 0, err)
	}

	logger := e.logger.With("run_id", runID)
	logger.InfoContext(ctx, "Starting run", "entry_point", g.EntryPoint())

	now := time.Now().UTC()

	cp := &checkpoint.Checkpoint{
		RunID:     runID,
		StepIndex: 0,
		Frontier:  []string{g.EntryPoint()},
		State:     initial.Clone(),
		Status:    checkpoint.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = e.store.Save(ctx, cp)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	e.publish(ctx, runID, events.RunStarted{
		BaseEvent:  events.NewBaseEvent(events.RunStartedEvent, runID),
		EntryPoint: g.EntryPoint(),
	})

	return e.loop(ctx, g, cp, cfg, logger)
}

// Resume continues a paused run, merging externally supplied input into the
// state record before advancing from the paused node's successors. An
// exclusive per-run lease is held for the duration so two concurrent resume
// calls cannot both read the same checkpoint.
func (e *Engine) Resume(ctx context.Context, g *graph.Graph, runID string, externalInput schema.Update, cfg RunConfig) (*RunHandle, error) {
	cfg.applyDefaults()

	err := e.validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	lease, err := e.store.AcquireLease(ctx, runID, cfg.LeaseTTL)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	defer func() {
		releaseErr := lease.Release(context.WithoutCancel(ctx))
		if releaseErr != nil {
			e.logger.WarnContext(ctx, "Failed to release run lease", "run_id", runID, "error", releaseErr)
		}
	}()

	cp, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	logger := e.logger.With("run_id", runID)

	state := cp.State

	if len(externalInput) > 0 {
		state, err = g.Schema().Merge(state, externalInput)
		if err != nil {
			return nil, newRunError(runID, cp.StepIndex, err)
		}
	}

	var frontier []string

	switch {
	case cp.Status == checkpoint.StatusPaused:
		frontier, err = e.resumeFrontier(ctx, g, cp, state)
		if err != nil {
			return nil, newRunError(runID, cp.StepIndex, err)
		}
	case cp.Status == checkpoint.StatusRunning:
		// Crash recovery: the step recorded in the checkpoint never
		// completed, re-execute its frontier.
		frontier = cp.Frontier
	case cp.Status == checkpoint.StatusFailed && cp.FailureReason == checkpoint.FailureIterationLimit:
		// Resumable with a raised limit.
		frontier = cp.Frontier
	default:
		return nil, newRunError(runID, cp.StepIndex, ErrRunNotResumable)
	}

	logger.InfoContext(ctx, "Resuming run", "step_index", cp.StepIndex, "frontier", frontier)

	now := time.Now().UTC()

	next := &checkpoint.Checkpoint{
		RunID:     runID,
		StepIndex: cp.StepIndex + 1,
		Frontier:  frontier,
		State:     state,
		Status:    checkpoint.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if len(frontier) == 0 {
		// The paused node routed straight to END.
		next.Status = checkpoint.StatusCompleted
	}

	err = e.store.Save(ctx, next)
	if err != nil {
		return nil, newRunError(runID, next.StepIndex, err)
	}

	e.publish(ctx, runID, events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, runID),
		StepIndex: next.StepIndex,
	})

	if next.Status == checkpoint.StatusCompleted {
		e.publish(ctx, runID, events.RunCompleted{
			BaseEvent:  events.NewBaseEvent(events.RunCompletedEvent, runID),
			StepIndex:  next.StepIndex,
			FinalState: next.State,
		})

		return handleFrom(next), nil
	}

	return e.loop(ctx, g, next, cfg, logger)
}

// resumeFrontier rebuilds the frontier after a pause: the paused node is
// replaced by its successors against the post-input state; any other nodes
// of the interrupted frontier re-execute, since their updates were discarded
// when the step was abandoned.
func (e *Engine) resumeFrontier(ctx context.Context, g *graph.Graph, cp *checkpoint.Checkpoint, state schema.State) ([]string, error) {
	successors, err := g.Successors(ctx, cp.PausedNode, state)
	if err != nil {
		return nil, err
	}

	frontier := make([]string, 0, len(cp.Frontier)+len(successors))

	for _, node := range cp.Frontier {
		if node == cp.PausedNode {
			continue
		}

		frontier = append(frontier, node)
	}

	for _, node := range successors {
		if node == graph.End {
			continue
		}

		frontier = append(frontier, node)
	}

	return dedupe(frontier), nil
}

// Cancel marks a run's latest checkpoint failed with reason cancelled.
// In-flight frontier tasks are not forcibly terminated; they observe the
// cancellation token passed alongside the state view.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	cp, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		return newRunError(runID, 0, err)
	}

	if cp.Status == checkpoint.StatusCompleted || cp.Status == checkpoint.StatusFailed {
		return newRunError(runID, cp.StepIndex, ErrRunNotResumable)
	}

	cp.Status = checkpoint.StatusFailed
	cp.FailureReason = checkpoint.FailureCancelled
	cp.UpdatedAt = time.Now().UTC()

	err = e.store.Save(ctx, cp)
	if err != nil {
		return newRunError(runID, cp.StepIndex, err)
	}

	e.publish(ctx, runID, events.RunCancelled{
		BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, runID),
		StepIndex: cp.StepIndex,
	})

	return nil
}

// Status reports the run's latest checkpoint.
func (e *Engine) Status(ctx context.Context, runID string) (*RunHandle, error) {
	cp, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	return handleFrom(cp), nil
}

type nodeOutcome struct {
	node   string
	result *graph.NodeResult
	err    error
}

// loop drives the run until a terminal status or a pause. Checkpoint
// persistence for step N is durable before step N+1 begins and before any
// event for step N+1 is emitted.
func (e *Engine) loop(ctx context.Context, g *graph.Graph, cp *checkpoint.Checkpoint, cfg RunConfig, logger *slog.Logger) (*RunHandle, error) {
	sch := g.Schema()

	for {
		if cp.StepIndex >= cfg.MaxIterations {
			return e.fail(ctx, cp, checkpoint.FailureIterationLimit, "", ErrIterationLimitExceeded.Error()),
				newRunError(cp.RunID, cp.StepIndex, ErrIterationLimitExceeded)
		}

		frontier := e.orderedFrontier(g, cp.Frontier)

		stepCtx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.step",
			attribute.String(otelhelper.RunIDKey, cp.RunID),
			attribute.Int(otelhelper.StepIndexKey, cp.StepIndex),
			attribute.StringSlice(otelhelper.NodeNameKey, frontier),
		)

		outcomes := e.executeFrontier(stepCtx, g, frontier, cp.State)

		if err := ctx.Err(); err != nil {
			span.End()

			handle := e.fail(ctx, cp, checkpoint.FailureCancelled, "", err.Error())
			e.publish(ctx, cp.RunID, events.RunCancelled{
				BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, cp.RunID),
				StepIndex: cp.StepIndex,
			})

			return handle, newRunError(cp.RunID, cp.StepIndex, ErrRunCancelled)
		}

		for _, outcome := range outcomes {
			if outcome.err != nil {
				otelhelper.SetError(span, outcome.err,
					attribute.String(otelhelper.NodeNameKey, outcome.node))
				span.End()

				logger.ErrorContext(ctx, "Node failed",
					"step_index", cp.StepIndex, "node", outcome.node, "error", outcome.err)

				handle := e.fail(ctx, cp, checkpoint.FailureNodeError, outcome.node, outcome.err.Error())
				e.publishRunFailed(ctx, cp, outcome.node, checkpoint.FailureNodeError, outcome.err)

				return handle, newRunError(cp.RunID, cp.StepIndex, outcome.err)
			}
		}

		for _, outcome := range outcomes {
			if outcome.result.Pause == nil {
				continue
			}

			span.AddEvent("run_paused")
			span.End()

			logger.InfoContext(ctx, "Run paused for external input",
				"step_index", cp.StepIndex, "node", outcome.node)

			cp.Status = checkpoint.StatusPaused
			cp.PausedNode = outcome.node
			cp.PausePayload = outcome.result.Pause.Payload
			cp.UpdatedAt = time.Now().UTC()

			err := e.store.Save(ctx, cp)
			if err != nil {
				return nil, newRunError(cp.RunID, cp.StepIndex, err)
			}

			e.publish(ctx, cp.RunID, events.RunPaused{
				BaseEvent: events.NewBaseEvent(events.RunPausedEvent, cp.RunID),
				StepIndex: cp.StepIndex,
				Node:      outcome.node,
				Payload:   outcome.result.Pause.Payload,
			})

			return handleFrom(cp), nil
		}

		updates := make([]schema.Update, 0, len(outcomes))
		for _, outcome := range outcomes {
			if len(outcome.result.Update) > 0 {
				updates = append(updates, outcome.result.Update)
			}
		}

		newState, err := sch.Apply(cp.State, updates)
		if err != nil {
			otelhelper.SetError(span, err)
			span.End()

			handle := e.fail(ctx, cp, checkpoint.FailureSchemaError, "", err.Error())
			e.publishRunFailed(ctx, cp, "", checkpoint.FailureSchemaError, err)

			return handle, newRunError(cp.RunID, cp.StepIndex, err)
		}

		delta, err := sch.Combine(updates)
		if err != nil {
			span.End()

			return nil, newRunError(cp.RunID, cp.StepIndex, err)
		}

		nextFrontier, routeErr := e.nextFrontier(stepCtx, g, frontier, newState)
		if routeErr != nil {
			reason := checkpoint.FailureNodeError

			var unknownLabel *graph.UnknownLabelError
			if errors.As(routeErr, &unknownLabel) {
				reason = checkpoint.FailureUnknownLabel
			}

			otelhelper.SetError(span, routeErr)
			span.End()

			handle := e.fail(ctx, cp, reason, "", routeErr.Error())
			e.publishRunFailed(ctx, cp, "", reason, routeErr)

			return handle, newRunError(cp.RunID, cp.StepIndex, routeErr)
		}

		span.End()

		now := time.Now().UTC()

		next := &checkpoint.Checkpoint{
			RunID:     cp.RunID,
			StepIndex: cp.StepIndex + 1,
			Frontier:  nextFrontier,
			State:     newState,
			Status:    checkpoint.StatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if len(nextFrontier) == 0 {
			next.Status = checkpoint.StatusCompleted
		}

		err = e.store.Save(ctx, next)
		if err != nil {
			return nil, newRunError(cp.RunID, next.StepIndex, err)
		}

		e.publish(ctx, cp.RunID, events.StepCompleted{
			BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, cp.RunID),
			StepIndex:  next.StepIndex,
			Nodes:      frontier,
			StateDelta: delta,
		})

		logger.DebugContext(ctx, "Step completed",
			"step_index", next.StepIndex, "nodes", frontier, "next_frontier", nextFrontier)

		if next.Status == checkpoint.StatusCompleted {
			logger.InfoContext(ctx, "Run completed", "step_index", next.StepIndex)

			e.publish(ctx, cp.RunID, events.RunCompleted{
				BaseEvent:  events.NewBaseEvent(events.RunCompletedEvent, cp.RunID),
				StepIndex:  next.StepIndex,
				FinalState: next.State,
			})

			return handleFrom(next), nil
		}

		cp = next
	}
}

// executeFrontier invokes every frontier node against the same state
// snapshot. A singleton frontier runs inline; fan-out nodes run as
// concurrent tasks synchronized by a join barrier before the merge.
func (e *Engine) executeFrontier(ctx context.Context, g *graph.Graph, frontier []string, state schema.State) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(frontier))

	if len(frontier) == 1 {
		result, err := g.Invoke(ctx, frontier[0], state)
		outcomes[0] = nodeOutcome{node: frontier[0], result: result, err: err}

		return outcomes
	}

	var wg sync.WaitGroup

	for i, node := range frontier {
		wg.Add(1)

		go func(i int, node string) {
			defer wg.Done()

			result, err := g.Invoke(ctx, node, state)
			outcomes[i] = nodeOutcome{node: node, result: result, err: err}
		}(i, node)
	}

	wg.Wait()

	return outcomes
}

// nextFrontier resolves the successors of every frontier node against the
// post-merge state. END closes its branch; an empty result means the run
// completed.
func (e *Engine) nextFrontier(ctx context.Context, g *graph.Graph, frontier []string, state schema.State) ([]string, error) {
	next := make([]string, 0, len(frontier))

	for _, node := range frontier {
		successors, err := g.Successors(ctx, node, state)
		if err != nil {
			return nil, err
		}

		for _, successor := range successors {
			if successor == graph.End {
				continue
			}

			next = append(next, successor)
		}
	}

	return dedupe(next), nil
}

// orderedFrontier sorts the frontier by node registration index so merges
// are deterministic: later-registered nodes win replace-field ties.
func (e *Engine) orderedFrontier(g *graph.Graph, frontier []string) []string {
	ordered := make([]string, len(frontier))
	copy(ordered, frontier)

	sort.SliceStable(ordered, func(i, j int) bool {
		return g.NodeOrder(ordered[i]) < g.NodeOrder(ordered[j])
	})

	return ordered
}

func (e *Engine) fail(ctx context.Context, cp *checkpoint.Checkpoint, reason checkpoint.FailureReason, node, detail string) *RunHandle {
	cp.Status = checkpoint.StatusFailed
	cp.FailureReason = reason

	cp.FailureDetail = detail
	if node != "" {
		cp.FailureDetail = fmt.Sprintf("node %q: %s", node, detail)
	}

	cp.UpdatedAt = time.Now().UTC()

	err := e.store.Save(context.WithoutCancel(ctx), cp)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist failure checkpoint",
			"run_id", cp.RunID, "step_index", cp.StepIndex, "error", err)
	}

	return handleFrom(cp)
}

func (e *Engine) publishRunFailed(ctx context.Context, cp *checkpoint.Checkpoint, node string, reason checkpoint.FailureReason, cause error) {
	e.publish(ctx, cp.RunID, events.RunFailed{
		BaseEvent: events.NewBaseEvent(events.RunFailedEvent, cp.RunID),
		StepIndex: cp.StepIndex,
		Node:      node,
		Reason:    string(reason),
		Detail:    cause.Error(),
	})
}

// publish emits an event without letting bus failures affect the run.
func (e *Engine) publish(ctx context.Context, runID string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	err := e.bus.Publish(context.WithoutCancel(ctx), runID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event",
			"run_id", runID, "event_type", event.GetType(), "error", err)
	}
}

func dedupe(nodes []string) []string {
	seen := make(map[string]struct{}, len(nodes))
	unique := make([]string, 0, len(nodes))

	for _, node := range nodes {
		if _, ok := seen[node]; ok {
			continue
		}

		seen[node] = struct{}{}
		unique = append(unique, node)
	}

	return unique
}
