package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianpingh/stategraph/pkg/channels/gochannel"
	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/checkpoint/file"
	"github.com/jianpingh/stategraph/pkg/engine"
	"github.com/jianpingh/stategraph/pkg/eventbus"
	"github.com/jianpingh/stategraph/pkg/events"
	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/schema"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, checkpoint.Store) {
	t.Helper()

	store := file.NewStore(t.TempDir())

	return engine.New(store, newTestLogger(), opts...), store
}

func newTestSchema(t *testing.T) *schema.Schema {
	t.Helper()

	sch, err := schema.New(
		schema.Field{Name: "result", Reducer: schema.ReducerReplace},
		schema.Field{Name: "count", Reducer: schema.ReducerReplace},
		schema.Field{Name: "log", Reducer: schema.ReducerAppend},
	)
	require.NoError(t, err)

	return sch
}

func updateNode(update schema.Update) graph.NodeFunc {
	return func(_ context.Context, _ schema.State) (*graph.NodeResult, error) {
		return &graph.NodeResult{Update: update}, nil
	}
}

// buildLinearGraph wires prepare -> finish -> END.
func buildLinearGraph(t *testing.T) *graph.Graph {
	t.Helper()

	b := graph.NewBuilder(newTestSchema(t))
	require.NoError(t, b.AddNode("prepare", updateNode(schema.Update{"result": "prepared", "log": []any{"prepare"}})))
	require.NoError(t, b.AddNode("finish", updateNode(schema.Update{"result": "done", "log": []any{"finish"}})))
	require.NoError(t, b.AddEdge("prepare", "finish"))
	require.NoError(t, b.AddEdge("finish", graph.End))
	require.NoError(t, b.SetEntryPoint("prepare"))

	g, err := b.Compile()
	require.NoError(t, err)

	return g
}

func TestStartLinearRunCompletes(t *testing.T) {
	eng, store := newTestEngine(t)
	g := buildLinearGraph(t)

	handle, err := eng.Start(context.Background(), g, schema.State{"log": []any{"init"}}, "linear-1", engine.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, "linear-1", handle.RunID)
	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
	assert.Equal(t, 2, handle.StepIndex)
	assert.Equal(t, "done", handle.State["result"])
	assert.Equal(t, []any{"init", "prepare", "finish"}, handle.State["log"])

	history, err := store.LoadHistory(context.Background(), "linear-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"prepare"}, history[0].Frontier)
	assert.Equal(t, checkpoint.StatusRunning, history[1].Status)
	assert.Empty(t, history[2].Frontier)
}

func TestStartGeneratesRunID(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	handle, err := eng.Start(context.Background(), g, schema.State{}, "", engine.RunConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, handle.RunID)
}

func TestStartRejectsDuplicateRunID(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "dup-1", engine.RunConfig{})
	require.NoError(t, err)

	_, err = eng.Start(context.Background(), g, schema.State{}, "dup-1", engine.RunConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrRunAlreadyExists)

	var runErr *engine.RunError

	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "dup-1", runErr.RunID)
}

func TestStartRejectsUndeclaredInitialField(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{"bogus": 1}, "bad-init", engine.RunConfig{})
	require.Error(t, err)

	var schemaErr *schema.SchemaError

	assert.ErrorAs(t, err, &schemaErr)
}

// buildLoopGraph wires work -> (continue: work | end: END) via a selector
// reading the counter.
func buildLoopGraph(t *testing.T, stopAt int) *graph.Graph {
	t.Helper()

	b := graph.NewBuilder(newTestSchema(t))
	require.NoError(t, b.AddNode("work", func(_ context.Context, state schema.State) (*graph.NodeResult, error) {
		count, _ := state["count"].(int)

		return &graph.NodeResult{Update: schema.Update{"count": count + 1}}, nil
	}))
	require.NoError(t, b.AddSelector("should_continue", func(_ context.Context, state schema.State) (string, error) {
		count, _ := state["count"].(int)
		if count >= stopAt {
			return "end", nil
		}

		return "continue", nil
	}))
	require.NoError(t, b.AddConditionalEdges("work", "should_continue", map[string]string{
		"continue": "work",
		"end":      graph.End,
	}))
	require.NoError(t, b.SetEntryPoint("work"))

	g, err := b.Compile()
	require.NoError(t, err)

	return g
}

func TestCycleTerminatesViaSelector(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLoopGraph(t, 5)

	handle, err := eng.Start(context.Background(), g, schema.State{"count": 0}, "loop-1", engine.RunConfig{MaxIterations: 20})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
	assert.Equal(t, 5, handle.State["count"])
	assert.Equal(t, 5, handle.StepIndex)
}

func TestIterationLimitFailsRun(t *testing.T) {
	eng, store := newTestEngine(t)
	g := buildLoopGraph(t, 100)

	handle, err := eng.Start(context.Background(), g, schema.State{"count": 0}, "loop-limit", engine.RunConfig{MaxIterations: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrIterationLimitExceeded)

	require.NotNil(t, handle)
	assert.Equal(t, checkpoint.StatusFailed, handle.Status)
	assert.Equal(t, checkpoint.FailureIterationLimit, handle.FailureReason)
	// Exactly MaxIterations steps executed before tripping the limit.
	assert.Equal(t, 3, handle.State["count"])

	cp, loadErr := store.LoadLatest(context.Background(), "loop-limit")
	require.NoError(t, loadErr)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, checkpoint.FailureIterationLimit, cp.FailureReason)
}

func TestResumeAfterIterationLimitWithRaisedLimit(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLoopGraph(t, 5)

	_, err := eng.Start(context.Background(), g, schema.State{"count": 0}, "loop-raise", engine.RunConfig{MaxIterations: 3})
	require.ErrorIs(t, err, engine.ErrIterationLimitExceeded)

	handle, err := eng.Resume(context.Background(), g, "loop-raise", nil, engine.RunConfig{MaxIterations: 20})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
	assert.Equal(t, 5, handle.State["count"])
}

// buildFanOutGraph wires split -> {left, right} -> join -> END. left and
// right both write the replace field and append to the log.
func buildFanOutGraph(t *testing.T) *graph.Graph {
	t.Helper()

	b := graph.NewBuilder(newTestSchema(t))
	require.NoError(t, b.AddNode("split", updateNode(schema.Update{"log": []any{"split"}})))
	require.NoError(t, b.AddNode("left", updateNode(schema.Update{"result": "left", "log": []any{"left"}})))
	require.NoError(t, b.AddNode("right", updateNode(schema.Update{"result": "right", "log": []any{"right"}})))
	require.NoError(t, b.AddNode("join", updateNode(schema.Update{"log": []any{"join"}})))
	require.NoError(t, b.AddEdge("split", "left"))
	require.NoError(t, b.AddEdge("split", "right"))
	require.NoError(t, b.AddEdge("left", "join"))
	require.NoError(t, b.AddEdge("right", "join"))
	require.NoError(t, b.AddEdge("join", graph.End))
	require.NoError(t, b.SetEntryPoint("split"))

	g, err := b.Compile()
	require.NoError(t, err)

	return g
}

func TestFanOutMergeIsDeterministic(t *testing.T) {
	g := buildFanOutGraph(t)

	for range 10 {
		eng, _ := newTestEngine(t)

		handle, err := eng.Start(context.Background(), g, schema.State{}, "", engine.RunConfig{})
		require.NoError(t, err)

		assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
		// right registered after left, so it wins the replace-field tie.
		assert.Equal(t, "right", handle.State["result"])
		// Append order follows registration order, not completion order.
		assert.Equal(t, []any{"split", "left", "right", "join"}, handle.State["log"])
		// split, {left,right} barrier-joined as one step, join.
		assert.Equal(t, 3, handle.StepIndex)
	}
}

func TestNodeErrorFailsRun(t *testing.T) {
	boom := errors.New("upstream unavailable")

	b := graph.NewBuilder(newTestSchema(t))
	require.NoError(t, b.AddNode("flaky", func(_ context.Context, _ schema.State) (*graph.NodeResult, error) {
		return nil, boom
	}))
	require.NoError(t, b.AddEdge("flaky", graph.End))
	require.NoError(t, b.SetEntryPoint("flaky"))

	g, err := b.Compile()
	require.NoError(t, err)

	eng, store := newTestEngine(t)

	handle, err := eng.Start(context.Background(), g, schema.State{"log": []any{"init"}}, "fail-1", engine.RunConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var nodeErr *graph.NodeExecutionError

	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "flaky", nodeErr.Node)

	require.NotNil(t, handle)
	assert.Equal(t, checkpoint.StatusFailed, handle.Status)
	assert.Equal(t, checkpoint.FailureNodeError, handle.FailureReason)
	// State untouched by the failed step.
	assert.Equal(t, []any{"init"}, handle.State["log"])

	cp, loadErr := store.LoadLatest(context.Background(), "fail-1")
	require.NoError(t, loadErr)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)

	_, err = eng.Resume(context.Background(), g, "fail-1", nil, engine.RunConfig{})
	assert.ErrorIs(t, err, engine.ErrRunNotResumable)
}

// buildApprovalGraph wires draft -> review(pauses until "result" arrives)
// -> publish -> END.
func buildApprovalGraph(t *testing.T) *graph.Graph {
	t.Helper()

	b := graph.NewBuilder(newTestSchema(t))
	require.NoError(t, b.AddNode("draft", updateNode(schema.Update{"log": []any{"draft"}})))
	require.NoError(t, b.AddNode("review", func(_ context.Context, state schema.State) (*graph.NodeResult, error) {
		if _, ok := state["result"]; !ok {
			return &graph.NodeResult{Pause: &graph.Pause{Payload: map[string]any{"question": "approve?"}}}, nil
		}

		return &graph.NodeResult{Update: schema.Update{"log": []any{"review"}}}, nil
	}))
	require.NoError(t, b.AddNode("publish", updateNode(schema.Update{"log": []any{"publish"}})))
	require.NoError(t, b.AddEdge("draft", "review"))
	require.NoError(t, b.AddEdge("review", "publish"))
	require.NoError(t, b.AddEdge("publish", graph.End))
	require.NoError(t, b.SetEntryPoint("draft"))

	g, err := b.Compile()
	require.NoError(t, err)

	return g
}

func TestPauseAndResume(t *testing.T) {
	eng, store := newTestEngine(t)
	g := buildApprovalGraph(t)

	handle, err := eng.Start(context.Background(), g, schema.State{}, "approval-1", engine.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusPaused, handle.Status)
	assert.Equal(t, "review", handle.PausedNode)
	assert.Equal(t, map[string]any{"question": "approve?"}, handle.PausePayload)
	assert.Equal(t, 1, handle.StepIndex)

	cp, err := store.LoadLatest(context.Background(), "approval-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)

	handle, err = eng.Resume(context.Background(), g, "approval-1", schema.Update{"result": "approved"}, engine.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
	assert.Equal(t, "approved", handle.State["result"])
	assert.Equal(t, []any{"draft", "publish"}, handle.State["log"])
}

func TestResumeCompletedRunFails(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "done-1", engine.RunConfig{})
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), g, "done-1", nil, engine.RunConfig{})
	assert.ErrorIs(t, err, engine.ErrRunNotResumable)
}

func TestResumeUnknownRunFails(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	_, err := eng.Resume(context.Background(), g, "missing-run", nil, engine.RunConfig{})
	require.Error(t, err)
	assert.True(t, checkpoint.IsRunNotFound(err))
}

func TestCancelMarksRunFailed(t *testing.T) {
	eng, store := newTestEngine(t)
	g := buildApprovalGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "cancel-1", engine.RunConfig{})
	require.NoError(t, err)

	before, err := store.LoadLatest(context.Background(), "cancel-1")
	require.NoError(t, err)

	err = eng.Cancel(context.Background(), "cancel-1")
	require.NoError(t, err)

	handle, err := eng.Status(context.Background(), "cancel-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, handle.Status)
	assert.Equal(t, checkpoint.FailureCancelled, handle.FailureReason)

	// Rewriting the checkpoint in place bumps only the update time.
	after, err := store.LoadLatest(context.Background(), "cancel-1")
	require.NoError(t, err)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	err = eng.Cancel(context.Background(), "cancel-1")
	assert.ErrorIs(t, err, engine.ErrRunNotResumable)
}

func TestStatusReportsLatestCheckpoint(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "status-1", engine.RunConfig{})
	require.NoError(t, err)

	handle, err := eng.Status(context.Background(), "status-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
	assert.Equal(t, 2, handle.StepIndex)
}

func TestStreamReplaysHistory(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildLinearGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "stream-1", engine.RunConfig{})
	require.NoError(t, err)

	collect := func() []events.StepCompleted {
		stream, streamErr := eng.Stream(context.Background(), g, "stream-1")
		require.NoError(t, streamErr)

		var got []events.StepCompleted
		for event := range stream {
			got = append(got, event)
		}

		return got
	}

	got := collect()
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].StepIndex)
	assert.Equal(t, []string{"prepare"}, got[0].Nodes)
	assert.Equal(t, "prepared", got[0].StateDelta["result"])
	assert.Equal(t, []any{"prepare"}, got[0].StateDelta["log"])

	assert.Equal(t, 2, got[1].StepIndex)
	assert.Equal(t, []string{"finish"}, got[1].Nodes)
	assert.Equal(t, "done", got[1].StateDelta["result"])

	// Replays are restartable: a second observer sees the same prefix.
	assert.Len(t, collect(), 2)
}

func TestStreamSkipsResumeTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	g := buildApprovalGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "stream-2", engine.RunConfig{})
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), g, "stream-2", schema.Update{"result": "approved"}, engine.RunConfig{})
	require.NoError(t, err)

	stream, err := eng.Stream(context.Background(), g, "stream-2")
	require.NoError(t, err)

	var got []events.StepCompleted
	for event := range stream {
		got = append(got, event)
	}

	// The paused node never ran to completion and the checkpoint written on
	// resume records only the external input merge; neither replays as a
	// completed step.
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].StepIndex)
	assert.Equal(t, []string{"draft"}, got[0].Nodes)

	assert.Equal(t, 3, got[1].StepIndex)
	assert.Equal(t, []string{"publish"}, got[1].Nodes)

	for _, event := range got {
		assert.NotContains(t, event.Nodes, "review")
		assert.NotContains(t, event.StateDelta, "result")
	}
}

func TestResumeRecoversCrashedRun(t *testing.T) {
	eng, store := newTestEngine(t)
	g := buildLinearGraph(t)

	reference, err := eng.Start(context.Background(), g, schema.State{"log": []any{"init"}}, "crash-ref", engine.RunConfig{})
	require.NoError(t, err)

	history, err := store.LoadHistory(context.Background(), "crash-ref")
	require.NoError(t, err)

	// Replant the mid-run checkpoint under a fresh run ID, as a process that
	// persisted step 1 and then died would leave it.
	crashed := *history[1]
	crashed.RunID = "crash-1"
	require.Equal(t, checkpoint.StatusRunning, crashed.Status)
	require.NoError(t, store.Save(context.Background(), &crashed))

	handle, err := eng.Resume(context.Background(), g, "crash-1", nil, engine.RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
	assert.Equal(t, reference.State, handle.State)
}

func TestEventsPublishedAfterCheckpointDurable(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	var (
		mu        sync.Mutex
		steps     []*events.StepCompleted
		completed []*events.RunCompleted
	)

	bus.Handle(events.StepCompletedEvent, func(_ context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()

		steps = append(steps, event.(*events.StepCompleted))

		return nil
	})
	bus.Handle(events.RunCompletedEvent, func(_ context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()

		completed = append(completed, event.(*events.RunCompleted))

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	store := file.NewStore(t.TempDir())
	eng := engine.New(store, newTestLogger(), engine.WithEventBus(bus))
	g := buildLinearGraph(t)

	_, err = eng.Start(ctx, g, schema.State{}, "events-1", engine.RunConfig{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(steps) == 2 && len(completed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "events-1", steps[0].RunID)
	assert.Equal(t, 1, steps[0].StepIndex)
	assert.Equal(t, "done", completed[0].FinalState["result"])

	// The checkpoint for each step is durable before its event goes out.
	history, err := store.LoadHistory(context.Background(), "events-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(history), steps[len(steps)-1].StepIndex+1)
}

func TestConcurrentResumeBlockedByLease(t *testing.T) {
	eng, store := newTestEngine(t)
	g := buildApprovalGraph(t)

	_, err := eng.Start(context.Background(), g, schema.State{}, "lease-1", engine.RunConfig{})
	require.NoError(t, err)

	lease, err := store.AcquireLease(context.Background(), "lease-1", time.Minute)
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), g, "lease-1", schema.Update{"result": "approved"}, engine.RunConfig{})
	assert.ErrorIs(t, err, checkpoint.ErrLeaseHeld)

	require.NoError(t, lease.Release(context.Background()))

	handle, err := eng.Resume(context.Background(), g, "lease-1", schema.Update{"result": "approved"}, engine.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, handle.Status)
}
