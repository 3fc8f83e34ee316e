package engine

import (
	"context"
	"reflect"

	"github.com/jianpingh/stategraph/pkg/checkpoint"
	"github.com/jianpingh/stategraph/pkg/events"
	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/schema"
)

// Stream replays a run's checkpoint history as StepCompleted events on a
// lazily produced channel. The channel is finite: it closes once the
// persisted history is exhausted, so a restarted observer sees the same
// prefix again. Live tailing goes through the event bus instead.
func (e *Engine) Stream(ctx context.Context, g *graph.Graph, runID string) (<-chan events.StepCompleted, error) {
	history, err := e.store.LoadHistory(ctx, runID)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	out := make(chan events.StepCompleted)

	go func() {
		defer close(out)

		for i := 1; i < len(history); i++ {
			prev, cur := history[i-1], history[i]

			// A paused or failed upsert rewrites the previous step in
			// place; only advancing checkpoints represent completed steps.
			if cur.StepIndex != prev.StepIndex+1 {
				continue
			}

			// The checkpoint written by Resume after a pause records the
			// external input merge, not a node execution; the live bus
			// announces it as a resume, with no step event.
			if prev.Status == checkpoint.StatusPaused {
				continue
			}

			event := events.StepCompleted{
				BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, runID),
				StepIndex:  cur.StepIndex,
				Nodes:      prev.Frontier,
				StateDelta: diffStates(g.Schema(), prev.State, cur.State),
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// History returns the persisted checkpoint trajectory of a run, oldest first.
func (e *Engine) History(ctx context.Context, runID string) ([]*checkpoint.Checkpoint, error) {
	history, err := e.store.LoadHistory(ctx, runID)
	if err != nil {
		return nil, newRunError(runID, 0, err)
	}

	return history, nil
}

// diffStates computes the per-field delta between two consecutive states.
// Append fields report only the suffix added during the step; replace fields
// report the new value when it changed.
func diffStates(sch *schema.Schema, prev, cur schema.State) schema.Update {
	delta := make(schema.Update)

	for _, field := range sch.Fields() {
		curVal, inCur := cur[field]
		if !inCur {
			continue
		}

		prevVal, inPrev := prev[field]

		reducer, _ := sch.Reducer(field)
		if reducer == schema.ReducerAppend {
			curSeq, _ := curVal.([]any)

			var prevLen int

			if inPrev {
				prevSeq, _ := prevVal.([]any)
				prevLen = len(prevSeq)
			}

			if len(curSeq) > prevLen {
				delta[field] = curSeq[prevLen:]
			}

			continue
		}

		if !inPrev || !reflect.DeepEqual(prevVal, curVal) {
			delta[field] = curVal
		}
	}

	if len(delta) == 0 {
		return nil
	}

	return delta
}
