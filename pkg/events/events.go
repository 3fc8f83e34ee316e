// Package events defines event types emitted over the run lifecycle.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/jianpingh/stategraph/pkg/schema"
)

type EventType string

// Topic carries all run lifecycle events.
const Topic = "stategraph.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent    EventType = "run.started"
	StepCompletedEvent EventType = "run.step.completed"
	RunPausedEvent     EventType = "run.paused"
	RunResumedEvent    EventType = "run.resumed"
	RunCompletedEvent  EventType = "run.completed"
	RunFailedEvent     EventType = "run.failed"
	RunCancelledEvent  EventType = "run.cancelled"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

type RunStarted struct {
	BaseEvent

	EntryPoint string `json:"entry_point"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

// StepCompleted is the sole externally observable intermediate signal: one
// per completed step, emitted after the step's checkpoint is durable.
type StepCompleted struct {
	BaseEvent

	StepIndex  int           `json:"step_index"`
	Nodes      []string      `json:"nodes"`
	StateDelta schema.Update `json:"state_delta,omitempty"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type RunPaused struct {
	BaseEvent

	StepIndex int            `json:"step_index"`
	Node      string         `json:"node"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (e RunPaused) GetType() EventType {
	return RunPausedEvent
}

type RunResumed struct {
	BaseEvent

	StepIndex int `json:"step_index"`
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

type RunCompleted struct {
	BaseEvent

	StepIndex  int          `json:"step_index"`
	FinalState schema.State `json:"final_state,omitempty"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	StepIndex int    `json:"step_index"`
	Node      string `json:"node,omitempty"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	StepIndex int `json:"step_index"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}
