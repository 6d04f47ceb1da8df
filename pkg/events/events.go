// Package events defines the run and step lifecycle notifications
// published by workers and consumed by collectors.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/pieceflow/pieceflow/pkg/models"
)

type EventType string

// Topic carries every run lifecycle event.
const Topic = "pieceflow.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunQueuedEvent    EventType = "run.queued"
	RunStartedEvent   EventType = "run.started"
	RunFinishedEvent  EventType = "run.finished"
	StepStartedEvent  EventType = "step.started"
	StepFinishedEvent EventType = "step.finished"
)

// BaseEvent carries the fields shared by every event. WorkerID is set
// by the worker runtime; events published by the API or the sources
// binary leave it empty.
type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id,omitempty"`
	RunID     string         `json:"run_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunQueued is published when a run is admitted to the queue.
type RunQueued struct {
	BaseEvent

	FlowVersionID string `json:"flow_version_id"`
	ProjectID     string `json:"project_id"`
}

func (e RunQueued) GetType() EventType {
	return RunQueuedEvent
}

// RunStarted is published when a worker claims the run and begins
// interpreting steps.
type RunStarted struct {
	BaseEvent

	FlowVersionID string `json:"flow_version_id"`
	ProjectID     string `json:"project_id"`
	Attempt       int    `json:"attempt"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

// RunFinished is published once per run with its terminal status.
type RunFinished struct {
	BaseEvent

	FlowVersionID string            `json:"flow_version_id"`
	ProjectID     string            `json:"project_id"`
	Status        models.RunStatus  `json:"status"`
	Error         *models.StepError `json:"error,omitempty"`
	StepsExecuted int               `json:"steps_executed"`
	Duration      time.Duration     `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

// StepStarted is published before each step attempt.
type StepStarted struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Path    string `json:"path"`
	Attempt int    `json:"attempt"`
}

func (e StepStarted) GetType() EventType {
	return StepStartedEvent
}

// StepFinished is published after each step settles, retries included.
type StepFinished struct {
	BaseEvent

	StepID   string            `json:"step_id"`
	Path     string            `json:"path"`
	Status   models.StepStatus `json:"status"`
	Attempt  int               `json:"attempt"`
	Error    *models.StepError `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}

func (e StepFinished) GetType() EventType {
	return StepFinishedEvent
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Metadata:  make(map[string]any),
	}
}
