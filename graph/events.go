//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"trpc.group/trpc-go/trpc-graph-go/event"
)

// AuthorGraphExecutor is the author stamped on executor-emitted events.
const AuthorGraphExecutor = "graph-executor"

// StreamMode selects which events an execution emits.
type StreamMode string

const (
	// StreamModeValues emits the full merged state after each superstep.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates emits only the per-step merged update.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeDebug emits checkpoint, task, and task result events.
	StreamModeDebug StreamMode = "debug"
)

// CheckpointPayload is the debug payload emitted when a checkpoint commits.
type CheckpointPayload struct {
	Config map[string]any `json:"config,omitempty"`
	Values map[string]any `json:"values,omitempty"`
	Next   []string       `json:"next,omitempty"`
	Tasks  []string       `json:"tasks,omitempty"`
}

// TaskPayload is the debug payload emitted when a task starts.
type TaskPayload struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	Triggers []string       `json:"triggers,omitempty"`
}

// TaskResultPayload is the debug payload emitted when a task finishes.
type TaskResultPayload struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Interrupts []string       `json:"interrupts,omitempty"`
}

// InterruptPayload describes a pause surfaced to the caller.
type InterruptPayload struct {
	NodeID string `json:"node_id"`
	TaskID string `json:"task_id"`
	Key    string `json:"key"`
	Prompt any    `json:"prompt,omitempty"`
}

func newCheckpointEvent(invocationID string, step int, payload *CheckpointPayload) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeCheckpoint),
		event.WithStep(step),
		event.WithPayload(payload),
	)
}

func newTaskEvent(invocationID string, step int, payload *TaskPayload) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeTask),
		event.WithStep(step),
		event.WithPayload(payload),
	)
}

func newTaskResultEvent(invocationID string, step int, payload *TaskResultPayload) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeTaskResult),
		event.WithStep(step),
		event.WithPayload(payload),
	)
}

func newValuesEvent(invocationID string, step int, values State) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeValues),
		event.WithStep(step),
		event.WithPayload(values),
	)
}

func newUpdatesEvent(invocationID string, step int, updates State) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeUpdates),
		event.WithStep(step),
		event.WithPayload(updates),
	)
}

func newInterruptEvent(invocationID string, step int, payload *InterruptPayload) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeInterrupt),
		event.WithStep(step),
		event.WithPayload(payload),
	)
}

func newDoneEvent(invocationID string, step int) *event.Event {
	return event.New(invocationID, AuthorGraphExecutor,
		event.WithType(event.TypeDone),
		event.WithStep(step),
		event.WithDone(),
	)
}
