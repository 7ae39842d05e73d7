//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event stream emitted by graph execution.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of execution event.
type Type string

// Execution event types.
const (
	// TypeCheckpoint is emitted after each superstep commits a checkpoint.
	TypeCheckpoint Type = "checkpoint"
	// TypeTask is emitted when a task is scheduled within a superstep.
	TypeTask Type = "task"
	// TypeTaskResult is emitted when a task finishes (success, error or interrupt).
	TypeTaskResult Type = "task_result"
	// TypeValues carries the full state snapshot after a superstep.
	TypeValues Type = "values"
	// TypeUpdates carries a single task's state update.
	TypeUpdates Type = "updates"
	// TypeInterrupt signals that execution paused awaiting external input.
	TypeInterrupt Type = "interrupt"
	// TypeError is a terminal event carrying an execution error.
	TypeError Type = "error"
	// TypeDone is a terminal event signaling normal completion.
	TypeDone Type = "done"
)

// Error describes a failure carried by an error event.
type Error struct {
	// Type classifies the error (see graph error type constants).
	Type string `json:"type"`
	// Message is the human-readable error message.
	Message string `json:"message"`
}

// Event is a single execution event streamed by the graph executor.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// InvocationID identifies the execution this event belongs to.
	InvocationID string `json:"invocationId"`

	// Author names the component that produced the event.
	Author string `json:"author"`

	// Type is the event type.
	Type Type `json:"type"`

	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`

	// Step is the superstep index the event refers to.
	Step int `json:"step"`

	// Branch is the checkpoint namespace of the producing graph. Empty for
	// the root graph; nested subgraphs append one segment per level.
	Branch string `json:"branch,omitempty"`

	// Payload carries the type-specific payload, JSON-encoded.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is set on error events.
	Error *Error `json:"error,omitempty"`

	// Done marks terminal events.
	Done bool `json:"done,omitempty"`
}

// Option configures an Event.
type Option func(*Event)

// WithType sets the event type.
func WithType(t Type) Option {
	return func(e *Event) {
		e.Type = t
	}
}

// WithStep sets the superstep index.
func WithStep(step int) Option {
	return func(e *Event) {
		e.Step = step
	}
}

// WithBranch sets the branch (checkpoint namespace) of the event.
func WithBranch(branch string) Option {
	return func(e *Event) {
		e.Branch = branch
	}
}

// WithPayload JSON-encodes payload into the event. Marshal failures leave
// the payload empty rather than failing event delivery.
func WithPayload(payload any) Option {
	return func(e *Event) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		e.Payload = data
	}
}

// WithDone marks the event as terminal.
func WithDone() Option {
	return func(e *Event) {
		e.Done = true
	}
}

// New creates a new Event with a generated ID and timestamp.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.New().String(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates a terminal error event with the given details.
func NewErrorEvent(invocationID, author, errorType, errorMessage string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		InvocationID: invocationID,
		Author:       author,
		Type:         TypeError,
		Timestamp:    time.Now(),
		Error: &Error{
			Type:    errorType,
			Message: errorMessage,
		},
		Done: true,
	}
}

// Clone creates a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	return &clone
}
