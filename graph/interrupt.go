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
	"context"
	"errors"
	"fmt"
)

// resumeDefaultKey stores an untargeted Command.Resume value; the first
// interrupt that finds no keyed value consumes it.
const resumeDefaultKey = "__resume_default__"

// InterruptError pauses execution from inside a node. It is control flow,
// not failure: the executor discards the superstep's writes, records an
// interrupt checkpoint, and ends the run with StatusInterrupted.
type InterruptError struct {
	// Key identifies the interrupt site for targeted resume values.
	Key string
	// Value is the prompt surfaced to the caller.
	Value any
	// NodeID and TaskID locate the interrupted task.
	NodeID string
	TaskID string
	// Step is the superstep the interrupt occurred in.
	Step int
	// Namespace is the checkpoint namespace of the interrupted graph.
	Namespace string
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("interrupt at node %s (key %s)", e.NodeID, e.Key)
}

// AsInterrupt extracts an InterruptError from an error chain.
func AsInterrupt(err error) (*InterruptError, bool) {
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return interrupt, true
	}
	return nil, false
}

// Interrupt pauses the node at key with a prompt, or returns the resume
// value a caller supplied for that key. Calling it again with the same key
// after a resume returns the same value instead of pausing again, so
// resumed nodes re-run from the top deterministically.
//
// A typical approval gate:
//
//	value, err := graph.Interrupt(ctx, state, "approval", "approve the plan?")
//	if err != nil {
//	    return nil, err
//	}
func Interrupt(ctx context.Context, state State, key string, prompt any) (any, error) {
	if used, ok := state[StateKeyUsedInterrupts].(map[string]any); ok {
		if v, exists := used[key]; exists {
			return v, nil
		}
	}
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if v, exists := resumeMap[key]; exists {
			markInterruptUsed(state, key, v)
			return v, nil
		}
		if v, exists := resumeMap[resumeDefaultKey]; exists {
			delete(resumeMap, resumeDefaultKey)
			markInterruptUsed(state, key, v)
			return v, nil
		}
	}
	interrupt := &InterruptError{Key: key, Value: prompt}
	if execCtx, ok := state[StateKeyExecContext].(*ExecutionContext); ok && execCtx != nil {
		interrupt.Step = execCtx.Step
		interrupt.Namespace = execCtx.Namespace
	}
	if nodeID, ok := state[StateKeyCurrentNodeID].(string); ok {
		interrupt.NodeID = nodeID
	}
	if taskID, ok := state[StateKeyCurrentTaskID].(string); ok {
		interrupt.TaskID = taskID
	}
	return nil, interrupt
}

// markInterruptUsed records a consumed resume value in the task state so
// the executor persists it and later calls stay idempotent.
func markInterruptUsed(state State, key string, value any) {
	used, ok := state[StateKeyUsedInterrupts].(map[string]any)
	if !ok {
		used = make(map[string]any)
		state[StateKeyUsedInterrupts] = used
	}
	used[key] = value
}
