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
	"errors"
	"fmt"
)

// Sentinel errors returned by checkpoint and execution operations.
var (
	// ErrCheckpointNotFound is returned when a referenced checkpoint does
	// not exist in the saver.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrLineageNotFound is returned when a lineage has no checkpoints.
	ErrLineageNotFound = errors.New("lineage not found")
	// ErrNoCheckpointSaver is returned when an operation requires a
	// checkpoint saver but none is configured.
	ErrNoCheckpointSaver = errors.New("no checkpoint saver configured")
)

// GraphError wraps an execution error with its error type and the node it
// originated from, when known.
type GraphError struct {
	Type   string
	NodeID string
	Err    error
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %v", e.Type, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error.
func (e *GraphError) Unwrap() error { return e.Err }

// NewGraphError creates a GraphError.
func NewGraphError(errType, nodeID string, err error) *GraphError {
	return &GraphError{Type: errType, NodeID: nodeID, Err: err}
}
