//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New("inv-1", "executor",
		WithType(TypeCheckpoint),
		WithStep(3),
		WithBranch("parent:sub"),
		WithPayload(map[string]any{"values": map[string]any{"x": 1}}),
	)
	require.NotEmpty(t, e.ID)
	assert.Equal(t, "inv-1", e.InvocationID)
	assert.Equal(t, "executor", e.Author)
	assert.Equal(t, TypeCheckpoint, e.Type)
	assert.Equal(t, 3, e.Step)
	assert.Equal(t, "parent:sub", e.Branch)
	assert.False(t, e.Timestamp.IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Contains(t, payload, "values")
}

func TestNewErrorEvent(t *testing.T) {
	e := NewErrorEvent("inv-2", "executor", "node_execution_error", "boom")
	assert.Equal(t, TypeError, e.Type)
	assert.True(t, e.Done)
	require.NotNil(t, e.Error)
	assert.Equal(t, "node_execution_error", e.Error.Type)
	assert.Equal(t, "boom", e.Error.Message)
}

func TestWithPayloadMarshalFailure(t *testing.T) {
	// Channels are not JSON-serializable; the payload stays empty.
	e := New("inv-3", "executor", WithPayload(make(chan int)))
	assert.Nil(t, e.Payload)
}

func TestClone(t *testing.T) {
	e := New("inv-4", "executor",
		WithType(TypeTaskResult),
		WithPayload(map[string]any{"id": "t1"}),
	)
	e.Error = &Error{Type: "x", Message: "y"}

	clone := e.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, e.ID, clone.ID)
	assert.Equal(t, e.Payload, clone.Payload)

	// Mutating the clone must not affect the original.
	clone.Payload[0] = '!'
	clone.Error.Message = "z"
	assert.NotEqual(t, e.Payload[0], clone.Payload[0])
	assert.Equal(t, "y", e.Error.Message)

	var nilEvent *Event
	assert.Nil(t, nilEvent.Clone())
}
