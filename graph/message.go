//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "reflect"

// Message is an id-addressable log entry for append-with-update channels.
// The engine is domain-agnostic; Role and Content are opaque to it.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// MessageReducer merges message slices by ID: an update whose ID matches an
// existing entry replaces that entry in place, everything else is appended in
// update order.
func MessageReducer(existing, update any) any {
	if existing == nil {
		existing = []Message{}
	}
	existingMsgs, ok1 := existing.([]Message)
	updateMsgs, ok2 := update.([]Message)
	if !ok1 || !ok2 {
		return update
	}
	merged := make([]Message, len(existingMsgs))
	copy(merged, existingMsgs)
	index := make(map[string]int, len(merged))
	for i, msg := range merged {
		if msg.ID != "" {
			index[msg.ID] = i
		}
	}
	for _, msg := range updateMsgs {
		if msg.ID != "" {
			if i, ok := index[msg.ID]; ok {
				merged[i] = msg
				continue
			}
			index[msg.ID] = len(merged)
		}
		merged = append(merged, msg)
	}
	return merged
}

// MessagesStateSchema creates a state schema for message-log workflows: a
// "messages" channel with the id-deduplicating reducer plus a free-form
// metadata map.
func MessagesStateSchema() *StateSchema {
	schema := NewStateSchema()
	schema.AddField(StateKeyMessages, StateField{
		Type:    reflect.TypeOf([]Message{}),
		Reducer: MessageReducer,
		Default: func() any { return []Message{} },
	})
	schema.AddField(StateKeyMetadata, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return make(map[string]any) },
	})
	return schema
}
