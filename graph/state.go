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
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// State is the data that flows through the graph. Keys are channel names
// declared in the schema; values are merged by each channel's reducer.
type State map[string]any

// Clone creates a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// StateReducer merges an existing channel value with an incoming update.
type StateReducer func(existing, update any) any

// StateField declares a channel in the state schema. The reducer is fixed at
// graph-definition time and applied identically regardless of which node
// wrote the update.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// StateSchema declares the channels a graph's state may hold.
//
// A schema with no declared fields is untyped: any key may be written and
// updates overwrite. Once at least one field is declared, writes to
// undeclared channels are schema errors surfaced before the superstep
// commits. Internal keys (double-underscore prefix) are always permitted.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates a new empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{
		Fields: make(map[string]StateField),
	}
}

// AddField declares a channel. A nil reducer defaults to overwrite.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	s.Fields[name] = field
	return s
}

// Field returns the declared field for a channel name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.Fields[name]
	return field, ok
}

// declared reports whether any non-internal field is declared. The
// auto-declared recursion-budget channel does not count.
func (s *StateSchema) declared() bool {
	for name := range s.Fields {
		if isInternalStateKey(name) || strings.HasPrefix(name, "__") {
			continue
		}
		if name == StateKeyRemainingSteps {
			continue
		}
		return true
	}
	return false
}

// CheckUpdate verifies that every key in update names a declared channel.
// Untyped schemas accept everything.
func (s *StateSchema) CheckUpdate(update State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.declared() {
		return nil
	}
	for key := range update {
		if strings.HasPrefix(key, "__") || isInternalStateKey(key) {
			continue
		}
		if _, ok := s.Fields[key]; !ok {
			return fmt.Errorf("write to undeclared channel %q", key)
		}
	}
	return nil
}

// ApplyUpdate merges update into currentState using the declared reducers and
// returns the merged state. Channels absent from update are left untouched.
func (s *StateSchema) ApplyUpdate(currentState State, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := currentState.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			// Untyped or internal key: overwrite.
			result[key] = updateValue
			continue
		}
		currentValue, hasCurrentValue := result[key]
		if !hasCurrentValue && field.Default != nil {
			currentValue = field.Default()
		}
		result[key] = field.Reducer(currentValue, updateValue)
	}
	return result
}

// ApplyDefaults fills in declared fields that carry a default and are
// absent from the state.
func (s *StateSchema) ApplyDefaults(state State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := state.Clone()
	for name, field := range s.Fields {
		if field.Default == nil {
			continue
		}
		if _, exists := result[name]; !exists {
			result[name] = field.Default()
		}
	}
	return result
}

// Validate validates a state instance against the schema.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil && field.Type != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// Common reducer functions.

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends update to the existing slice.
func AppendReducer(existing, update any) any {
	if existing == nil {
		existing = []any{}
	}
	existingSlice, ok1 := existing.([]any)
	updateSlice, ok2 := update.([]any)
	if !ok1 || !ok2 {
		// Fallback to overwrite if not slices.
		return update
	}
	merged := make([]any, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	return append(merged, updateSlice...)
}

// StringSliceReducer appends string slices. Existing values restored from
// a JSON checkpoint arrive as []any and are coerced back.
func StringSliceReducer(existing, update any) any {
	existingSlice, ok1 := asStringSlice(existing)
	updateSlice, ok2 := asStringSlice(update)
	if !ok1 || !ok2 {
		return update
	}
	merged := make([]string, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	return append(merged, updateSlice...)
}

func asStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// MergeReducer merges an update map into the existing map.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}
	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// MaxIntReducer keeps the larger of the two int values. Commutative, so
// same-step merge order does not matter.
func MaxIntReducer(existing, update any) any {
	existingInt, ok1 := existing.(int)
	updateInt, ok2 := update.(int)
	if !ok2 {
		return existing
	}
	if !ok1 || updateInt > existingInt {
		return updateInt
	}
	return existingInt
}
