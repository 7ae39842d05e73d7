//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// ResumeValue reads a typed resume value for an interrupt key from the
// state of a resumed run. The second result reports whether a value of the
// requested type was supplied.
func ResumeValue[T any](state State, key string) (T, bool) {
	var zero T
	resumeMap, ok := state[StateKeyResumeMap].(map[string]any)
	if !ok {
		return zero, false
	}
	raw, exists := resumeMap[key]
	if !exists {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// ResumeValueOrDefault reads a typed resume value, falling back to def
// when absent or of the wrong type.
func ResumeValueOrDefault[T any](state State, key string, def T) T {
	if v, ok := ResumeValue[T](state, key); ok {
		return v
	}
	return def
}

// HasResumeValue reports whether a resume value exists for the key.
func HasResumeValue(state State, key string) bool {
	resumeMap, ok := state[StateKeyResumeMap].(map[string]any)
	if !ok {
		return false
	}
	_, exists := resumeMap[key]
	return exists
}

// ClearResumeValue removes a resume value, preventing later interrupts with
// the same key from consuming it.
func ClearResumeValue(state State, key string) {
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		delete(resumeMap, key)
	}
}
