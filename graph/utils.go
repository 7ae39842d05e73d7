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

// deepCopyAny deep-copies maps and slices so checkpointed state stays
// isolated from later in-place mutation. Other kinds, including pointers
// and channels, are shared as-is.
func deepCopyAny(value any) any {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case State:
		return deepCopyState(v)
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, val := range v {
			copied[k] = deepCopyAny(val)
		}
		return copied
	case []any:
		copied := make([]any, len(v))
		for i, val := range v {
			copied[i] = deepCopyAny(val)
		}
		return copied
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied
	case []Message:
		copied := make([]Message, len(v))
		copy(copied, v)
		return copied
	}
	return deepCopyReflect(reflect.ValueOf(value))
}

func deepCopyReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv.Interface()
		}
		copied := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			copied.SetMapIndex(iter.Key(), reflect.ValueOf(deepCopyAny(iter.Value().Interface())))
		}
		return copied.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return rv.Interface()
		}
		copied := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := deepCopyAny(rv.Index(i).Interface())
			if elem != nil {
				copied.Index(i).Set(reflect.ValueOf(elem))
			}
		}
		return copied.Interface()
	default:
		return rv.Interface()
	}
}

// deepCopyState deep-copies a State.
func deepCopyState(s State) State {
	if s == nil {
		return nil
	}
	copied := make(State, len(s))
	for k, v := range s {
		copied[k] = deepCopyAny(v)
	}
	return copied
}
