//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "context"

// NodeCallbackContext carries node identity and execution position into
// callbacks.
type NodeCallbackContext struct {
	NodeID       string
	NodeName     string
	InvocationID string
	Step         int
}

// BeforeNodeCallback runs before a node function. Returning a non-nil
// result skips the node function and uses the result instead.
type BeforeNodeCallback func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error)

// AfterNodeCallback runs after a node function with its result. Returning a
// non-nil override replaces the result.
type AfterNodeCallback func(ctx context.Context, cc *NodeCallbackContext, state State, result any, nodeErr error) (any, error)

// OnNodeErrorCallback observes node errors. It cannot suppress them.
type OnNodeErrorCallback func(ctx context.Context, cc *NodeCallbackContext, state State, err error)

// NodeCallbacks aggregates node lifecycle hooks. The zero value is usable.
type NodeCallbacks struct {
	BeforeNode []BeforeNodeCallback
	AfterNode  []AfterNodeCallback
	OnError    []OnNodeErrorCallback
}

// NewNodeCallbacks creates an empty callback registry.
func NewNodeCallbacks() *NodeCallbacks {
	return &NodeCallbacks{}
}

// RegisterBeforeNode appends a before-node hook.
func (c *NodeCallbacks) RegisterBeforeNode(cb BeforeNodeCallback) *NodeCallbacks {
	c.BeforeNode = append(c.BeforeNode, cb)
	return c
}

// RegisterAfterNode appends an after-node hook.
func (c *NodeCallbacks) RegisterAfterNode(cb AfterNodeCallback) *NodeCallbacks {
	c.AfterNode = append(c.AfterNode, cb)
	return c
}

// RegisterOnNodeError appends an error hook.
func (c *NodeCallbacks) RegisterOnNodeError(cb OnNodeErrorCallback) *NodeCallbacks {
	c.OnError = append(c.OnError, cb)
	return c
}

// runBefore runs before hooks in order; the first non-nil result wins.
func (c *NodeCallbacks) runBefore(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.BeforeNode {
		result, err := cb(ctx, cc, state)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// runAfter runs after hooks in order; the last non-nil override wins.
func (c *NodeCallbacks) runAfter(ctx context.Context, cc *NodeCallbackContext, state State, result any, nodeErr error) (any, error) {
	if c == nil {
		return result, nil
	}
	for _, cb := range c.AfterNode {
		override, err := cb(ctx, cc, state, result, nodeErr)
		if err != nil {
			return nil, err
		}
		if override != nil {
			result = override
		}
	}
	return result, nil
}

// runOnError notifies error hooks.
func (c *NodeCallbacks) runOnError(ctx context.Context, cc *NodeCallbackContext, state State, err error) {
	if c == nil {
		return
	}
	for _, cb := range c.OnError {
		cb(ctx, cc, state, err)
	}
}
