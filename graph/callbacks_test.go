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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCallbacksAreSafe(t *testing.T) {
	var c *NodeCallbacks
	cc := &NodeCallbackContext{NodeID: "n"}

	result, err := c.runBefore(context.Background(), cc, State{})
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = c.runAfter(context.Background(), cc, State{}, "original", nil)
	require.NoError(t, err)
	assert.Equal(t, "original", result)

	c.runOnError(context.Background(), cc, State{}, errors.New("boom"))
}

func TestRunBeforeFirstResultWins(t *testing.T) {
	c := NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
			return nil, nil
		}).
		RegisterBeforeNode(func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
			return "second", nil
		}).
		RegisterBeforeNode(func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
			return "third", nil
		})
	result, err := c.runBefore(context.Background(), &NodeCallbackContext{}, State{})
	require.NoError(t, err)
	assert.Equal(t, "second", result)
}

func TestRunBeforeError(t *testing.T) {
	c := NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
			return nil, errors.New("denied")
		})
	_, err := c.runBefore(context.Background(), &NodeCallbackContext{}, State{})
	assert.Error(t, err)
}

func TestRunAfterLastOverrideWins(t *testing.T) {
	c := NewNodeCallbacks().
		RegisterAfterNode(func(ctx context.Context, cc *NodeCallbackContext, state State, result any, nodeErr error) (any, error) {
			return "first", nil
		}).
		RegisterAfterNode(func(ctx context.Context, cc *NodeCallbackContext, state State, result any, nodeErr error) (any, error) {
			// Sees the previous override.
			assert.Equal(t, "first", result)
			return "final", nil
		})
	result, err := c.runAfter(context.Background(), &NodeCallbackContext{}, State{}, "original", nil)
	require.NoError(t, err)
	assert.Equal(t, "final", result)
}

func TestRunOnErrorNotifiesAll(t *testing.T) {
	seen := 0
	hook := func(ctx context.Context, cc *NodeCallbackContext, state State, err error) {
		seen++
		assert.EqualError(t, err, "boom")
	}
	c := NewNodeCallbacks().RegisterOnNodeError(hook).RegisterOnNodeError(hook)
	c.runOnError(context.Background(), &NodeCallbackContext{}, State{}, errors.New("boom"))
	assert.Equal(t, 2, seen)
}
