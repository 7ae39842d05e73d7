//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelUpdateBumpsVersion(t *testing.T) {
	ch := New("branch:to:worker", BehaviorLastValue)
	require.False(t, ch.IsAvailable())

	changed := ch.Update([]any{"a", "b"}, 0)
	require.True(t, changed)
	assert.True(t, ch.IsAvailable())
	assert.Equal(t, int64(1), ch.Version)
	assert.Equal(t, "b", ch.Get())

	ch.Update([]any{"c"}, 1)
	assert.Equal(t, int64(2), ch.Version)
}

func TestChannelEmptyUpdateIsNoop(t *testing.T) {
	ch := New("c", BehaviorLastValue)
	assert.False(t, ch.Update(nil, 0))
	assert.False(t, ch.IsAvailable())
	assert.Equal(t, int64(0), ch.Version)
}

func TestChannelAcknowledgeConsumesAvailability(t *testing.T) {
	ch := New("c", BehaviorLastValue)
	ch.Update([]any{1}, 0)
	ch.Acknowledge()
	assert.False(t, ch.IsAvailable())
	// Value survives for last-value channels.
	assert.Equal(t, 1, ch.Get())
	// Version is untouched by acknowledge.
	assert.Equal(t, int64(1), ch.Version)
}

func TestTopicChannelAccumulatesUntilAcknowledge(t *testing.T) {
	ch := New("t", BehaviorTopic)
	ch.Update([]any{1}, 0)
	ch.Update([]any{2, 3}, 0)
	assert.Equal(t, []any{1, 2, 3}, ch.Get())
	ch.Acknowledge()
	assert.Empty(t, ch.Get())
}

func TestEphemeralChannelDropsValueOnAcknowledge(t *testing.T) {
	ch := New("e", BehaviorEphemeral)
	ch.Update([]any{"once"}, 2)
	assert.True(t, ch.IsUpdatedInStep(2))
	ch.Acknowledge()
	assert.Nil(t, ch.Get())
}

func TestChannelRestore(t *testing.T) {
	ch := New("c", BehaviorLastValue)
	ch.Restore(7, false)
	assert.Equal(t, int64(7), ch.Version)
	assert.False(t, ch.IsAvailable())
}

func TestManagerNamesSorted(t *testing.T) {
	m := NewManager()
	m.Add("branch:to:b", BehaviorLastValue)
	m.Add("branch:to:a", BehaviorLastValue)
	m.Add("branch:to:c", BehaviorLastValue)
	assert.Equal(t, []string{"branch:to:a", "branch:to:b", "branch:to:c"}, m.Names())
}

func TestManagerAddIsIdempotent(t *testing.T) {
	m := NewManager()
	m.Add("c", BehaviorLastValue)
	ch, ok := m.Get("c")
	require.True(t, ok)
	ch.Update([]any{1}, 0)

	m.Add("c", BehaviorLastValue)
	ch2, _ := m.Get("c")
	assert.Equal(t, int64(1), ch2.Version)
}
