//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package channel provides the versioned trigger channels used by the graph
// scheduler to plan supersteps.
package channel

import (
	"sort"
	"sync"
)

// Behavior represents how a channel accumulates writes.
type Behavior int

const (
	// BehaviorLastValue stores only the last value written.
	BehaviorLastValue Behavior = iota
	// BehaviorTopic accumulates all values written since the last consume.
	BehaviorTopic
	// BehaviorEphemeral stores a value for a single step only.
	BehaviorEphemeral
)

// Channel is a named, versioned slot written at superstep barriers. A write
// bumps the version and marks the channel available; planning consumes
// availability via Acknowledge so a write triggers exactly one round of
// scheduling.
type Channel struct {
	mu              sync.RWMutex
	Name            string
	Behavior        Behavior
	Value           any
	Values          []any
	Version         int64
	Available       bool
	LastUpdatedStep int
}

// New creates a channel with the given behavior.
func New(name string, behavior Behavior) *Channel {
	return &Channel{
		Name:     name,
		Behavior: behavior,
		Values:   make([]any, 0),
	}
}

// Update applies writes to the channel at the given step. Returns true when
// the channel changed.
func (c *Channel) Update(values []any, step int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(values) == 0 {
		return false
	}
	switch c.Behavior {
	case BehaviorTopic:
		c.Values = append(c.Values, values...)
	default:
		c.Value = values[len(values)-1]
	}
	c.Version++
	c.Available = true
	c.LastUpdatedStep = step
	return true
}

// Get returns the channel's current value.
func (c *Channel) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Behavior == BehaviorTopic {
		return c.Values
	}
	return c.Value
}

// IsAvailable reports whether the channel holds an unconsumed write.
func (c *Channel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Available
}

// IsUpdatedInStep reports whether the channel was written at the given step.
func (c *Channel) IsUpdatedInStep(step int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastUpdatedStep == step
}

// Acknowledge marks the channel consumed for this step so it does not
// retrigger planning in the next step. Ephemeral channels also drop their
// value.
func (c *Channel) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = false
	if c.Behavior == BehaviorEphemeral {
		c.Value = nil
	}
	if c.Behavior == BehaviorTopic {
		c.Values = c.Values[:0]
	}
}

// ClearStepMark clears the step update mark, typically after checkpoint
// creation.
func (c *Channel) ClearStepMark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastUpdatedStep = 0
}

// Restore overwrites the channel's version without marking it available.
// Used when rehydrating planner state from a checkpoint.
func (c *Channel) Restore(version int64, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Version = version
	c.Available = available
}

// Manager owns all channels of a compiled graph.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
	}
}

// Add registers a channel. Adding an existing name is a no-op.
func (m *Manager) Add(name string, behavior Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[name]; ok {
		return
	}
	m.channels[name] = New(name, behavior)
}

// Get retrieves a channel by name.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns all channel names in sorted order for deterministic planning.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all channels keyed by name.
func (m *Manager) All() map[string]*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*Channel, len(m.channels))
	for k, v := range m.channels {
		result[k] = v
	}
	return result
}
