//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "fmt"

// GraphScope selects the graph in which a Command's routing applies.
type GraphScope string

const (
	// ScopeSelf routes within the graph that ran the node.
	ScopeSelf GraphScope = ""
	// ScopeParent routes within the immediately enclosing graph. Only
	// meaningful inside a subgraph node.
	ScopeParent GraphScope = "parent"
)

// Command combines a state update with routing. A node may return one
// Command, or a slice of Commands whose GoTo targets all run in the next
// superstep. The update participates in the superstep's reducer merge like
// any other write.
type Command struct {
	// Update is the partial state update carried by the command.
	Update State
	// GoTo is the target node ID to execute next. Empty means the command
	// only carries an update and routing falls back to the node's edges.
	GoTo string
	// Scope selects which graph GoTo is resolved in.
	Scope GraphScope
	// Resume carries a single resume value consumed by the first pending
	// interrupt when the command is used as input to a resumed execution.
	Resume any
	// ResumeMap carries resume values keyed by interrupt key.
	ResumeMap map[string]any
}

// HasResume reports whether the command carries resume data.
func (c *Command) HasResume() bool {
	return c != nil && (c.Resume != nil || len(c.ResumeMap) > 0)
}

// Send targets a node with a task-local input state, bypassing the shared
// state snapshot. Each Send becomes one task in the next superstep; several
// Sends may target the same node with different inputs (map-reduce fan-out).
type Send struct {
	// Node is the target node ID.
	Node string
	// Input is the task-local input passed to the target instead of the
	// shared state snapshot.
	Input State
}

// NewCommand creates a command with functional options.
func NewCommand(opts ...CommandOption) *Command {
	cmd := &Command{}
	for _, opt := range opts {
		opt(cmd)
	}
	return cmd
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithUpdate sets the state update.
func WithUpdate(update State) CommandOption {
	return func(c *Command) { c.Update = update }
}

// WithGoTo sets the routing target.
func WithGoTo(target string) CommandOption {
	return func(c *Command) { c.GoTo = target }
}

// WithScope sets the routing scope.
func WithScope(scope GraphScope) CommandOption {
	return func(c *Command) { c.Scope = scope }
}

// WithResume sets a single resume value.
func WithResume(value any) CommandOption {
	return func(c *Command) { c.Resume = value }
}

// WithResumeMap sets resume values keyed by interrupt key.
func WithResumeMap(values map[string]any) CommandOption {
	return func(c *Command) { c.ResumeMap = values }
}

// nodeResult is the normalized form of a node return value.
type nodeResult struct {
	update   State
	commands []*Command
	sends    []*Send
}

// normalizeNodeResult folds the permitted node return types into one shape.
// Supported: nil, State, map[string]any, *Command, []*Command, *Send,
// []*Send. Anything else is a node execution error.
func normalizeNodeResult(nodeID string, result any) (*nodeResult, error) {
	r := &nodeResult{}
	switch v := result.(type) {
	case nil:
	case State:
		r.update = v
	case map[string]any:
		r.update = State(v)
	case *Command:
		if v != nil {
			r.commands = []*Command{v}
		}
	case []*Command:
		for _, cmd := range v {
			if cmd != nil {
				r.commands = append(r.commands, cmd)
			}
		}
	case *Send:
		if v != nil {
			r.sends = []*Send{v}
		}
	case []*Send:
		for _, s := range v {
			if s != nil {
				r.sends = append(r.sends, s)
			}
		}
	default:
		return nil, NewGraphError(ErrorTypeNodeExecution, nodeID,
			fmt.Errorf("unsupported node result type %T", result))
	}
	return r, nil
}
