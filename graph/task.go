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

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Task is one planned node execution within a superstep.
type Task struct {
	// ID uniquely identifies the task within the execution.
	ID string
	// NodeID names the node to run.
	NodeID string
	// Name is the node's display name.
	Name string
	// Input is the task-local input of a Send task. Nil means the task
	// sees the shared state snapshot.
	Input State
	// Triggers lists the channels whose availability planned the task.
	Triggers []string
	// IsSend marks tasks created from a Send rather than channel triggers.
	IsSend bool
}

// newTask creates a trigger-planned task for a node.
func newTask(node *Node, triggers []string) *Task {
	return &Task{
		ID:       uuid.NewString(),
		NodeID:   node.ID,
		Name:     node.Name,
		Triggers: triggers,
	}
}

// newSendTask creates a task from a Send with its own input.
func newSendTask(node *Node, input State) *Task {
	return &Task{
		ID:     uuid.NewString(),
		NodeID: node.ID,
		Name:   node.Name,
		Input:  deepCopyState(input),
		IsSend: true,
	}
}

// planStep plans the next superstep from channel availability: every node
// whose trigger channel holds an unconsumed write becomes one task, in
// sorted channel-name order for determinism. Consumed channels are
// acknowledged so a write schedules exactly one round. Pending sends append
// after trigger tasks in emission order.
func (e *Executor) planStep(g *Graph, channels *channel.Manager, pendingSends []*Send) ([]*Task, []string, error) {
	var tasks []*Task
	var triggered []string
	seen := make(map[string]bool)
	for _, name := range channels.Names() {
		ch, ok := channels.Get(name)
		if !ok || !ch.IsAvailable() {
			continue
		}
		for _, nodeID := range g.nodesTriggeredBy(name) {
			if seen[nodeID] {
				continue
			}
			seen[nodeID] = true
			node, exists := g.Node(nodeID)
			if !exists {
				return nil, nil, NewGraphError(ErrorTypeInvalidNode, nodeID, fmt.Errorf("triggered node does not exist"))
			}
			tasks = append(tasks, newTask(node, []string{name}))
		}
		ch.Acknowledge()
		triggered = append(triggered, name)
	}
	for _, send := range pendingSends {
		node, exists := g.Node(send.Node)
		if !exists {
			return nil, nil, NewGraphError(ErrorTypeRouting, send.Node, fmt.Errorf("send targets unknown node"))
		}
		tasks = append(tasks, newSendTask(node, send.Input))
	}
	return tasks, triggered, nil
}

// planNodes plans tasks directly for the named nodes, used when resuming
// from a checkpoint whose NextNodes were recorded before the pause.
func planNodes(g *Graph, nodeIDs []string) ([]*Task, error) {
	var tasks []*Task
	for _, nodeID := range nodeIDs {
		if nodeID == End {
			continue
		}
		node, exists := g.Node(nodeID)
		if !exists {
			return nil, NewGraphError(ErrorTypeInvalidNode, nodeID, fmt.Errorf("planned node does not exist"))
		}
		tasks = append(tasks, newTask(node, []string{ChannelBranchPrefix + nodeID}))
	}
	return tasks, nil
}

// taskNodeIDs returns the node IDs of tasks, in task order.
func taskNodeIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.NodeID)
	}
	return ids
}
