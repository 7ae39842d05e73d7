//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a superstep-based graph execution engine with
// checkpointed, reducer-merged state and human-in-the-loop interrupts.
package graph

import (
	"context"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node.
	Start = "__start__"
	// End represents the virtual end node.
	End = "__end__"
)

// Error types surfaced in error events.
const (
	ErrorTypeGraphExecution  = "graph_execution_error"
	ErrorTypeInvalidNode     = "invalid_node_error"
	ErrorTypeInvalidState    = "invalid_state_error"
	ErrorTypeInvalidEdge     = "invalid_edge_error"
	ErrorTypeConditionalEdge = "conditional_edge_error"
	ErrorTypeStateValidation = "state_validation_error"
	ErrorTypeNodeExecution   = "node_execution_error"
	ErrorTypeRouting         = "routing_error"
	ErrorTypeTimeout         = "timeout_error"
)

// NodeFunc is the callable a node wraps. It receives a read-only snapshot of
// the state and returns a partial update (State), a *Command, a []*Command,
// or a []*Send. Nodes must never mutate shared state directly.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc selects the label of the edge to follow based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// Node is a unit of work in the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc

	// Declared destinations for Command-based dynamic routing. Keys are
	// target node IDs, values are optional labels. A Command.GoTo outside
	// the static successors and this set is a routing error.
	destinations map[string]string

	// retryPolicy wraps Function with bounded retries. Nil means no retry.
	retryPolicy *RetryPolicy

	// callbacks holds per-node before/after hooks.
	callbacks *NodeCallbacks

	// Subgraph composition. When subgraph is non-nil the node executes the
	// nested graph instead of Function; input/output translate state across
	// the schema boundary for disjoint schemas.
	subgraph       *Graph
	subgraphInput  func(State) State
	subgraphOutput func(State) State
}

// Destinations returns the declared dynamic-routing targets.
func (n *Node) Destinations() map[string]string {
	result := make(map[string]string, len(n.destinations))
	for k, v := range n.destinations {
		result[k] = v
	}
	return result
}

// Subgraph returns the nested graph, if any.
func (n *Node) Subgraph() *Graph {
	return n.subgraph
}

// Edge is a static edge: it always fires when its source completes.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes exclusively: the condition picks one label, the
// path map resolves it to a target.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	PathMap   map[string]string
}

// Graph is the compiled, immutable runtime representation produced by
// StateGraph.Compile and executed by an Executor. Cycles are plain edges;
// the recursion guard bounds execution, not the topology.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string

	// channelSpecs lists the trigger channels materialized per compiled
	// node; a fresh channel runtime is built from them per execution so a
	// compiled Graph is safe for concurrent executions.
	channelSpecs   map[string]channel.Behavior
	triggerToNodes map[string][]string
}

// New creates a new empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		channelSpecs:     make(map[string]channel.Behavior),
		triggerToNodes:   make(map[string][]string),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Nodes returns all nodes keyed by ID.
func (g *Graph) Nodes() map[string]*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make(map[string]*Node, len(g.nodes))
	for k, v := range g.nodes {
		result[k] = v
	}
	return result
}

// Edges returns all outgoing static edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// validate validates the graph structure. Called by Compile so every
// configuration error fails fast, before execution.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, exists := g.nodes[g.entryPoint]; !exists {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	for _, n := range g.nodes {
		for to := range n.destinations {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("node %s declares destination %s which does not exist", n.ID, to)
			}
		}
	}
	for from, edge := range g.conditionalEdges {
		for label, to := range edge.PathMap {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("conditional edge from %s maps label %s to unknown node %s", from, label, to)
			}
		}
	}
	return nil
}

// addNode adds a node to the graph.
func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}
	if node.ID == Start || node.ID == End {
		return fmt.Errorf("node ID %s is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	g.addTriggerChannelLocked(node.ID)
	return nil
}

// addTriggerChannelLocked materializes the trigger channel for a node.
func (g *Graph) addTriggerChannelLocked(nodeID string) {
	name := ChannelBranchPrefix + nodeID
	if _, ok := g.channelSpecs[name]; ok {
		return
	}
	g.channelSpecs[name] = channel.BehaviorLastValue
	g.triggerToNodes[name] = append(g.triggerToNodes[name], nodeID)
}

// addEdge adds a static edge to the graph.
func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge from and to cannot be empty")
	}
	if edge.From != Start {
		if _, exists := g.nodes[edge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", edge.From)
		}
	}
	if edge.To != End {
		if _, exists := g.nodes[edge.To]; !exists {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

// addConditionalEdge adds a conditional edge to the graph. A node has at
// most one conditional edge; it is the mechanism for exclusive choice,
// whereas multiple static edges fan out.
func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	if condEdge.From != Start {
		if _, exists := g.nodes[condEdge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", condEdge.From)
		}
	}
	if _, exists := g.conditionalEdges[condEdge.From]; exists {
		return fmt.Errorf("node %s already has a conditional edge", condEdge.From)
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

// setEntryPoint sets the entry point of the graph.
func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nodeID != "" {
		if _, exists := g.nodes[nodeID]; !exists {
			return fmt.Errorf("entry point node %s does not exist", nodeID)
		}
	}
	g.entryPoint = nodeID
	return nil
}

// newChannelRuntime builds a fresh channel manager from the compiled specs.
func (g *Graph) newChannelRuntime() *channel.Manager {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := channel.NewManager()
	for name, behavior := range g.channelSpecs {
		m.Add(name, behavior)
	}
	return m
}

// nodesTriggeredBy returns the node IDs triggered by a channel.
func (g *Graph) nodesTriggeredBy(channelName string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string{}, g.triggerToNodes[channelName]...)
}

// staticTargets returns the targets of all static edges out of a node,
// excluding End.
func (g *Graph) staticTargets(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var targets []string
	for _, e := range g.edges[nodeID] {
		if e.To != End {
			targets = append(targets, e.To)
		}
	}
	return targets
}

// hasStaticEdgeTo reports whether a static edge from -> to exists.
func (g *Graph) hasStaticEdgeTo(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.edges[from] {
		if e.To == to {
			return true
		}
	}
	return false
}
