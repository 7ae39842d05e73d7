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
)

// StateGraph is the fluent builder for constructing graphs. Builder methods
// record errors and return the builder; Compile surfaces the first error.
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a new state graph builder with the given schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{graph: New(schema)}
}

// NewMessageGraph creates a builder preconfigured with the message-centric
// schema.
func NewMessageGraph() *StateGraph {
	return NewStateGraph(MessagesStateSchema())
}

// NodeOption configures a node at AddNode time.
type NodeOption func(*Node)

// WithName sets a human-readable node name.
func WithName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// WithDescription sets the node description.
func WithDescription(description string) NodeOption {
	return func(n *Node) { n.Description = description }
}

// WithDestinations declares the node's dynamic-routing targets for
// Command.GoTo. Keys are node IDs, values are optional display labels.
func WithDestinations(destinations map[string]string) NodeOption {
	return func(n *Node) {
		if n.destinations == nil {
			n.destinations = make(map[string]string, len(destinations))
		}
		for k, v := range destinations {
			n.destinations[k] = v
		}
	}
}

// WithRetryPolicy wraps the node function with bounded retries.
func WithRetryPolicy(policy *RetryPolicy) NodeOption {
	return func(n *Node) { n.retryPolicy = policy }
}

// WithNodeCallbacks attaches before/after/error hooks to the node.
func WithNodeCallbacks(callbacks *NodeCallbacks) NodeOption {
	return func(n *Node) { n.callbacks = callbacks }
}

// WithSubgraphInput sets the translator applied to the parent state before
// invoking a subgraph node with a disjoint schema.
func WithSubgraphInput(translate func(State) State) NodeOption {
	return func(n *Node) { n.subgraphInput = translate }
}

// WithSubgraphOutput sets the translator applied to the subgraph's final
// state to produce the parent-state update.
func WithSubgraphOutput(translate func(State) State) NodeOption {
	return func(n *Node) { n.subgraphOutput = translate }
}

// AddNode adds a node wrapping the given function.
func (sg *StateGraph) AddNode(id string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if fn == nil {
		sg.errs = append(sg.errs, fmt.Errorf("node %s: function cannot be nil", id))
		return sg
	}
	node := &Node{ID: id, Name: id, Function: fn}
	for _, opt := range opts {
		opt(node)
	}
	if err := sg.graph.addNode(node); err != nil {
		sg.errs = append(sg.errs, err)
	}
	return sg
}

// AddSubgraphNode adds a node that executes a compiled graph. When the
// child shares the parent schema its final state merges back directly;
// disjoint schemas require WithSubgraphInput and WithSubgraphOutput.
func (sg *StateGraph) AddSubgraphNode(id string, child *Graph, opts ...NodeOption) *StateGraph {
	if child == nil {
		sg.errs = append(sg.errs, fmt.Errorf("subgraph node %s: child graph cannot be nil", id))
		return sg
	}
	node := &Node{ID: id, Name: id, subgraph: child}
	for _, opt := range opts {
		opt(node)
	}
	if err := sg.graph.addNode(node); err != nil {
		sg.errs = append(sg.errs, err)
	}
	return sg
}

// AddEdge adds a static edge. A node with several static edges fans out to
// all targets in the next superstep.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if err := sg.graph.addEdge(&Edge{From: from, To: to}); err != nil {
		sg.errs = append(sg.errs, err)
	}
	return sg
}

// AddConditionalEdges adds a conditional edge: condition picks a label and
// pathMap resolves it to exactly one target.
func (sg *StateGraph) AddConditionalEdges(from string, condition ConditionalFunc, pathMap map[string]string) *StateGraph {
	if condition == nil {
		sg.errs = append(sg.errs, fmt.Errorf("conditional edge from %s: condition cannot be nil", from))
		return sg
	}
	if len(pathMap) == 0 {
		sg.errs = append(sg.errs, fmt.Errorf("conditional edge from %s: path map cannot be empty", from))
		return sg
	}
	err := sg.graph.addConditionalEdge(&ConditionalEdge{From: from, Condition: condition, PathMap: pathMap})
	if err != nil {
		sg.errs = append(sg.errs, err)
	}
	return sg
}

// SetEntryPoint marks the node executed first, equivalent to an edge from
// Start.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	if err := sg.graph.setEntryPoint(nodeID); err != nil {
		sg.errs = append(sg.errs, err)
	}
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates the graph and returns the immutable runtime form.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.errs) > 0 {
		return nil, sg.errs[0]
	}
	if err := sg.graph.validate(); err != nil {
		return nil, err
	}
	// The recursion-budget channel is always writable.
	schema := sg.graph.schema
	if _, ok := schema.Field(StateKeyRemainingSteps); !ok {
		schema.AddField(StateKeyRemainingSteps, StateField{Reducer: DefaultReducer})
	}
	return sg.graph, nil
}

// MustCompile is Compile that panics on error, for graphs built from
// constants.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}
