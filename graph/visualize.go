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
	"sort"
	"strings"
)

// DOT renders the graph in Graphviz DOT format. Static edges are solid,
// conditional edges are dashed and labeled, declared command destinations
// are dotted.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph G {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString(fmt.Sprintf("  %q [shape=circle];\n", Start))
	b.WriteString(fmt.Sprintf("  %q [shape=doublecircle];\n", End))
	for _, id := range g.sortedNodeIDs() {
		node, _ := g.Node(id)
		label := node.Name
		if node.subgraph != nil {
			b.WriteString(fmt.Sprintf("  %q [shape=box3d, label=%q];\n", id, label))
			continue
		}
		b.WriteString(fmt.Sprintf("  %q [shape=box, label=%q];\n", id, label))
	}
	if entry := g.EntryPoint(); entry != "" {
		b.WriteString(fmt.Sprintf("  %q -> %q;\n", Start, entry))
	}
	for _, from := range g.sortedEdgeSources() {
		for _, e := range g.Edges(from) {
			b.WriteString(fmt.Sprintf("  %q -> %q;\n", e.From, e.To))
		}
	}
	for _, from := range g.sortedConditionalSources() {
		edge, _ := g.ConditionalEdge(from)
		labels := make([]string, 0, len(edge.PathMap))
		for label := range edge.PathMap {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			b.WriteString(fmt.Sprintf("  %q -> %q [style=dashed, label=%q];\n", from, edge.PathMap[label], label))
		}
	}
	for _, id := range g.sortedNodeIDs() {
		node, _ := g.Node(id)
		dests := make([]string, 0, len(node.destinations))
		for dest := range node.destinations {
			dests = append(dests, dest)
		}
		sort.Strings(dests)
		for _, dest := range dests {
			b.WriteString(fmt.Sprintf("  %q -> %q [style=dotted];\n", id, dest))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid renders the graph as a Mermaid flowchart.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TB\n")
	mermaidID := func(id string) string {
		return strings.NewReplacer(":", "_", "__", "").Replace(id)
	}
	if entry := g.EntryPoint(); entry != "" {
		b.WriteString(fmt.Sprintf("  %s((start)) --> %s\n", mermaidID(Start), mermaidID(entry)))
	}
	for _, from := range g.sortedEdgeSources() {
		for _, e := range g.Edges(from) {
			if e.To == End {
				b.WriteString(fmt.Sprintf("  %s --> %s((end))\n", mermaidID(e.From), mermaidID(End)))
				continue
			}
			b.WriteString(fmt.Sprintf("  %s --> %s\n", mermaidID(e.From), mermaidID(e.To)))
		}
	}
	for _, from := range g.sortedConditionalSources() {
		edge, _ := g.ConditionalEdge(from)
		labels := make([]string, 0, len(edge.PathMap))
		for label := range edge.PathMap {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			to := edge.PathMap[label]
			if to == End {
				b.WriteString(fmt.Sprintf("  %s -.->|%s| %s((end))\n", mermaidID(from), label, mermaidID(End)))
				continue
			}
			b.WriteString(fmt.Sprintf("  %s -.->|%s| %s\n", mermaidID(from), label, mermaidID(to)))
		}
	}
	return b.String()
}

func (g *Graph) sortedNodeIDs() []string {
	nodes := g.Nodes()
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) sortedEdgeSources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sources := make([]string, 0, len(g.edges))
	for from := range g.edges {
		sources = append(sources, from)
	}
	sort.Strings(sources)
	return sources
}

func (g *Graph) sortedConditionalSources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sources := make([]string, 0, len(g.conditionalEdges))
	for from := range g.conditionalEdges {
		sources = append(sources, from)
	}
	sort.Strings(sources)
	return sources
}
