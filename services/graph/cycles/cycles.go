// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycles detects circular dependencies in the intent graph.
//
// When agent A requires something agent B provides, and B requires something
// A provides (directly or transitively), the agents deadlock waiting on each
// other. This package builds the directed requires-to-provides graph, finds
// all cycles by DFS, and computes a topological execution order when none
// exist. All traversal orders are sorted, so results are deterministic for a
// given intent set.
package cycles

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/matching"
)

// ErrCyclic is returned by TopologicalOrder when the graph has cycles.
var ErrCyclic = errors.New("dependency graph contains cycles")

// Cycle is a circular dependency. The last intent depends on the first,
// closing the loop.
type Cycle struct {
	// IntentIDs is the ordered list of intent IDs forming the cycle.
	IntentIDs []string `json:"intent_ids"`

	// AgentIDs holds the owning agent for each intent, index-aligned with
	// IntentIDs.
	AgentIDs []string `json:"agent_ids"`
}

// String renders the cycle as "a(agent-1) -> b(agent-2) -> a(agent-1)".
func (c Cycle) String() string {
	parts := make([]string, len(c.IntentIDs))
	for i, id := range c.IntentIDs {
		parts[i] = fmt.Sprintf("%s(%s)", id, c.AgentIDs[i])
	}
	return strings.Join(parts, " -> ") + " -> " + parts[0]
}

// canonicalKey is a rotation-invariant identity for deduplication: the same
// loop discovered from a different DFS root is still the same cycle.
func (c Cycle) canonicalKey() string {
	if len(c.IntentIDs) == 0 {
		return ""
	}
	start := 0
	for i, id := range c.IntentIDs {
		if id < c.IntentIDs[start] {
			start = i
		}
	}
	rotated := make([]string, 0, len(c.IntentIDs))
	for i := range c.IntentIDs {
		rotated = append(rotated, c.IntentIDs[(start+i)%len(c.IntentIDs)])
	}
	return strings.Join(rotated, "|")
}

// DependencyGraph is the directed graph of intent dependencies. An edge
// from A to B means A requires something that B provides.
type DependencyGraph struct {
	intents   map[string]*intent.Intent
	adjacency map[string]map[string]bool
}

// NewDependencyGraph builds the graph from requires-to-provides edges:
// for each requirement of A, every other intent whose provision name
// overlaps gets an inbound dependency edge from A.
func NewDependencyGraph(intents []*intent.Intent) *DependencyGraph {
	g := &DependencyGraph{
		intents:   make(map[string]*intent.Intent, len(intents)),
		adjacency: make(map[string]map[string]bool, len(intents)),
	}
	for _, it := range intents {
		g.intents[it.ID] = it
		g.adjacency[it.ID] = make(map[string]bool)
	}

	for _, a := range intents {
		for _, req := range a.Requires {
			for _, b := range intents {
				if a.ID == b.ID {
					continue
				}
				for _, prov := range b.Provides {
					if matching.NamesOverlap(req.Name, prov.Name) {
						g.adjacency[a.ID][b.ID] = true
						break
					}
				}
			}
		}
	}
	return g
}

// Nodes returns all intent IDs, sorted.
func (g *DependencyGraph) Nodes() []string {
	nodes := make([]string, 0, len(g.adjacency))
	for id := range g.adjacency {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Edges returns all directed (from, to) edges, sorted.
func (g *DependencyGraph) Edges() [][2]string {
	var edges [][2]string
	for _, src := range g.Nodes() {
		for _, dst := range sortedKeys(g.adjacency[src]) {
			edges = append(edges, [2]string{src, dst})
		}
	}
	return edges
}

// Neighbors returns the sorted dependencies of an intent.
func (g *DependencyGraph) Neighbors(intentID string) []string {
	return sortedKeys(g.adjacency[intentID])
}

// FindCycles finds all dependency cycles among the given intents.
//
// DFS visits nodes and neighbors in sorted ID order, so the reported cycles
// and their internal ordering are deterministic.
func FindCycles(intents []*intent.Intent) []Cycle {
	if len(intents) == 0 {
		return nil
	}
	g := NewDependencyGraph(intents)

	var cycles []Cycle
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string

	var dfs func(node string)
	dfs = func(node string) {
		if onPath[node] {
			start := 0
			for i, id := range path {
				if id == node {
					start = i
					break
				}
			}
			cycleNodes := path[start:]
			c := Cycle{
				IntentIDs: append([]string(nil), cycleNodes...),
				AgentIDs:  make([]string, len(cycleNodes)),
			}
			for i, id := range cycleNodes {
				c.AgentIDs[i] = g.intents[id].AgentID
			}
			if key := c.canonicalKey(); !seen[key] {
				seen[key] = true
				cycles = append(cycles, c)
			}
			return
		}
		if visited[node] {
			return
		}

		visited[node] = true
		onPath[node] = true
		path = append(path, node)

		for _, neighbor := range g.Neighbors(node) {
			dfs(neighbor)
		}

		path = path[:len(path)-1]
		onPath[node] = false
	}

	for _, node := range g.Nodes() {
		if !visited[node] {
			dfs(node)
		}
	}
	return cycles
}

// TopologicalOrder computes a valid execution order: dependencies first.
//
// Returns ErrCyclic (wrapped with cycle details) when the graph has cycles.
func TopologicalOrder(intents []*intent.Intent) ([]string, error) {
	cycles := FindCycles(intents)
	if len(cycles) > 0 {
		parts := make([]string, len(cycles))
		for i, c := range cycles {
			parts[i] = c.String()
		}
		return nil, fmt.Errorf("%w: %d cycle(s) found: %s",
			ErrCyclic, len(cycles), strings.Join(parts, "; "))
	}
	if len(intents) == 0 {
		return []string{}, nil
	}

	g := NewDependencyGraph(intents)

	// Kahn's algorithm on reversed edges. Edge A->B means "A depends on B",
	// so B must execute first: run Kahn over B->A.
	reverse := make(map[string]map[string]bool, len(g.adjacency))
	inDegree := make(map[string]int, len(g.adjacency))
	for _, n := range g.Nodes() {
		reverse[n] = make(map[string]bool)
		inDegree[n] = 0
	}
	for src, dsts := range g.adjacency {
		for dst := range dsts {
			reverse[dst][src] = true
			inDegree[src]++
		}
	}

	var queue []string
	for _, n := range g.Nodes() {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(g.adjacency))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, dependent := range sortedKeys(reverse[node]) {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return order, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
