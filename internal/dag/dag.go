// Package dag models the task instantiation hierarchy as a directed graph so
// the analyzer can reject designs in which a task transitively instantiates
// itself. Hardware elaboration unrolls the hierarchy statically; a cycle
// would unroll forever.
package dag

import "fmt"

// Graph is a directed graph over task names.
type Graph struct {
	nodes map[string]*node
}

type node struct {
	id       string
	children map[string]*node
}

// New returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{nodes: map[string]*node{}}
}

// AddNode adds a task to the graph. Adding an existing task is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{id: id, children: map[string]*node{}}
}

// AddEdge records that parent instantiates child. Both tasks must already be
// in the graph; a self-instantiation is rejected immediately.
func (g *Graph) AddEdge(parent, child string) error {
	if parent == child {
		return fmt.Errorf("task %q instantiates itself", parent)
	}
	p, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("unknown task: %s", parent)
	}
	c, ok := g.nodes[child]
	if !ok {
		return fmt.Errorf("unknown task: %s", child)
	}
	p.children[child] = c
	return nil
}

// DetectCycles returns an error naming a task involved in a cyclic
// instantiation chain, or nil if the hierarchy is a DAG. Depth-first search
// with the classic permanent/temporary marking.
func (g *Graph) DetectCycles() error {
	permanent := map[string]bool{}
	temporary := map[string]bool{}

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			return fmt.Errorf("instantiation cycle involving task %q", n.id)
		}
		temporary[n.id] = true
		for _, child := range n.children {
			if err := visit(child); err != nil {
				return err
			}
		}
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, n := range g.nodes {
		if !permanent[n.id] {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
