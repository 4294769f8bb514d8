package actionflow

import (
	"fmt"
	"sort"
)

// DependencyValidation is the outcome of a cycle check over a plan's steps
type DependencyValidation struct {
	Valid                bool     `json:"valid"`
	CircularDependencies []string `json:"circularDependencies,omitempty"`
}

// DependencyGraph is the union of requires and dependsOn edges between steps
type DependencyGraph struct {
	Nodes map[string][]string
}

// NewDependencyGraph builds the edge set step -> prerequisite for the given steps
func NewDependencyGraph(steps []*ActionStep) *DependencyGraph {
	g := &DependencyGraph{Nodes: make(map[string][]string, len(steps))}
	for _, step := range steps {
		seen := make(map[string]bool)
		edges := g.Nodes[step.ID]
		for _, req := range step.Requires {
			if !seen[req.StepID] {
				seen[req.StepID] = true
				edges = append(edges, req.StepID)
			}
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				edges = append(edges, dep)
			}
		}
		sort.Strings(edges)
		g.Nodes[step.ID] = edges
	}
	return g
}

// ValidateDependencyChain reports the first cycle found over the step graph.
// Nodes are visited in sorted order so the outcome does not depend on how the
// steps were listed.
func ValidateDependencyChain(steps []*ActionStep) DependencyValidation {
	g := NewDependencyGraph(steps)
	if cycle := g.FindCycle(); cycle != nil {
		return DependencyValidation{Valid: false, CircularDependencies: cycle}
	}
	return DependencyValidation{Valid: true}
}

// FindCycle returns the path of the first cycle, closed on its first node, or nil
func (g *DependencyGraph) FindCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var visit func(nodeID string) []string
	visit = func(nodeID string) []string {
		visited[nodeID] = true
		recStack[nodeID] = true
		path = append(path, nodeID)

		for _, nextID := range g.Nodes[nodeID] {
			if !visited[nextID] {
				if cycle := visit(nextID); cycle != nil {
					return cycle
				}
			} else if recStack[nextID] {
				for i, id := range path {
					if id == nextID {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, nextID)
					}
				}
			}
		}

		recStack[nodeID] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, nodeID := range g.sortedIDs() {
		if !visited[nodeID] {
			if cycle := visit(nodeID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns step ids with every prerequisite before its dependents
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	if cycle := g.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("dependency graph contains a cycle: %v", cycle)
	}

	visited := make(map[string]bool)
	var order []string

	var visit func(string)
	visit = func(nodeID string) {
		if visited[nodeID] {
			return
		}
		visited[nodeID] = true
		for _, dep := range g.Nodes[nodeID] {
			visit(dep)
		}
		order = append(order, nodeID)
	}

	for _, nodeID := range g.sortedIDs() {
		visit(nodeID)
	}
	return order, nil
}

func (g *DependencyGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
