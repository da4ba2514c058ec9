// Package graph builds a dependency DAG from unit metadata, detects cycles,
// and computes an ordered sequence of parallel-safe batches.
//
// Edges run from dependency to dependent: for every edge a -> b, unit a is
// placed in an earlier batch than b. Within a scheduling round, units flagged
// force-sequential are extracted into their own singleton batches (ordered by
// priority, then id) ahead of the round's parallel batch, so exclusive units
// never race with siblings while the rest keep maximal concurrency.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/altbridge/convoke/unit"
)

// Batch is one scheduling step: either a set of units safe to run
// concurrently, or a single unit that must run alone.
type Batch struct {
	// Units are the unit ids in this batch.
	Units []string
	// Sequential marks a singleton batch for a force-sequential unit.
	Sequential bool
}

// UnknownDependencyError is returned by Validate when a unit depends on an
// unregistered id.
type UnknownDependencyError struct {
	Unit       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("unit %q depends on unknown unit %q", e.Unit, e.Dependency)
}

// CircularDependencyError is returned when the dependency graph contains a
// cycle. Cycle names one full cycle path, first id repeated at the end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// Graph is a registry of unit descriptors plus their dependency edges.
type Graph struct {
	nodes map[string]unit.Descriptor
	order []string // declaration order
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]unit.Descriptor)}
}

// AddUnit registers a unit. Forward references in DependsOn are allowed
// until Validate. Duplicate ids are rejected.
func (g *Graph) AddUnit(d unit.Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("unit id must not be empty")
	}
	if _, exists := g.nodes[d.ID]; exists {
		return fmt.Errorf("unit %q already registered", d.ID)
	}
	g.nodes[d.ID] = d
	g.order = append(g.order, d.ID)
	return nil
}

// Len returns the number of registered units.
func (g *Graph) Len() int { return len(g.nodes) }

// Order returns unit ids in declaration order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Descriptor returns the descriptor registered for id.
func (g *Graph) Descriptor(id string) (unit.Descriptor, bool) {
	d, ok := g.nodes[id]
	return d, ok
}

// Validate checks that every dependency references a known unit and that the
// graph is acyclic. Both conditions are fatal before any execution starts.
func (g *Graph) Validate() error {
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return &UnknownDependencyError{Unit: id, Dependency: dep}
			}
		}
	}
	return g.findCycle()
}

// findCycle runs a depth-first search over DependsOn edges and reports the
// first cycle found, naming the full path.
func (g *Graph) findCycle() error {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(g.nodes))

	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)

		deps := append([]string{}, g.nodes[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Found a back edge: slice the cycle out of the current path.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return &CircularDependencyError{Cycle: cycle}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	// Deterministic traversal order keeps the reported cycle stable.
	ids := append([]string{}, g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ComputeBatches runs Kahn's algorithm: repeatedly collect all units with no
// remaining unscheduled dependencies into a round, then split the round into
// force-sequential singleton batches (priority asc, id asc) followed by one
// parallel batch. A round that cannot make progress means a cycle slipped
// past Validate and is reported as one.
func (g *Graph) ComputeBatches() ([]Batch, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].DependsOn)
		for _, dep := range g.nodes[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var batches []Batch
	remaining := len(g.nodes)

	for remaining > 0 {
		var round []string
		for _, id := range g.order {
			if deg, ok := inDegree[id]; ok && deg == 0 {
				round = append(round, id)
			}
		}
		if len(round) == 0 {
			// Should have been caught by Validate.
			return nil, &CircularDependencyError{Cycle: g.unresolved(inDegree)}
		}

		batches = append(batches, g.splitRound(round)...)

		for _, id := range round {
			delete(inDegree, id)
			for _, dependent := range dependents[id] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
			remaining--
		}
	}

	return batches, nil
}

// splitRound orders a round: force-sequential units first, each as its own
// singleton batch sorted by priority then id, then one parallel batch with
// the rest.
func (g *Graph) splitRound(round []string) []Batch {
	var sequential []string
	var parallel []string
	for _, id := range round {
		if g.nodes[id].ForceSequential {
			sequential = append(sequential, id)
		} else {
			parallel = append(parallel, id)
		}
	}

	sort.Slice(sequential, func(i, j int) bool {
		a, b := g.nodes[sequential[i]], g.nodes[sequential[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	sort.Strings(parallel)

	var batches []Batch
	for _, id := range sequential {
		batches = append(batches, Batch{Units: []string{id}, Sequential: true})
	}
	if len(parallel) > 0 {
		batches = append(batches, Batch{Units: parallel})
	}
	return batches
}

// unresolved lists the units still carrying dependencies when batching
// stalls, sorted for a stable error message.
func (g *Graph) unresolved(inDegree map[string]int) []string {
	var stuck []string
	for id := range inDegree {
		stuck = append(stuck, id)
	}
	sort.Strings(stuck)
	return stuck
}
