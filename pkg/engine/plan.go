package engine

import (
	"fmt"
	"sort"
)

// ActionNode is one declared action in a plan. Params are opaque to the core;
// only the driver interprets them.
type ActionNode struct {
	ID        string         `json:"id"`
	DependsOn []string       `json:"dependsOn,omitempty"`
	Adapter   string         `json:"adapter"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// Plan is a dependency graph of actions. Well-formed iff ids are unique,
// every dependsOn resolves within the plan, and the graph is acyclic.
type Plan struct {
	Actions []ActionNode `json:"actions"`
}

// TopoOrder validates the plan and returns a deterministic topological order
// (Kahn's algorithm, ready set tie-broken by id). The whole plan is rejected
// before any driver call when a dependency is missing or a cycle exists; the
// cycle error names every node still holding unresolved in-degree.
func (p *Plan) TopoOrder() ([]string, error) {
	byID := make(map[string]*ActionNode, len(p.Actions))
	for i := range p.Actions {
		node := &p.Actions[i]
		if node.ID == "" {
			return nil, &ValidationError{Message: "plan node missing id"}
		}
		if _, dup := byID[node.ID]; dup {
			return nil, &ValidationError{Message: fmt.Sprintf("duplicate node id %q", node.ID)}
		}
		byID[node.ID] = node
	}

	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for _, node := range p.Actions {
		indegree[node.ID] += 0
		for _, dep := range node.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &ValidationError{Message: fmt.Sprintf("node %q depends on unknown node %q", node.ID, dep)}
			}
			if dep == node.ID {
				return nil, &ValidationError{Message: "self-dependency", CycleIDs: []string{node.ID}}
			}
			indegree[node.ID]++
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(byID))
	for len(ready) > 0 {
		// Ready set is kept sorted so identical plans always produce identical
		// orders, and therefore identical trace output.
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(byID) {
		var cycle []string
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, &ValidationError{Message: "plan has a dependency cycle", CycleIDs: cycle}
	}
	return order, nil
}

// node returns the plan node by id; TopoOrder must have validated the plan.
func (p *Plan) node(id string) *ActionNode {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i]
		}
	}
	return nil
}
