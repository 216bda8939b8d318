package validation

import (
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// validateGraph analyses the node graph. Cycles are legal (loops are built
// from back edges), so both checks only warn:
//   - nodes unreachable from any entry node never execute;
//   - a cycle that passes through no loop node can only end through a
//     conditional or the step budget.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Nodes) == 0 {
		return result
	}

	out := make(map[string][]string, len(def.Nodes))
	incoming := make(map[string]int, len(def.Nodes))
	for _, e := range def.Edges {
		out[e.From] = append(out[e.From], e.To)
		if e.From != e.To {
			incoming[e.To]++
		}
	}

	// Entry nodes are those without incoming edges; if every node sits on a
	// cycle the first declared node starts the run.
	var queue []string
	for _, n := range def.Nodes {
		if incoming[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	if len(queue) == 0 {
		queue = append(queue, def.Nodes[0].ID)
	}

	reachable := make(map[string]bool, len(def.Nodes))
	for _, id := range queue {
		reachable[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for i, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any entry node", n.ID))
		}
	}

	if hasUnboundedCycle(def) {
		result.AddWarning("edges", schema.ErrCodeValidation,
			fmt.Sprintf("graph contains a cycle without a loop node; runs rely on the step budget (%d visits)", def.StepBudget()))
	}
	return result
}

// hasUnboundedCycle runs Kahn's algorithm over the graph with loop nodes
// removed. Any node left unvisited lies on a cycle that no loop node guards.
func hasUnboundedCycle(def *schema.WorkflowDefinition) bool {
	inDegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Type != schema.NodeTypeLoop {
			inDegree[n.ID] = 0
		}
	}

	adj := make(map[string][]string, len(inDegree))
	for _, e := range def.Edges {
		_, fromOK := inDegree[e.From]
		_, toOK := inDegree[e.To]
		if !fromOK || !toOK {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	queue := make([]string, 0, len(inDegree))
	for _, n := range def.Nodes {
		if deg, ok := inDegree[n.ID]; ok && deg == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(inDegree)
}
