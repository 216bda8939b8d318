package engine

import (
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// Plan returns a deterministic total order of the definition's node ids.
//
// Entry nodes are those without incoming edges (self-edges ignored), in
// declaration order; when every node sits on a cycle the first declared node
// is the only entry. Each entry starts a breadth-first walk that follows
// outgoing edges in declaration order, and any node still unvisited after
// that starts a new walk. Plan(def)[0] is where traversal begins.
func Plan(def *schema.WorkflowDefinition) []string {
	if def == nil || len(def.Nodes) == 0 {
		return nil
	}

	out := make(map[string][]string, len(def.Nodes))
	incoming := make(map[string]bool, len(def.Nodes))
	for _, e := range def.Edges {
		out[e.From] = append(out[e.From], e.To)
		if e.From != e.To {
			incoming[e.To] = true
		}
	}

	var entries []string
	for _, n := range def.Nodes {
		if !incoming[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	if len(entries) == 0 {
		entries = append(entries, def.Nodes[0].ID)
	}
	for _, n := range def.Nodes {
		entries = append(entries, n.ID)
	}

	known := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		known[n.ID] = true
	}

	order := make([]string, 0, len(def.Nodes))
	visited := make(map[string]bool, len(def.Nodes))
	for _, entry := range entries {
		if visited[entry] {
			continue
		}
		visited[entry] = true
		queue := []string{entry}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			order = append(order, id)
			for _, next := range out[id] {
				if known[next] && !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return order
}

// followEdge returns the target of the first edge, in declaration order,
// leaving from whose branch equals the given one. An unlabeled edge matches
// the empty branch. The empty string means the run has nowhere to go.
func followEdge(def *schema.WorkflowDefinition, from, branch string) string {
	for _, e := range def.Edges {
		if e.From == from && e.Branch == branch {
			return e.To
		}
	}
	return ""
}

// checkDefinition enforces the invariants traversal depends on: unique node
// ids and edges whose endpoints exist.
func checkDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "node with empty id")
		}
		if ids[n.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}
	for i, e := range def.Edges {
		if !ids[e.From] || !ids[e.To] {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("edges[%d] %s -> %s references an unknown node", i, e.From, e.To))
		}
	}
	return nil
}
