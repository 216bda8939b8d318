package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Build constructs a DiagramModel from a definition and, optionally, the step
// ledger of one of its runs. Nodes follow the traversal plan order; a virtual
// start node points at every entry node and every node without outgoing
// edges points at a virtual end node.
func Build(def *schema.WorkflowDefinition, steps []*store.Step) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: definition is required")
	}
	index := make(map[string]*schema.Node, len(def.Nodes))
	for i := range def.Nodes {
		index[def.Nodes[i].ID] = &def.Nodes[i]
	}
	for _, e := range def.Edges {
		if index[e.From] == nil || index[e.To] == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"diagram: edge %s -> %s references an unknown node", e.From, e.To)
		}
	}

	ledger := make(map[string]*store.Step, len(steps))
	for _, s := range steps {
		ledger[s.NodeID] = s
	}

	nodes := make([]*Node, 0, len(def.Nodes)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range engine.Plan(def) {
		n := index[id]
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type)}
		if s, ok := ledger[n.ID]; ok {
			node.Status = overlay(s)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: titleFromDef(def),
		Nodes: nodes,
		Edges: buildEdges(def),
	}, nil
}

// kindOf converts a node type to a NodeKind. Executor types are actions.
func kindOf(nodeType string) NodeKind {
	switch nodeType {
	case schema.NodeTypeConditional, schema.NodeTypeIf:
		return NodeKindConditional
	case schema.NodeTypeLoop:
		return NodeKindLoop
	case schema.NodeTypeWait:
		return NodeKindWait
	default:
		return NodeKindAction
	}
}

// nodeLabel is the node name (or id) with the executor type for actions.
func nodeLabel(n *schema.Node) string {
	label := n.ID
	if n.Name != "" {
		label = n.Name
	}
	if kindOf(n.Type) == NodeKindAction {
		return fmt.Sprintf("%s (%s)", label, n.ExecutorType())
	}
	return label
}

func overlay(s *store.Step) *StatusOverlay {
	so := &StatusOverlay{Status: string(s.Status), Attempt: s.Attempt}
	if len(s.Error) > 0 {
		var ee schema.EngineError
		if json.Unmarshal(s.Error, &ee) == nil && ee.Message != "" {
			so.Error = ee.Message
		} else {
			so.Error = string(s.Error)
		}
	}
	return so
}

// buildEdges keeps definition edge order, then adds the virtual start and
// end edges.
func buildEdges(def *schema.WorkflowDefinition) []Edge {
	incoming := make(map[string]bool, len(def.Nodes))
	outgoing := make(map[string]bool, len(def.Nodes))
	edges := make([]Edge, 0, len(def.Edges)+2)
	for _, e := range def.Edges {
		if e.From != e.To {
			incoming[e.To] = true
		}
		outgoing[e.From] = true
		edges = append(edges, Edge{From: e.From, To: e.To, Label: e.Branch})
	}

	var entries []string
	for _, n := range def.Nodes {
		if !incoming[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	if len(entries) == 0 && len(def.Nodes) > 0 {
		entries = []string{def.Nodes[0].ID}
	}
	for _, id := range entries {
		edges = append(edges, Edge{From: StartID, To: id})
	}

	for _, n := range def.Nodes {
		if !outgoing[n.ID] {
			edges = append(edges, Edge{From: n.ID, To: EndID})
		}
	}
	if len(def.Nodes) == 0 {
		edges = append(edges, Edge{From: StartID, To: EndID})
	}
	return edges
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
