package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidLabel(node)

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidLabel appends the attempt count to nodes that were retried.
// Double quotes would close the label, so they become single quotes.
func mermaidLabel(node *Node) string {
	label := strings.ReplaceAll(node.Label, `"`, "'")
	if node.Status != nil && node.Status.Attempt > 1 {
		label = fmt.Sprintf("%s x%d", label, node.Status.Attempt)
	}
	return label
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Dots, dashes and spaces become underscores; ids that collide with Mermaid
// keywords get a prefix.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	safe := r.Replace(id)
	switch strings.ToLower(safe) {
	case "end", "graph", "subgraph", "class", "classdef", "style", "click":
		return "n_" + safe
	}
	return safe
}

// mermaidStatusClass maps a step status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "waiting", "pending":
		return status
	default:
		return ""
	}
}
