package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/flowrun/pkg/schema"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage renders a DiagramModel with graphviz and returns the encoded
// image bytes in the requested format.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindAction:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindConditional:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindLoop:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "waiting":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	default:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	}
}
