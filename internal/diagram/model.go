package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
	NodeKindWait        NodeKind = "wait"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node ids bracketing the graph.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the ledger state of a node for one run.
type StatusOverlay struct {
	Status  string // from schema.StepStatus
	Attempt int
	Error   string
}

// Edge connects two nodes; Label is the branch that selects it.
type Edge struct {
	From  string
	To    string
	Label string
}
