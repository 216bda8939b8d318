package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func graph(ids []string, edges ...schema.Edge) *schema.WorkflowDefinition {
	def := &schema.WorkflowDefinition{Trigger: schema.Trigger{Type: "manual"}}
	for _, id := range ids {
		def.Nodes = append(def.Nodes, schema.Node{ID: id, Type: "stub"})
	}
	def.Edges = edges
	return def
}

func edge(from, to string, branch ...string) schema.Edge {
	ed := schema.Edge{From: from, To: to}
	if len(branch) > 0 {
		ed.Branch = branch[0]
	}
	return ed
}

func TestPlan_Empty(t *testing.T) {
	assert.Empty(t, Plan(nil))
	assert.Empty(t, Plan(graph(nil)))
}

func TestPlan_LinearChain(t *testing.T) {
	def := graph([]string{"c", "b", "a"}, edge("a", "b"), edge("b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, Plan(def))
}

func TestPlan_BranchesBreadthFirst(t *testing.T) {
	def := graph([]string{"a", "b", "c", "d", "e"},
		edge("a", "b"),
		edge("b", "c", schema.BranchYes),
		edge("b", "d", schema.BranchNo),
		edge("c", "e"),
	)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, Plan(def))
}

func TestPlan_SelfEdgeDoesNotHideEntry(t *testing.T) {
	def := graph([]string{"poll", "done"}, edge("poll", "poll", schema.BranchLoop), edge("poll", "done", schema.BranchNext))
	assert.Equal(t, []string{"poll", "done"}, Plan(def))
}

func TestPlan_FullCycleStartsAtFirstDeclared(t *testing.T) {
	def := graph([]string{"x", "y", "z"}, edge("y", "z"), edge("z", "x"), edge("x", "y"))
	assert.Equal(t, []string{"x", "y", "z"}, Plan(def))
}

func TestPlan_LoopBackEdge(t *testing.T) {
	def := graph([]string{"start", "loop", "body", "end"},
		edge("start", "loop"),
		edge("loop", "body", schema.BranchLoop),
		edge("body", "loop"),
		edge("loop", "end", schema.BranchNext),
	)
	assert.Equal(t, []string{"start", "loop", "body", "end"}, Plan(def))
}

func TestPlan_DisconnectedComponentsAndMultipleEntries(t *testing.T) {
	def := graph([]string{"a", "b", "p", "q", "r"},
		edge("a", "b"),
		edge("q", "r"),
		edge("r", "q"),
	)
	// a and p are entries; the q/r cycle is picked up afterwards.
	assert.Equal(t, []string{"a", "b", "p", "q", "r"}, Plan(def))
}

func TestPlan_EachNodeExactlyOnce(t *testing.T) {
	def := graph([]string{"a", "b", "c", "d"},
		edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"), edge("d", "a"), edge("a", "a"),
	)
	plan := Plan(def)
	require.Len(t, plan, 4)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, plan)
	assert.Equal(t, plan, Plan(def), "plan must be deterministic")
}

func TestFollowEdge(t *testing.T) {
	def := graph([]string{"a", "b", "c", "d"},
		edge("a", "b", schema.BranchYes),
		edge("a", "c", schema.BranchYes),
		edge("a", "d"),
	)

	assert.Equal(t, "b", followEdge(def, "a", schema.BranchYes), "first matching edge wins")
	assert.Equal(t, "d", followEdge(def, "a", ""), "unlabeled edge matches no branch")
	assert.Empty(t, followEdge(def, "a", schema.BranchNo))
	assert.Empty(t, followEdge(def, "b", ""))
}

func TestCheckDefinition(t *testing.T) {
	require.NoError(t, checkDefinition(graph([]string{"a", "b"}, edge("a", "b"))))
	require.NoError(t, checkDefinition(graph(nil)))

	err := checkDefinition(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = checkDefinition(graph([]string{"a", "a"}))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "duplicate")

	err = checkDefinition(graph([]string{"a"}, edge("a", "ghost")))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "ghost")

	err = checkDefinition(graph([]string{""}))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
