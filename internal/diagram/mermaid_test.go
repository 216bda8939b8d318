package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Customer Onboarding")

	assert.Contains(t, output, `welcome["welcome (message.send)"]`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, `__end__(("End"))`)

	assert.Contains(t, output, "welcome --> contract")
	assert.Contains(t, output, "__start__ --> welcome")
	assert.Contains(t, output, "bill --> __end__")

	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef waiting")
	assert.NotContains(t, output, "class welcome")
}

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(branchWorkflow(), nil)
	require.NoError(t, err)
	output := RenderMermaid(model)

	assert.Contains(t, output, `check{"check"}`)
	assert.Contains(t, output, `approve(["approve"])`)
	assert.Contains(t, output, "check -->|yes| approve")
	assert.Contains(t, output, "check -->|no| notify")

	model, err = Build(loopWorkflow(), nil)
	require.NoError(t, err)
	assert.Contains(t, RenderMermaid(model), `repeat[["repeat"]]`)
}

func TestRenderMermaidWithStatus(t *testing.T) {
	steps := []*store.Step{
		{NodeID: "welcome", Status: schema.StepStatusCompleted, Attempt: 1},
		{NodeID: "contract", Status: schema.StepStatusRunning, Attempt: 2},
		{NodeID: "bill", Status: schema.StepStatusPending},
	}

	model, err := Build(linearWorkflow(), steps)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "class welcome completed")
	assert.Contains(t, output, "class contract running")
	assert.Contains(t, output, "class bill pending")
	assert.Contains(t, output, `contract["contract (document.compile) x2"]`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
	assert.Equal(t, "n_end", mermaidSafeID("end"))
	assert.Equal(t, "n_End", mermaidSafeID("End"))
}

func TestMermaidLabelQuotes(t *testing.T) {
	node := &Node{ID: "x", Label: `say "hi"`, Kind: NodeKindAction}
	assert.Equal(t, `x["say 'hi'"]`, mermaidNodeDef(node))
}
