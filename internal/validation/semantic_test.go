package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// mockExecutorLookup implements ExecutorLookup for tests.
type mockExecutorLookup struct {
	registered map[string]bool
}

func (m *mockExecutorLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockExecutorLookup {
	m := &mockExecutorLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

func node(id, typ, config string) schema.Node {
	n := schema.Node{ID: id, Type: typ}
	if config != "" {
		n.Config = json.RawMessage(config)
	}
	return n
}

func defWith(nodes []schema.Node, edges ...schema.Edge) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Trigger: schema.Trigger{Type: "manual"}, Nodes: nodes, Edges: edges}
}

func TestSemantic_Valid(t *testing.T) {
	def := defWith(
		[]schema.Node{
			node("a", "message.send", `{"text":"hi"}`),
			node("b", schema.NodeTypeIf, `{"condition":{"left":"{{steps.a.output.status}}","op":"eq","right":"sent"}}`),
			node("c", schema.NodeTypeAction, `{"executor":"invoice.upsert"}`),
		},
		schema.Edge{From: "a", To: "b"},
		schema.Edge{From: "b", To: "c", Branch: schema.BranchYes},
	)
	result := validateSemantic(def, newMockLookup("message.send", "invoice.upsert"))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_DuplicateNodeID(t *testing.T) {
	def := defWith([]schema.Node{node("a", "stub", ""), node("a", "stub", "")})
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[1].id", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `"a"`)
}

func TestSemantic_DanglingEdges(t *testing.T) {
	def := defWith([]schema.Node{node("a", "stub", "")},
		schema.Edge{From: "a", To: "ghost"},
		schema.Edge{From: "nowhere", To: "a"},
	)
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "edges[0].to", result.Errors[0].Path)
	assert.Equal(t, "edges[1].from", result.Errors[1].Path)
}

func TestSemantic_UnknownExecutorWarns(t *testing.T) {
	def := defWith([]schema.Node{
		node("a", "crm.sync", ""),
		node("b", schema.NodeTypeAction, `{"executor":"erp.push"}`),
	})
	result := validateSemantic(def, newMockLookup("message.send"))
	assert.True(t, result.Valid(), "unknown executors fall back to the stub")
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0].Message, "crm.sync")
	assert.Contains(t, result.Warnings[1].Message, "erp.push")
}

func TestSemantic_NilLookupSkipsExecutorCheck(t *testing.T) {
	def := defWith([]schema.Node{node("a", "crm.sync", "")})
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_ActionConfigMustBeObject(t *testing.T) {
	def := defWith([]schema.Node{node("a", "message.send", `["not","an","object"]`)})
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[0].config", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeConfiguration, result.Errors[0].Code)
}

func TestSemantic_ConditionalConfig(t *testing.T) {
	t.Run("unknown operator", func(t *testing.T) {
		def := defWith([]schema.Node{node("c", schema.NodeTypeConditional, `{"condition":{"left":"1","op":"between","right":"2"}}`)})
		result := validateSemantic(def, nil)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "nodes[0].config.condition.op", result.Errors[0].Path)
	})

	t.Run("missing condition", func(t *testing.T) {
		def := defWith([]schema.Node{node("c", schema.NodeTypeIf, "")})
		result := validateSemantic(def, nil)
		assert.True(t, result.Valid())
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, "nodes[0].config.condition", result.Warnings[0].Path)
	})

	t.Run("malformed", func(t *testing.T) {
		def := defWith([]schema.Node{node("c", schema.NodeTypeIf, `{"condition":"amount > 100"}`)})
		result := validateSemantic(def, nil)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, schema.ErrCodeConfiguration, result.Errors[0].Code)
	})
}

func TestSemantic_LoopConfig(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		errors   int
		warnings int
	}{
		{"for ok", `{"mode":"for","iterations":3}`, 0, 0},
		{"for zero iterations", `{"mode":"for","iterations":0}`, 0, 1},
		{"while ok", `{"mode":"while","condition":{"left":"{{steps.a.output.left}}","op":"gt","right":0}}`, 0, 0},
		{"while without condition", `{"mode":"while"}`, 0, 1},
		{"while bad op", `{"mode":"while","condition":{"left":"1","op":"~","right":"1"}}`, 1, 0},
		{"unknown mode", `{"mode":"until"}`, 1, 0},
		{"missing mode", ``, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := defWith([]schema.Node{node("l", schema.NodeTypeLoop, tt.config)})
			result := validateSemantic(def, nil)
			assert.Len(t, result.Errors, tt.errors)
			assert.Len(t, result.Warnings, tt.warnings)
		})
	}
}

func TestSemantic_WaitTimeout(t *testing.T) {
	def := defWith([]schema.Node{
		node("w1", schema.NodeTypeWait, `{"timeout":"30m"}`),
		node("w2", schema.NodeTypeWait, ""),
		node("w3", schema.NodeTypeWait, `{"timeout":"tomorrow"}`),
		node("w4", schema.NodeTypeWait, `{"timeout":"-1h"}`),
	})
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "nodes[2].config.timeout", result.Errors[0].Path)
	assert.Equal(t, "nodes[3].config.timeout", result.Errors[1].Path)
}

func TestSemantic_EdgeBranchNeverProduced(t *testing.T) {
	def := defWith(
		[]schema.Node{
			node("c", schema.NodeTypeIf, `{"condition":{"left":"1","op":"eq","right":"1"}}`),
			node("l", schema.NodeTypeLoop, `{"mode":"for","iterations":2}`),
			node("a", "stub", ""),
		},
		schema.Edge{From: "c", To: "l", Branch: "maybe"},
		schema.Edge{From: "l", To: "a", Branch: schema.BranchNext},
		schema.Edge{From: "a", To: "c", Branch: schema.BranchYes},
	)
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	assert.Equal(t, "edges[0].branch", result.Warnings[0].Path)
	assert.Equal(t, "edges[2].branch", result.Warnings[1].Path)
}

func TestSemantic_RetryPolicyWarnings(t *testing.T) {
	def := defWith([]schema.Node{node("a", "stub", "")})
	def.Settings = &schema.Settings{RetryPolicy: &schema.RetryPolicy{MaxAttempts: 25, BackoffSeconds: 600}}

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	assert.Equal(t, "settings.retry_policy.max_attempts", result.Warnings[0].Path)
	assert.Equal(t, "settings.retry_policy.backoff_seconds", result.Warnings[1].Path)

	def.Settings.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 5}
	assert.Empty(t, validateSemantic(def, nil).Warnings)
}
