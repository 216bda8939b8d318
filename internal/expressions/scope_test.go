package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invoiceOut struct {
	Number string   `json:"number"`
	Lines  []string `json:"lines"`
	Total  int64    `json:"total"`
}

func TestScope_NormalizesStepOutput(t *testing.T) {
	s := NewScope("r", "w", "", "manual", nil)
	s.SetStepOutput("inv", invoiceOut{Number: "F-1", Lines: []string{"a", "b"}, Total: 300})

	out, ok := s.StepOutput("inv")
	require.True(t, ok)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "F-1", m["number"])
	assert.Equal(t, []any{"a", "b"}, m["lines"])
	assert.Equal(t, float64(300), m["total"])
}

func TestScope_LatestOutputWins(t *testing.T) {
	s := NewScope("r", "w", "", "manual", nil)
	s.SetStepOutput("loop", map[string]any{"iteration": 1})
	s.SetStepOutput("loop", map[string]any{"iteration": 2})

	ip := NewInterpolator()
	assert.Equal(t, "2", ip.Interpolate("{{steps.loop.output.iteration}}", s))
}

func TestScope_DocumentRebuiltAfterWrite(t *testing.T) {
	s := NewScope("r", "w", "", "manual", nil)
	doc := s.Document()
	assert.Empty(t, doc["steps"])

	s.SetStepOutput("a", "done")
	steps := s.Document()["steps"].(map[string]any)
	assert.Equal(t, map[string]any{"output": "done"}, steps["a"])
}

func TestScope_StepOutputsIsCopy(t *testing.T) {
	s := NewScope("r", "w", "", "manual", nil)
	s.SetStepOutput("a", map[string]any{"k": "v"})

	cp := s.StepOutputs()
	cp["a"].(map[string]any)["k"] = "changed"

	out, _ := s.StepOutput("a")
	assert.Equal(t, "v", out.(map[string]any)["k"])
}

func TestScope_PayloadNormalized(t *testing.T) {
	s := NewScope("r", "w", "", "webhook", map[string]int{"count": 3})
	ip := NewInterpolator()
	assert.Equal(t, "3", ip.Interpolate("{{trigger.payload.count}}", s))
}
