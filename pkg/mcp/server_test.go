package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{
		"flowrun.define",
		"flowrun.run",
		"flowrun.status",
		"flowrun.runs",
		"flowrun.complete_token",
		"flowrun.diagram",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"flowrun.define", "Validate and store a workflow definition"},
		{"flowrun.status", "Get a run with its step ledger"},
		{"flowrun.runs", "List runs"},
		{"flowrun.complete_token", "Complete a wait token and resume the waiting run"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
