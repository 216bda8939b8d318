package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/pkg/schema"
)

const branchYAML = `
name: Order review
trigger:
  type: order
nodes:
  - id: check
    type: conditional
    config:
      condition:
        left: "{{ trigger.payload.amount }}"
        op: gt
        right: 100
  - id: review
    type: stub
  - id: approve
    type: stub
edges:
  - from: check
    to: review
    branch: "yes"
  - from: check
    to: approve
    branch: "no"
`

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "settings.json")
}

func TestRunOnce_CompletesAndPrintsLedger(t *testing.T) {
	path := writeFile(t, "order-review.yaml", branchYAML)
	var out bytes.Buffer

	err := runOnce(context.Background(), []string{
		"-config", missingConfig(t),
		"-payload", `{"amount": 250}`,
		path,
	}, &out)
	require.NoError(t, err, out.String())

	var snap engine.RunSnapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap), out.String())
	assert.Equal(t, "order-review", snap.Run.WorkflowID)
	assert.Equal(t, schema.RunStatusCompleted, snap.Run.Status)

	statuses := map[string]schema.StepStatus{}
	for _, st := range snap.Steps {
		statuses[st.NodeID] = st.Status
	}
	assert.Equal(t, schema.StepStatusCompleted, statuses["review"])
	assert.Equal(t, schema.StepStatusPending, statuses["approve"])
}

func TestRunOnce_StopsAtWait(t *testing.T) {
	path := writeFile(t, "approval.json", `{
		"id": "approval",
		"trigger": {"type": "manual"},
		"nodes": [
			{"id": "approve", "type": "wait", "config": {"timeout": "1h"}},
			{"id": "send", "type": "stub"}
		],
		"edges": [{"from": "approve", "to": "send"}]
	}`)
	var out bytes.Buffer

	require.NoError(t, runOnce(context.Background(), []string{"-config", missingConfig(t), path}, &out))

	var snap engine.RunSnapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, schema.RunStatusWaiting, snap.Run.Status)
}

func TestRunOnce_Errors(t *testing.T) {
	var out bytes.Buffer

	err := runOnce(context.Background(), []string{"-config", missingConfig(t)}, &out)
	assert.Error(t, err, "definition path is required")

	path := writeFile(t, "wf.yaml", branchYAML)
	err = runOnce(context.Background(), []string{"-config", missingConfig(t), "-payload", "{bad", path}, &out)
	assert.Error(t, err)

	invalid := writeFile(t, "broken.json", `{"trigger": {"type": "manual"}, "nodes": [{"id": "a", "type": "stub"}], "edges": [{"from": "a", "to": "ghost"}]}`)
	out.Reset()
	err = runOnce(context.Background(), []string{"-config", missingConfig(t), invalid}, &out)
	assert.ErrorIs(t, err, errInvalidDefinition)
	assert.Contains(t, out.String(), "ghost")
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate([]string{writeFile(t, "wf.yaml", branchYAML)}, &out))
	assert.Contains(t, out.String(), "valid")

	out.Reset()
	invalid := writeFile(t, "broken.json", `{"trigger": {"type": "manual"}, "nodes": [{"id": "a", "type": "stub"}], "edges": [{"from": "a", "to": "ghost"}]}`)
	err := runValidate([]string{"-json", invalid}, &out)
	assert.ErrorIs(t, err, errInvalidDefinition)

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, false, result["valid"])
	assert.NotEmpty(t, result["errors"])
}

func TestReadDefinition_DefaultsIDToFileName(t *testing.T) {
	def, err := readDefinition(writeFile(t, "nightly-report.yaml", branchYAML))
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", def.ID)
	assert.Equal(t, "Order review", def.Name)

	_, err = readDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
