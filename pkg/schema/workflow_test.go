package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveRetryPolicy_Default(t *testing.T) {
	def := &WorkflowDefinition{}
	assert.Equal(t, RetryPolicy{MaxAttempts: 3, BackoffSeconds: 5}, def.EffectiveRetryPolicy())
}

func TestEffectiveRetryPolicy_Explicit(t *testing.T) {
	def := &WorkflowDefinition{Settings: &Settings{RetryPolicy: &RetryPolicy{MaxAttempts: 1, BackoffSeconds: 0}}}
	assert.Equal(t, RetryPolicy{MaxAttempts: 1, BackoffSeconds: 0}, def.EffectiveRetryPolicy())

	def.Settings.RetryPolicy = &RetryPolicy{MaxAttempts: 0, BackoffSeconds: -2}
	assert.Equal(t, RetryPolicy{MaxAttempts: 3, BackoffSeconds: 0}, def.EffectiveRetryPolicy())
}

func TestStepBudget(t *testing.T) {
	def := &WorkflowDefinition{Nodes: make([]Node, 4)}
	assert.Equal(t, 50, def.StepBudget())

	def.Nodes = make([]Node, 30)
	assert.Equal(t, 150, def.StepBudget())
}

func TestConditionOperand_AcceptsScalars(t *testing.T) {
	var c Condition
	require.NoError(t, json.Unmarshal([]byte(`{"left":"{{trigger.payload.amount}}","op":"gt","right":100}`), &c))
	assert.Equal(t, Operand("{{trigger.payload.amount}}"), c.Left)
	assert.Equal(t, Operand("100"), c.Right)

	require.NoError(t, json.Unmarshal([]byte(`{"left":true,"op":"eq","right":2.5}`), &c))
	assert.Equal(t, Operand("true"), c.Left)
	assert.Equal(t, Operand("2.5"), c.Right)

	assert.Error(t, json.Unmarshal([]byte(`{"left":{"a":1},"op":"eq","right":"x"}`), &c))
}

func TestWaitConfig_TimeoutDuration(t *testing.T) {
	d, err := WaitConfig{}.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = WaitConfig{Timeout: "90s"}.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = WaitConfig{Timeout: "soon"}.TimeoutDuration()
	assert.Error(t, err)

	_, err = WaitConfig{Timeout: "-1m"}.TimeoutDuration()
	assert.Error(t, err)
}

func TestNodeDecodeConfig(t *testing.T) {
	n := Node{ID: "L", Type: NodeTypeLoop, Config: json.RawMessage(`{"mode":"for","iterations":3}`)}
	var cfg LoopConfig
	require.NoError(t, n.DecodeConfig(&cfg))
	assert.Equal(t, LoopModeFor, cfg.Mode)
	assert.Equal(t, 3, cfg.Iterations)

	bad := Node{ID: "B", Type: NodeTypeLoop, Config: json.RawMessage(`{"mode":5}`)}
	err := bad.DecodeConfig(&cfg)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeConfiguration))
}

func TestNodeSettings_Empty(t *testing.T) {
	n := Node{ID: "A", Type: "message.send"}
	settings, err := n.Settings()
	require.NoError(t, err)
	assert.Empty(t, settings)
}

func TestAsEngineError(t *testing.T) {
	assert.Nil(t, AsEngineError(nil, ErrCodeExecution))

	ee := NewError(ErrCodeTimeout, "slow")
	assert.Same(t, ee, AsEngineError(ee, ErrCodeExecution))

	wrapped := AsEngineError(assert.AnError, ErrCodeExecution)
	assert.Equal(t, ErrCodeExecution, wrapped.Code)
	assert.ErrorIs(t, wrapped, assert.AnError)
}

func TestIsControlType(t *testing.T) {
	for _, typ := range []string{NodeTypeConditional, NodeTypeIf, NodeTypeLoop, NodeTypeWait} {
		assert.True(t, IsControlType(typ), typ)
	}
	assert.False(t, IsControlType(NodeTypeAction))
	assert.False(t, IsControlType("invoice.upsert"))
}
