package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/flowrun/pkg/schema"
)

const (
	maxRecommendedAttempts = 10
	maxRecommendedBackoff  = 300
)

// validateSemantic checks what the JSON Schema cannot express: unique node
// ids, edge endpoints, control-node configs, executor registration and retry
// policy bounds.
func validateSemantic(def *schema.WorkflowDefinition, lookup ExecutorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeTypes := make(map[string]string, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := nodeTypes[node.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		nodeTypes[node.ID] = node.Type
		validateNodeConfig(node, path, lookup, result)
	}

	for i, edge := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		fromType, fromOK := nodeTypes[edge.From]
		if !fromOK {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", edge.From))
		}
		if _, ok := nodeTypes[edge.To]; !ok {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", edge.To))
		}
		if fromOK {
			validateEdgeBranch(edge, fromType, path, result)
		}
	}

	validateRetryPolicy(def, result)
	return result
}

func validateNodeConfig(node *schema.Node, path string, lookup ExecutorLookup, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeTypeConditional, schema.NodeTypeIf:
		var cfg schema.ConditionalConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeConfiguration, err.Error())
			return
		}
		if cfg.Condition == nil {
			result.AddWarning(path+".config.condition", schema.ErrCodeValidation,
				"conditional node has no condition and always takes the \"no\" branch")
			return
		}
		validateCondition(cfg.Condition, path+".config.condition", result)

	case schema.NodeTypeLoop:
		var cfg schema.LoopConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeConfiguration, err.Error())
			return
		}
		switch cfg.Mode {
		case schema.LoopModeWhile:
			if cfg.Condition == nil {
				result.AddWarning(path+".config.condition", schema.ErrCodeValidation,
					"while loop has no condition and never repeats")
				return
			}
			validateCondition(cfg.Condition, path+".config.condition", result)
		case schema.LoopModeFor:
			if cfg.Iterations < 1 {
				result.AddWarning(path+".config.iterations", schema.ErrCodeValidation,
					fmt.Sprintf("for loop with %d iterations never runs its body", cfg.Iterations))
			}
		default:
			result.AddError(path+".config.mode", schema.ErrCodeConfiguration,
				fmt.Sprintf("unknown loop mode %q (expected %q or %q)", cfg.Mode, schema.LoopModeWhile, schema.LoopModeFor))
		}

	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if err := node.DecodeConfig(&cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeConfiguration, err.Error())
			return
		}
		if _, err := cfg.TimeoutDuration(); err != nil {
			result.AddError(path+".config.timeout", schema.ErrCodeConfiguration, err.Error())
		}

	default:
		if _, err := node.Settings(); err != nil {
			result.AddError(path+".config", schema.ErrCodeConfiguration,
				"action node config must be an object")
			return
		}
		if lookup == nil {
			return
		}
		if executor := node.ExecutorType(); !lookup.Has(executor) {
			result.AddWarning(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("no executor registered for %q; the stub executor will run instead", executor))
		}
	}
}

func validateCondition(cond *schema.Condition, path string, result *schema.ValidationResult) {
	if !slices.Contains(schema.ConditionOperators, cond.Op) {
		result.AddError(path+".op", schema.ErrCodeConfiguration,
			fmt.Sprintf("unknown operator %q", cond.Op))
	}
	if cond.Left == "" && cond.Right == "" {
		result.AddWarning(path, schema.ErrCodeValidation, "condition compares two empty operands")
	}
}

// validateEdgeBranch warns about branch labels a control node never produces,
// since such edges can never be followed.
func validateEdgeBranch(edge schema.Edge, fromType, path string, result *schema.ValidationResult) {
	var produced []string
	switch fromType {
	case schema.NodeTypeConditional, schema.NodeTypeIf:
		produced = []string{schema.BranchYes, schema.BranchNo}
	case schema.NodeTypeLoop:
		produced = []string{schema.BranchLoop, schema.BranchNext}
	default:
		produced = []string{""}
	}
	if !slices.Contains(produced, edge.Branch) {
		result.AddWarning(path+".branch", schema.ErrCodeValidation,
			fmt.Sprintf("%s node %q never returns branch %q; edge is never followed", fromType, edge.From, edge.Branch))
	}
}

func validateRetryPolicy(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	if def.Settings == nil || def.Settings.RetryPolicy == nil {
		return
	}
	p := def.Settings.RetryPolicy
	if p.MaxAttempts > maxRecommendedAttempts {
		result.AddWarning("settings.retry_policy.max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt count (%d) may cause excessive delays", p.MaxAttempts))
	}
	if p.BackoffSeconds > maxRecommendedBackoff {
		result.AddWarning("settings.retry_policy.backoff_seconds", schema.ErrCodeValidation,
			fmt.Sprintf("backoff of %ds holds the run goroutine between attempts", p.BackoffSeconds))
	}
}
