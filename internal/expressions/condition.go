package expressions

import (
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowrun/pkg/schema"
)

// operatorSource maps each condition operator to the expr program that
// implements it. String operators compare Left/Right; numeric operators
// compare L/R, which are only populated when both sides parse as numbers.
var operatorSource = map[string]string{
	schema.OpEq:       `Left == Right`,
	schema.OpNeq:      `Left != Right`,
	schema.OpContains: `Left contains Right`,
	schema.OpGt:       `L > R`,
	schema.OpGte:      `L >= R`,
	schema.OpLt:       `L < R`,
	schema.OpLte:      `L <= R`,
}

var numericOperators = map[string]bool{
	schema.OpGt: true, schema.OpGte: true, schema.OpLt: true, schema.OpLte: true,
}

// conditionEnv is the environment every operator program runs against.
type conditionEnv struct {
	Left  string
	Right string
	L     float64
	R     float64
}

// ConditionEvaluator evaluates {left, op, right} triples. Operands are
// interpolated first; evaluation never errors and fails closed.
// Thread-safe: compiled programs are cached per operator.
type ConditionEvaluator struct {
	interp *Interpolator

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewConditionEvaluator creates an evaluator that interpolates operands with interp.
func NewConditionEvaluator(interp *Interpolator) *ConditionEvaluator {
	if interp == nil {
		interp = NewInterpolator()
	}
	return &ConditionEvaluator{
		interp:   interp,
		programs: make(map[string]*vm.Program),
	}
}

// Evaluate returns false for a nil condition, an unknown operator, or a
// numeric comparison where either side is not a number.
func (ce *ConditionEvaluator) Evaluate(cond *schema.Condition, scope *Scope) bool {
	if cond == nil {
		return false
	}
	left := ce.interp.Interpolate(string(cond.Left), scope)
	right := ce.interp.Interpolate(string(cond.Right), scope)
	return ce.Compare(left, cond.Op, right)
}

// Compare applies op to already-interpolated operands.
func (ce *ConditionEvaluator) Compare(left, op, right string) bool {
	prg, ok := ce.program(op)
	if !ok {
		return false
	}

	env := conditionEnv{Left: left, Right: right}
	if numericOperators[op] {
		l, lok := parseNumber(left)
		r, rok := parseNumber(right)
		if !lok || !rok {
			return false
		}
		env.L, env.R = l, r
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false
	}
	result, _ := out.(bool)
	return result
}

// ValidOperator reports whether op is a supported condition operator.
func ValidOperator(op string) bool {
	_, ok := operatorSource[op]
	return ok
}

func (ce *ConditionEvaluator) program(op string) (*vm.Program, bool) {
	ce.mu.RLock()
	if prg, ok := ce.programs[op]; ok {
		ce.mu.RUnlock()
		return prg, true
	}
	ce.mu.RUnlock()

	src, ok := operatorSource[op]
	if !ok {
		return nil, false
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := ce.programs[op]; ok {
		return prg, true
	}

	prg, err := expr.Compile(src, expr.Env(conditionEnv{}), expr.AsBool())
	if err != nil {
		return nil, false
	}
	ce.programs[op] = prg
	return prg, true
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
