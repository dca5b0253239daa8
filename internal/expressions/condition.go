package expressions

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// ConditionEvaluator decides whether an action's condition holds.
type ConditionEvaluator struct {
	cel *CELEngine
}

// NewConditionEvaluator creates an evaluator. cel may be nil, in which case
// expression-form conditions fail to evaluate.
func NewConditionEvaluator(cel *CELEngine) *ConditionEvaluator {
	return &ConditionEvaluator{cel: cel}
}

// Evaluate returns true for a nil condition. Operator-form conditions never
// error; an unknown operator evaluates to false. Expression-form conditions
// error when the CEL program fails or does not yield a bool.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond *schema.Condition, ns Namespaces) (bool, error) {
	if cond == nil {
		return true, nil
	}

	if cond.Expression != "" {
		return e.evaluateCEL(ctx, cond.Expression, ns)
	}

	actual, defined := ns.Resolve(cond.Field)
	return Compare(cond.Operator, actual, defined, cond.Value), nil
}

func (e *ConditionEvaluator) evaluateCEL(ctx context.Context, expression string, ns Namespaces) (bool, error) {
	if e.cel == nil {
		return false, schema.NewError(schema.ErrCodeExecution, "expression conditions are not enabled")
	}
	out, err := e.cel.Evaluate(ctx, expression, ns.Activation())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must evaluate to bool, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Compare applies a condition operator to a resolved value. defined is false
// when the field resolved to undefined.
func Compare(operator string, actual any, defined bool, expected any) bool {
	switch operator {
	case schema.OpEquals:
		return defined && looseEqual(actual, expected)
	case schema.OpNotEquals:
		return !defined || !looseEqual(actual, expected)
	case schema.OpGreaterThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		return defined && okA && okB && a > b
	case schema.OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		return defined && okA && okB && a < b
	case schema.OpContains:
		return defined && containsFold(actual, expected)
	case schema.OpStartsWith:
		return defined && strings.HasPrefix(strings.ToLower(Stringify(actual)), strings.ToLower(Stringify(expected)))
	case schema.OpExists:
		return defined && actual != nil
	case schema.OpNotExists:
		return !defined || actual == nil
	default:
		return false
	}
}

// looseEqual compares numbers numerically regardless of their Go type and
// everything else structurally.
func looseEqual(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		x, _ := toFloat(a)
		y, _ := toFloat(b)
		return x == y
	}
	return reflect.DeepEqual(a, b)
}

func containsFold(actual, expected any) bool {
	needle := strings.ToLower(Stringify(expected))
	switch v := actual.(type) {
	case []any:
		for _, item := range v {
			if strings.ToLower(Stringify(item)) == needle {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if strings.ToLower(item) == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(Stringify(actual)), needle)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// toFloat coerces numbers, numeric strings and bools to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToFloat is the exported form of the numeric coercion used by comparisons.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}

// Stringify renders a value the way it appears inside text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return marshalInline(val)
	}
}
