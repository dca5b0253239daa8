package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// ExprEngine evaluates derived KPI formulas such as
// "spend / max(daysInStage, 1)". Fields of the entity record are top-level
// variables; a field the record lacks evaluates to nil.
type ExprEngine struct {
	progs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	e := &ExprEngine{}
	e.progs = newProgramCache(func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return prg, nil
	})
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// EvaluateFloat evaluates a formula that must produce a number.
func (e *ExprEngine) EvaluateFloat(ctx context.Context, expression string, data map[string]any) (float64, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return 0, err
	}
	if f, ok := toFloat(out); ok && isNumber(out) {
		return f, nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeExecution,
		"expr: formula %q returned %T, want a number", expression, out).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
