package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates expression-form action conditions. The environment
// declares client, trigger and time as map(string, dyn).
type CELEngine struct {
	env   *cel.Env
	progs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	ns := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(NamespaceClient, ns),
		cel.Variable(NamespaceTrigger, ns),
		cel.Variable(NamespaceTime, ns),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.progs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, iss := e.env.Compile(src)
	if err := iss.Err(); err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return prg, nil
}

// Check type-checks an expression against the namespace declarations
// without evaluating it.
func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.progs.get(expression)
	return err
}

// Evaluate runs expression against data, normally Namespaces.Activation().
// A namespace missing from data is bound to an empty map so that
// has()-style guards work instead of failing on an unbound variable.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{}
	for _, name := range []string{NamespaceClient, NamespaceTrigger, NamespaceTime} {
		vars[name] = map[string]any{}
		if v := data[name]; v != nil {
			vars[name] = v
		}
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
