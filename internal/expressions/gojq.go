package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries over trigger payloads to pick the context a
// draft communication embeds.
type GoJQEngine struct {
	progs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{}
	e.progs = newProgramCache(func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		// No $ENV: queries come from tenant-authored definitions.
		code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return code, nil
	})
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs the query with data as input. Zero outputs yield nil, one
// output is returned as is, several are returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}

	var outs []any
	iter := code.RunWithContext(ctx, jqValue(data))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		outs = append(outs, v)
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	return outs, nil
}

// jqValue rewrites values built in Go into the shapes gojq walks: it
// rejects []string and sized numeric types that JSON decoding never yields.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
