package expressions

import (
	"context"
	"sync"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Engine evaluates one expression language used inside workflow
// definitions: CEL for action conditions, expr for derived KPIs and jq for
// draft context queries.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoises compiled programs by source text. Compilation runs
// outside the lock; when two goroutines race on the same source the first
// stored program wins.
type programCache[P any] struct {
	compile func(src string) (P, error)

	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(src)
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.progs[src]; ok {
		return existing, nil
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// compileError reports a malformed expression. It is a definition problem,
// so it carries VALIDATION.
func compileError(lang, expression string, err error) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// evalError reports an expression that compiled but failed at run time.
func evalError(lang, expression string, err error) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func emptyExpression(lang string) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", lang)
}
