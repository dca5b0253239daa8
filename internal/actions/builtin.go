package actions

import (
	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Deps are the collaborators the built-in handlers write through.
type Deps struct {
	Tasks    store.TaskRepository
	Tickets  store.TicketRepository
	Alerts   store.AlertRepository
	Entities store.EntityRepository
	Notifier Notifier
	JQ       *expressions.GoJQEngine
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	jq := deps.JQ
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	all := []Action{
		&createTaskAction{tasks: deps.Tasks},
		&sendNotificationAction{notifier: deps.Notifier},
		&draftCommunicationAction{jq: jq},
		&createTicketAction{tickets: deps.Tickets},
		&updateEntityAction{entities: deps.Entities},
		&createAlertAction{alerts: deps.Alerts},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry with every action type handled.
// It fails if any type in schema.AllActionTypes is left without a handler.
func NewBuiltinRegistry(deps Deps) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	if missing := reg.Missing(); len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "no handler for action types %v", missing)
	}
	return reg, nil
}
