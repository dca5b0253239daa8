package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/logging"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

const reasonConditionNotMet = "Condition not met"

// chainRun is the mutable state of one run while its chain executes.
type chainRun struct {
	wf       *schema.WorkflowDefinition
	run      *schema.WorkflowRun
	snapshot *schema.EntitySnapshot
	results  []schema.ActionResult
}

// executeChain runs the actions strictly in order. A failed action stops the
// chain unless it continues on failure. The returned error is an
// engine-level failure, not an action failure.
func (e *Engine) executeChain(ctx context.Context, cr *chainRun) error {
	for _, action := range cr.wf.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		actx := logging.WithActionID(ctx, action.ID)
		result, err := e.executeAction(actx, cr, action)
		if err != nil {
			return err
		}
		cr.results = append(cr.results, result)
		e.observeAction(actx, cr.run, result)

		if result.Status == schema.ActionStatusFailed && !action.ContinueOnFailure {
			e.logger.InfoContext(actx, "chain stopped", "remaining", len(cr.wf.Actions)-len(cr.results))
			break
		}
	}
	return nil
}

// executeAction applies the gates in order (delay, condition, approval) and
// dispatches to the handler only when all of them pass.
func (e *Engine) executeAction(ctx context.Context, cr *chainRun, action schema.Action) (schema.ActionResult, error) {
	now := e.now()
	result := schema.ActionResult{
		ActionID:   action.ID,
		ActionType: action.Type,
		ExecutedAt: now.UTC(),
	}

	if action.DelayMinutes > 0 {
		result.Status = schema.ActionStatusPendingApproval
		result.Result = map[string]any{"scheduled": true, "delayMinutes": action.DelayMinutes}
		due := now.Add(time.Duration(action.DelayMinutes) * time.Minute)
		if err := e.deferAction(ctx, cr, action, schema.DeferralDelay, due, result.Result); err != nil {
			return result, err
		}
		return result, nil
	}

	ns := expressions.NewNamespaces(cr.snapshot, cr.run.TriggerData, now)
	ok, err := e.conditions.Evaluate(ctx, action.Condition, ns)
	if err != nil {
		result.Status = schema.ActionStatusFailed
		result.Error = errorMessage(err)
		return result, nil
	}
	if !ok {
		result.Status = schema.ActionStatusSkipped
		result.Result = map[string]any{"reason": reasonConditionNotMet}
		return result, nil
	}

	if action.RequiresApproval {
		result.Status = schema.ActionStatusPendingApproval
		result.Result = map[string]any{"awaitingApproval": true}
		if err := e.deferAction(ctx, cr, action, schema.DeferralApproval, now, result.Result); err != nil {
			return result, err
		}
		return result, nil
	}

	return e.dispatch(ctx, e.actionInput(cr.wf, cr.run.ID, action, cr.snapshot, cr.run.TriggerData, ns), result), nil
}

func (e *Engine) actionInput(wf *schema.WorkflowDefinition, runID string, action schema.Action, snapshot *schema.EntitySnapshot, trigger map[string]any, ns expressions.Namespaces) actions.ActionInput {
	return actions.ActionInput{
		TenantID:     e.tenantID,
		UserID:       e.userID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		RunID:        runID,
		Action:       action,
		Entity:       snapshot,
		TriggerData:  trigger,
		Vars:         ns,
		Now:          ns.Now,
	}
}

// dispatch invokes the handler and records its outcome and duration on
// result.
func (e *Engine) dispatch(ctx context.Context, input actions.ActionInput, result schema.ActionResult) schema.ActionResult {
	started := time.Now()
	out, err := e.invoke(ctx, input)
	result.DurationMs = time.Since(started).Milliseconds()

	if err != nil {
		result.Status = schema.ActionStatusFailed
		result.Error = errorMessage(err)
		return result
	}
	result.Status = out.Status
	if result.Status == "" {
		result.Status = schema.ActionStatusCompleted
	}
	result.Result = out.Data
	return result
}

func (e *Engine) invoke(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	handler, err := e.registry.Get(input.Action.Type)
	if err != nil {
		return nil, err
	}
	if e.breakers != nil {
		if err := e.breakers.AllowRequest(input.Action.Type); err != nil {
			return nil, err
		}
	}

	out, err := handler.Execute(ctx, input)
	if e.breakers != nil {
		switch {
		case err == nil:
			e.breakers.RecordSuccess(input.Action.Type)
		case countsTowardBreaker(err):
			if e.breakers.RecordFailure(input.Action.Type) == CircuitOpen {
				e.logger.WarnContext(ctx, "action type short-circuited", "type", input.Action.Type)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &actions.ActionOutput{}
	}
	return out, nil
}

// deferAction records a durable deferral when a deferral store is
// configured and adds its id to the pending result payload.
func (e *Engine) deferAction(ctx context.Context, cr *chainRun, action schema.Action, kind schema.DeferralKind, due time.Time, payload map[string]any) error {
	if e.deferrals == nil {
		return nil
	}
	now := e.now().UTC()
	d := &store.Deferral{
		ID:          uuid.NewString(),
		TenantID:    e.tenantID,
		RunID:       cr.run.ID,
		WorkflowID:  cr.wf.ID,
		ActionID:    action.ID,
		Kind:        kind,
		Status:      schema.DeferralPending,
		EntityID:    cr.run.EntityID,
		TriggerData: cr.run.TriggerData,
		DueAt:       due.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.deferrals.CreateDeferral(ctx, d); err != nil {
		return storeErr("create deferral", err)
	}
	payload["deferralId"] = d.ID

	eventPayload := map[string]any{"deferralId": d.ID, "kind": string(kind), "dueAt": d.DueAt.Format(time.RFC3339)}
	if err := e.fsm.emit(ctx, cr.run.ID, action.ID, schema.EventDeferralCreated, eventPayload); err != nil {
		e.logger.WarnContext(ctx, "deferral event not recorded", "error", err)
	}
	e.publish(ctx, cr.run, action.ID, schema.EventDeferralCreated, eventPayload)
	return nil
}

// observeAction emits the action's event, metrics and log line.
func (e *Engine) observeAction(ctx context.Context, run *schema.WorkflowRun, r schema.ActionResult) {
	if err := e.fsm.RecordAction(ctx, run.ID, r); err != nil {
		e.logger.WarnContext(ctx, "action event not recorded", "error", err)
	}
	e.metrics.recordAction(ctx, r)
	e.publish(ctx, run, r.ActionID, schema.EventForAction(r.Status), r)

	switch r.Status {
	case schema.ActionStatusFailed:
		e.logger.WarnContext(ctx, "action failed", "type", r.ActionType, "error", r.Error, "duration_ms", r.DurationMs)
	default:
		e.logger.DebugContext(ctx, "action recorded", "type", r.ActionType, "status", r.Status, "duration_ms", r.DurationMs)
	}
}
