package engine

import (
	"context"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/logging"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

func (e *Engine) requireDeferrals() error {
	if e.deferrals == nil {
		return schema.NewError(schema.ErrCodeValidation, "deferrals are not enabled")
	}
	return nil
}

// ApproveDeferral records a human approval. Only pending approval deferrals
// can be decided; a second decision is a CONFLICT.
func (e *Engine) ApproveDeferral(ctx context.Context, deferralID, decidedBy string) (*store.Deferral, error) {
	return e.decide(ctx, deferralID, decidedBy, schema.DeferralApproved, nil)
}

// RejectDeferral records a human rejection. The deferred action never runs;
// the deferral resolves with a skipped result.
func (e *Engine) RejectDeferral(ctx context.Context, deferralID, decidedBy, reason string) (*store.Deferral, error) {
	if reason == "" {
		reason = "Approval rejected"
	}
	return e.decide(ctx, deferralID, decidedBy, schema.DeferralRejected, map[string]any{"reason": reason})
}

func (e *Engine) decide(ctx context.Context, deferralID, decidedBy string, status schema.DeferralStatus, rejection map[string]any) (*store.Deferral, error) {
	if err := e.requireDeferrals(); err != nil {
		return nil, err
	}
	d, err := e.deferrals.GetDeferral(ctx, e.tenantID, deferralID)
	if err != nil {
		return nil, storeErr("get deferral", err)
	}
	if d.Kind != schema.DeferralApproval {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "deferral %s is a %s deferral and cannot be decided", d.ID, d.Kind)
	}
	if decidedBy == "" {
		decidedBy = e.userID
	}

	now := e.now().UTC()
	pending := schema.DeferralPending
	update := store.DeferralUpdate{
		Status:       &status,
		DecidedBy:    decidedBy,
		DecidedAt:    &now,
		ExpectStatus: &pending,
	}
	if rejection != nil {
		update.Result = &schema.ActionResult{
			ActionID:   d.ActionID,
			ActionType: e.actionTypeOf(ctx, d),
			Status:     schema.ActionStatusSkipped,
			Result:     rejection,
			ExecutedAt: now,
		}
	}
	if err := e.deferrals.UpdateDeferral(ctx, d.ID, update); err != nil {
		return nil, storeErr("decide deferral", err)
	}

	ctx = logging.WithRun(ctx, e.tenantID, d.WorkflowID, d.RunID)
	e.logger.InfoContext(logging.WithActionID(ctx, d.ActionID), "deferral decided",
		"deferral_id", d.ID, "decision", status, "decided_by", decidedBy)
	if rejection != nil {
		e.resolved(ctx, d, *update.Result)
	}

	d.Status = status
	d.DecidedBy = decidedBy
	d.DecidedAt = &now
	d.Result = update.Result
	return d, nil
}

// actionTypeOf looks up the type of a deferred action for reporting; it is
// empty when the definition is gone.
func (e *Engine) actionTypeOf(ctx context.Context, d *store.Deferral) schema.ActionType {
	wf, err := e.repos.GetWorkflow(ctx, e.tenantID, d.WorkflowID)
	if err != nil {
		return ""
	}
	if a, ok := findAction(wf, d.ActionID); ok {
		return a.Type
	}
	return ""
}

// Ready reports whether a deferral can be resumed at now: a due delay, or an
// approved approval.
func Ready(d *store.Deferral, now time.Time) bool {
	switch d.Kind {
	case schema.DeferralDelay:
		return d.Status == schema.DeferralPending && !d.DueAt.After(now)
	case schema.DeferralApproval:
		return d.Status == schema.DeferralApproved
	}
	return false
}

// ResumeDeferral executes exactly the deferred action. Its condition is
// re-evaluated against a fresh entity snapshot; delay and approval gates are
// not re-applied. The outcome is stored on the deferral and the original run
// is left untouched.
func (e *Engine) ResumeDeferral(ctx context.Context, deferralID string) (*schema.ActionResult, error) {
	if err := e.requireDeferrals(); err != nil {
		return nil, err
	}
	d, err := e.deferrals.GetDeferral(ctx, e.tenantID, deferralID)
	if err != nil {
		return nil, storeErr("get deferral", err)
	}
	now := e.now()
	if !Ready(d, now) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"deferral %s is not ready (kind %s, status %s)", d.ID, d.Kind, d.Status)
	}

	// Claim before executing so a concurrent resumer loses the race.
	claimed := schema.DeferralDone
	prev := d.Status
	if err := e.deferrals.UpdateDeferral(ctx, d.ID, store.DeferralUpdate{Status: &claimed, ExpectStatus: &prev}); err != nil {
		return nil, storeErr("claim deferral", err)
	}

	ctx = logging.WithActionID(logging.WithRun(ctx, e.tenantID, d.WorkflowID, d.RunID), d.ActionID)
	result := e.resumeAction(ctx, d, now)

	final := schema.DeferralDone
	if result.Status == schema.ActionStatusFailed {
		final = schema.DeferralFailed
	}
	if err := e.deferrals.UpdateDeferral(ctx, d.ID, store.DeferralUpdate{Status: &final, Result: &result}); err != nil {
		return &result, storeErr("record deferral result", err)
	}

	e.metrics.recordAction(ctx, result)
	e.resolved(ctx, d, result)
	e.logger.InfoContext(ctx, "deferral resumed", "deferral_id", d.ID, "status", result.Status)
	return &result, nil
}

func (e *Engine) resumeAction(ctx context.Context, d *store.Deferral, now time.Time) (result schema.ActionResult) {
	result = schema.ActionResult{ActionID: d.ActionID, ExecutedAt: now.UTC()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "deferred action panicked", "panic", r)
			result.Status = schema.ActionStatusFailed
			result.Error = "panic during deferred action"
		}
	}()

	fail := func(err error) schema.ActionResult {
		result.Status = schema.ActionStatusFailed
		result.Error = errorMessage(err)
		return result
	}

	wf, err := e.loadWorkflow(ctx, d.WorkflowID)
	if err != nil {
		return fail(err)
	}
	action, ok := findAction(wf, d.ActionID)
	if !ok {
		return fail(schema.NewErrorf(schema.ErrCodeNotFound, "action %s is no longer defined in workflow %s", d.ActionID, wf.ID))
	}
	result.ActionType = action.Type

	var snapshot *schema.EntitySnapshot
	if d.EntityID != "" {
		entity, err := e.repos.GetEntity(ctx, e.tenantID, d.EntityID)
		if err != nil {
			return fail(err)
		}
		snapshot = entity.Clone()
	}

	ns := expressions.NewNamespaces(snapshot, d.TriggerData, now)
	holds, err := e.conditions.Evaluate(ctx, action.Condition, ns)
	if err != nil {
		return fail(err)
	}
	if !holds {
		result.Status = schema.ActionStatusSkipped
		result.Result = map[string]any{"reason": reasonConditionNotMet}
		return result
	}
	return e.dispatch(ctx, e.actionInput(wf, d.RunID, action, snapshot, d.TriggerData, ns), result)
}

func (e *Engine) resolved(ctx context.Context, d *store.Deferral, r schema.ActionResult) {
	payload := map[string]any{"deferralId": d.ID, "status": string(r.Status)}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	if err := e.fsm.emit(ctx, d.RunID, d.ActionID, schema.EventDeferralResolved, payload); err != nil {
		e.logger.WarnContext(ctx, "deferral event not recorded", "error", err)
	}
	e.publish(ctx, &schema.WorkflowRun{ID: d.RunID, WorkflowID: d.WorkflowID}, d.ActionID, schema.EventDeferralResolved, payload)
}

func findAction(wf *schema.WorkflowDefinition, actionID string) (schema.Action, bool) {
	for _, a := range wf.Actions {
		if a.ID == actionID {
			return a, true
		}
	}
	return schema.Action{}, false
}
