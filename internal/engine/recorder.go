package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// DefaultFinalizeMaxElapsed bounds how long finalize keeps retrying a
// failing CompleteRun.
const DefaultFinalizeMaxElapsed = 5 * time.Second

// recorder owns the run record: it creates it before any side effect and
// writes the terminal state exactly once.
type recorder struct {
	runs       store.RunRepository
	fsm        *RunFSM
	logger     *slog.Logger
	now        func() time.Time
	maxElapsed time.Duration
}

// begin persists a running record. A failure here means no run exists.
func (r *recorder) begin(ctx context.Context, run *schema.WorkflowRun) error {
	run.Status = schema.RunStatusRunning
	run.StartedAt = r.now().UTC()
	if run.Results == nil {
		run.Results = []schema.ActionResult{}
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		return storeErr("create run", err)
	}

	payload := map[string]any{"workflowId": run.WorkflowID}
	if run.EntityID != "" {
		payload["entityId"] = run.EntityID
	}
	if err := r.fsm.Start(ctx, run.ID, payload); err != nil {
		r.logger.WarnContext(ctx, "run started event not recorded", "error", err)
	}
	return nil
}

// finalize writes the terminal state. Transient store errors are retried
// with exponential backoff; a run that is already terminal or missing is
// not retried. The write ignores cancellation of ctx so a caller that gives
// up still leaves a terminal record behind.
func (r *recorder) finalize(ctx context.Context, run *schema.WorkflowRun, status schema.RunStatus, message string, results []schema.ActionResult) error {
	ctx = context.WithoutCancel(ctx)

	if results == nil {
		results = []schema.ActionResult{}
	}
	finished := r.now().UTC()
	completion := store.RunCompletion{
		Status:     status,
		Error:      message,
		Results:    results,
		FinishedAt: finished,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.maxElapsed
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := r.runs.CompleteRun(ctx, run.ID, completion)
		if err == nil {
			return nil
		}
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) || schema.IsCode(err, schema.ErrCodeNotFound) {
			return backoff.Permanent(err)
		}
		r.logger.WarnContext(ctx, "complete run failed, retrying", "attempt", attempts, "error", err)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return storeErr("complete run", err)
	}

	run.Status = status
	run.Error = message
	run.Results = results
	run.FinishedAt = &finished

	payload := map[string]any{"actions": len(results)}
	if message != "" {
		payload["error"] = message
	}
	if err := r.fsm.Transition(ctx, run.ID, schema.RunStatusRunning, status, payload); err != nil {
		r.logger.WarnContext(ctx, "run finalized event not recorded", "status", status, "error", err)
	}
	return nil
}

// storeErr keeps an AutomationError as is and wraps anything else as a
// STORE_ERROR.
func storeErr(op string, err error) error {
	var ae *schema.AutomationError
	if errors.As(err, &ae) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
