package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/logging"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/internal/streaming"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Trigger-skip message stored on runs whose condition triggers went stale.
const msgTriggersNotMet = "Trigger conditions no longer met"

// Repositories is the persistence the engine reads and writes directly.
// Handler writes (tasks, tickets, alerts) go through the action registry.
// store.Store satisfies it.
type Repositories interface {
	store.WorkflowRepository
	store.RunRepository
	store.EntityRepository
	store.ActivityRepository
	store.MetricRepository
	store.EventRepository
}

// RunResult is what callers observe for one ExecuteWorkflow call.
type RunResult struct {
	RunID      string                `json:"runId"`
	WorkflowID string                `json:"workflowId"`
	Status     schema.RunStatus      `json:"status"`
	Success    bool                  `json:"success"`
	Error      string                `json:"error,omitempty"`
	Results    []schema.ActionResult `json:"results"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt *time.Time            `json:"finishedAt,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdempotency rejects a repeat of the same (workflow, trigger payload,
// entity) inside ttl with DUPLICATE_RUN.
func WithIdempotency(guard Guard, ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl <= 0 {
			ttl = DefaultIdempotencyTTL
		}
		e.guard = guard
		e.guardTTL = ttl
	}
}

// WithDeferrals records a durable deferral for every delayed or
// approval-gated action so it can be resumed later.
func WithDeferrals(d store.DeferralRepository) Option {
	return func(e *Engine) { e.deferrals = d }
}

// WithHub publishes run and action events to a hub.
func WithHub(hub streaming.EventHub) Option {
	return func(e *Engine) { e.hub = hub }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDerivedMetrics defines KPI metrics as expr formulas over the entity
// record, used when no sample is stored for the metric.
func WithDerivedMetrics(formulas map[string]string) Option {
	return func(e *Engine) { e.derived = formulas }
}

// WithMeterProvider sets the provider for run and action metrics. The global
// provider is used otherwise.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = p }
}

// WithTracerProvider sets the provider for run spans.
func WithTracerProvider(p trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = p }
}

// WithCircuitBreaker short-circuits action types whose handler keeps failing.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(e *Engine) { e.breakerConfig = &cfg }
}

// WithFinalizeRetry bounds how long a failing CompleteRun is retried.
func WithFinalizeRetry(maxElapsed time.Duration) Option {
	return func(e *Engine) { e.finalizeMaxElapsed = maxElapsed }
}

// Engine runs workflows for one tenant on behalf of one acting user.
// It is safe for concurrent use; each run is a sequential pipeline.
type Engine struct {
	tenantID string
	userID   string

	repos      Repositories
	registry   actions.ActionRegistry
	triggers   *TriggerValidator
	conditions *expressions.ConditionEvaluator
	fsm        *RunFSM
	rec        *recorder
	breakers   *CircuitBreakerRegistry
	metrics    *runMetrics
	tracer     trace.Tracer

	guard     Guard
	guardTTL  time.Duration
	deferrals store.DeferralRepository
	hub       streaming.EventHub
	logger    *slog.Logger
	now       func() time.Time
	derived   map[string]string

	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	breakerConfig      *CircuitBreakerConfig
	finalizeMaxElapsed time.Duration
}

// New creates an Engine. The registry must provide a handler for every
// action type.
func New(tenantID, userID string, repos Repositories, registry actions.ActionRegistry, opts ...Option) (*Engine, error) {
	if tenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	if repos == nil || registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "repositories and action registry are required")
	}
	for _, t := range schema.AllActionTypes {
		if _, err := registry.Get(t); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "no handler for action type %q", t).WithCause(err)
		}
	}

	e := &Engine{
		tenantID:           tenantID,
		userID:             userID,
		repos:              repos,
		registry:           registry,
		now:                time.Now,
		logger:             slog.Default(),
		finalizeMaxElapsed: DefaultFinalizeMaxElapsed,
	}
	for _, opt := range opts {
		opt(e)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	e.conditions = expressions.NewConditionEvaluator(cel)
	e.triggers = NewTriggerValidator(repos, e.derived, e.now)
	e.fsm = NewRunFSM(repos)
	e.metrics = newRunMetrics(e.meterProvider)
	e.tracer = newTracer(e.tracerProvider)
	e.rec = &recorder{
		runs:       repos,
		fsm:        e.fsm,
		logger:     e.logger,
		now:        e.now,
		maxElapsed: e.finalizeMaxElapsed,
	}
	if e.breakerConfig != nil {
		e.breakers = NewCircuitBreakerRegistry(*e.breakerConfig, e.now)
	}

	for _, status := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusSkipped} {
		e.fsm.OnAfter(schema.RunStatusRunning, status, func(_, _ string) error {
			e.metrics.recordRun(context.Background(), status)
			return nil
		})
	}
	return e, nil
}

// ExecuteWorkflow runs one workflow against a trigger payload and an
// optional entity. Only pre-run problems are returned as errors: unknown or
// disabled workflow, a duplicate firing, or a run record that could not be
// created. Everything after the run record exists is reported in RunResult.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, entityID string) (*RunResult, error) {
	ctx = logging.WithTenantID(ctx, e.tenantID)
	ctx, span := e.tracer.Start(ctx, "automation.ExecuteWorkflow", trace.WithAttributes(
		attribute.String("tenant.id", e.tenantID),
		attribute.String("workflow.id", workflowID),
	))
	defer span.End()

	wf, err := e.loadWorkflow(ctx, workflowID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	key, err := e.acquire(ctx, workflowID, triggerData, entityID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	run := &schema.WorkflowRun{
		ID:             uuid.NewString(),
		TenantID:       e.tenantID,
		WorkflowID:     wf.ID,
		EntityID:       entityID,
		TriggerData:    triggerData,
		IdempotencyKey: key,
	}
	if err := e.rec.begin(ctx, run); err != nil {
		e.release(ctx, key)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ctx = logging.WithRun(ctx, e.tenantID, wf.ID, run.ID)
	span.SetAttributes(attribute.String("run.id", run.ID))
	e.logger.InfoContext(ctx, "run started", "workflow", wf.Name, "entity_id", entityID)
	e.publish(ctx, run, "", schema.EventRunStarted, map[string]any{"workflowName": wf.Name})

	cr := &chainRun{wf: wf, run: run}
	status, message := e.runBody(ctx, cr)

	if err := e.rec.finalize(ctx, run, status, message, cr.results); err != nil {
		e.logger.ErrorContext(ctx, "run not finalized", "status", status, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.result(run, status, message, cr.results), err
	}

	e.logFinal(ctx, run)
	e.publish(ctx, run, "", schema.EventForRun(status), map[string]any{"error": message, "actions": len(cr.results)})
	if status == schema.RunStatusFailed {
		span.SetStatus(codes.Error, message)
	}
	return e.result(run, status, message, cr.results), nil
}

func (e *Engine) loadWorkflow(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	wf, err := e.repos.GetWorkflow(ctx, e.tenantID, workflowID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %s not found", workflowID).WithCause(err)
		}
		return nil, storeErr("get workflow", err)
	}
	if !wf.Active {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowDisabled, "workflow %s is disabled", workflowID)
	}
	return wf, nil
}

func (e *Engine) acquire(ctx context.Context, workflowID string, triggerData map[string]any, entityID string) (string, error) {
	if e.guard == nil {
		return "", nil
	}
	key, err := IdempotencyKey(workflowID, triggerData, entityID)
	if err != nil {
		return "", err
	}
	ok, err := e.guard.Acquire(ctx, key, e.guardTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeDuplicateRun,
			"workflow %s already fired for this trigger within %s", workflowID, e.guardTTL).
			WithDetails(map[string]any{"idempotencyKey": key})
	}
	return key, nil
}

func (e *Engine) release(ctx context.Context, key string) {
	if e.guard == nil || key == "" {
		return
	}
	if err := e.guard.Release(ctx, key); err != nil {
		e.logger.WarnContext(ctx, "idempotency key not released", "error", err)
	}
}

// runBody performs snapshot, trigger check and chain. A panic anywhere below
// fails the run with the results collected so far.
func (e *Engine) runBody(ctx context.Context, cr *chainRun) (status schema.RunStatus, message string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "run panicked", "panic", r)
			status, message = schema.RunStatusFailed, fmt.Sprintf("panic: %v", r)
		}
	}()

	if cr.run.EntityID != "" {
		entity, err := e.repos.GetEntity(ctx, e.tenantID, cr.run.EntityID)
		if err != nil {
			return schema.RunStatusFailed, errorMessage(err)
		}
		cr.snapshot = entity.Clone()
	}

	ok, err := e.triggers.ValidateTriggers(ctx, e.tenantID, cr.run.EntityID, cr.wf.Triggers)
	if err != nil {
		return schema.RunStatusFailed, errorMessage(err)
	}
	if !ok {
		return schema.RunStatusSkipped, msgTriggersNotMet
	}

	if err := e.executeChain(ctx, cr); err != nil {
		return schema.RunStatusFailed, errorMessage(err)
	}
	if schema.Success(cr.results) {
		return schema.RunStatusCompleted, ""
	}
	return schema.RunStatusFailed, ""
}

func (e *Engine) result(run *schema.WorkflowRun, status schema.RunStatus, message string, results []schema.ActionResult) *RunResult {
	if results == nil {
		results = []schema.ActionResult{}
	}
	return &RunResult{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     status,
		Success:    status == schema.RunStatusCompleted,
		Error:      message,
		Results:    results,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func (e *Engine) logFinal(ctx context.Context, run *schema.WorkflowRun) {
	attrs := []any{"status", run.Status, "actions", len(run.Results)}
	switch run.Status {
	case schema.RunStatusCompleted:
		e.logger.InfoContext(ctx, "run completed", attrs...)
	case schema.RunStatusSkipped:
		e.logger.InfoContext(ctx, "run skipped", append(attrs, "reason", run.Error)...)
	default:
		e.logger.WarnContext(ctx, "run failed", append(attrs, "error", run.Error)...)
	}
}

func (e *Engine) publish(ctx context.Context, run *schema.WorkflowRun, actionID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	err := e.hub.Publish(ctx, streaming.StreamEvent{
		TenantID:   e.tenantID,
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		ActionID:   actionID,
		EventType:  eventType,
		Payload:    payload,
		Timestamp:  e.now().UTC(),
	})
	if err != nil {
		e.logger.DebugContext(ctx, "stream event dropped", "event", eventType, "error", err)
	}
}

// errorMessage renders an error the way it is stored on runs and results.
func errorMessage(err error) string {
	var ae *schema.AutomationError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
