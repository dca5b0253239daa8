package engine

import (
	"context"
	"math"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// kpiEqualsTolerance is the absolute tolerance of the kpi_threshold equals
// operator.
const kpiEqualsTolerance = 0.01

// TriggerRepositories is the read access the trigger validator needs.
type TriggerRepositories interface {
	store.ActivityRepository
	store.MetricRepository
	GetEntity(ctx context.Context, tenantID, id string) (*store.Entity, error)
}

// TriggerValidator re-checks condition-based triggers at run time. Event
// triggers are satisfied by the firing event and always pass.
type TriggerValidator struct {
	repos   TriggerRepositories
	formula *expressions.ExprEngine
	derived map[string]string
	now     func() time.Time
}

// NewTriggerValidator creates a validator. derived maps a metric name to an
// expr formula evaluated over the current entity record when no sample is
// stored for that metric.
func NewTriggerValidator(repos TriggerRepositories, derived map[string]string, now func() time.Time) *TriggerValidator {
	if now == nil {
		now = time.Now
	}
	return &TriggerValidator{
		repos:   repos,
		formula: expressions.NewExprEngine(),
		derived: derived,
		now:     now,
	}
}

// ValidateTriggers reports whether every trigger holds (logical AND). An empty
// list is valid. Repository errors are returned; a malformed trigger config
// simply fails the check.
func (v *TriggerValidator) ValidateTriggers(ctx context.Context, tenantID, entityID string, triggers []schema.Trigger) (bool, error) {
	for _, t := range triggers {
		ok, err := v.validate(ctx, tenantID, entityID, t)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (v *TriggerValidator) validate(ctx context.Context, tenantID, entityID string, t schema.Trigger) (bool, error) {
	if t.Type.IsEventBased() {
		return true, nil
	}
	switch t.Type {
	case schema.TriggerInactivity:
		cfg, err := t.Inactivity()
		if err != nil {
			return false, nil
		}
		return v.inactive(ctx, tenantID, entityID, cfg)
	case schema.TriggerKPIThreshold:
		cfg, err := t.KPIThreshold()
		if err != nil {
			return false, nil
		}
		return v.kpiHolds(ctx, tenantID, entityID, cfg)
	default:
		return false, nil
	}
}

// inactive is true when no listed activity type has a record newer than the
// cutoff.
func (v *TriggerValidator) inactive(ctx context.Context, tenantID, entityID string, cfg *schema.InactivityConfig) (bool, error) {
	if entityID == "" {
		return false, nil
	}
	types := cfg.ActivityTypes
	if len(types) == 0 {
		types = store.DefaultActivityTypes
	}
	cutoff := v.now().Add(-time.Duration(cfg.Days) * 24 * time.Hour)

	for _, activityType := range types {
		latest, err := v.repos.LatestActivity(ctx, tenantID, entityID, activityType)
		if err != nil {
			return false, err
		}
		if latest != nil && latest.After(cutoff) {
			return false, nil
		}
	}
	return true, nil
}

func (v *TriggerValidator) kpiHolds(ctx context.Context, tenantID, entityID string, cfg *schema.KPIThresholdConfig) (bool, error) {
	if entityID == "" {
		return false, nil
	}
	current, ok, err := v.currentMetric(ctx, tenantID, entityID, cfg.Metric)
	if err != nil || !ok {
		return false, err
	}
	return CompareKPI(cfg.Operator, current, cfg.Value), nil
}

// currentMetric resolves a KPI from live state, never from the run snapshot:
// a stored sample first, then a numeric entity field, then a derived formula.
func (v *TriggerValidator) currentMetric(ctx context.Context, tenantID, entityID, metric string) (float64, bool, error) {
	value, ok, err := v.repos.CurrentMetric(ctx, tenantID, entityID, metric)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return value, true, nil
	}

	entity, err := v.repos.GetEntity(ctx, tenantID, entityID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	fields := entity.Fields()
	if raw, exists := fields[metric]; exists {
		if f, numeric := expressions.ToFloat(raw); numeric {
			return f, true, nil
		}
	}

	formula, exists := v.derived[metric]
	if !exists {
		return 0, false, nil
	}
	f, err := v.formula.EvaluateFloat(ctx, formula, fields)
	if err != nil {
		return 0, false, nil
	}
	return f, true, nil
}

// CompareKPI applies a kpi_threshold operator. Unknown operators are false.
func CompareKPI(operator string, current, threshold float64) bool {
	switch operator {
	case schema.KPIAbove:
		return current > threshold
	case schema.KPIBelow:
		return current < threshold
	case schema.KPIEquals:
		return math.Abs(current-threshold) < kpiEqualsTolerance
	default:
		return false
	}
}
