package expressions

import (
	"context"
	"testing"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	celEngine, err := NewCELEngine()
	require.NoError(t, err)
	return NewConditionEvaluator(celEngine)
}

func TestCondition_Operators(t *testing.T) {
	ev := newEvaluator(t)
	ns := testNamespaces()
	ctx := context.Background()

	tests := []struct {
		name string
		cond schema.Condition
		want bool
	}{
		{"equals string", schema.Condition{Field: "client.stage", Operator: schema.OpEquals, Value: "onboarding"}, true},
		{"equals number across types", schema.Condition{Field: "client.daysInStage", Operator: schema.OpEquals, Value: float64(9)}, true},
		{"not_equals", schema.Condition{Field: "client.stage", Operator: schema.OpNotEquals, Value: "churned"}, true},
		{"not_equals undefined", schema.Condition{Field: "client.missing", Operator: schema.OpNotEquals, Value: "x"}, true},
		{"greater_than", schema.Condition{Field: "client.spend", Operator: schema.OpGreaterThan, Value: 1000}, true},
		{"greater_than numeric string", schema.Condition{Field: "client.spend", Operator: schema.OpGreaterThan, Value: "1500"}, false},
		{"less_than", schema.Condition{Field: "client.daysInStage", Operator: schema.OpLessThan, Value: 10}, true},
		{"less_than non numeric", schema.Condition{Field: "client.stage", Operator: schema.OpLessThan, Value: 10}, false},
		{"contains case-insensitive", schema.Condition{Field: "trigger.message.subject", Operator: schema.OpContains, Value: "RENEWAL"}, true},
		{"contains in tags", schema.Condition{Field: "client.tags", Operator: schema.OpContains, Value: "VIP"}, true},
		{"starts_with", schema.Condition{Field: "trigger.message.from", Operator: schema.OpStartsWith, Value: "OPS@"}, true},
		{"exists", schema.Condition{Field: "client.billing.plan", Operator: schema.OpExists}, true},
		{"exists on null", schema.Condition{Field: "client.billing.seats", Operator: schema.OpExists}, false},
		{"not_exists", schema.Condition{Field: "trigger.nope", Operator: schema.OpNotExists}, true},
		{"equals undefined", schema.Condition{Field: "trigger.nope", Operator: schema.OpEquals, Value: nil}, false},
		{"unknown operator", schema.Condition{Field: "client.stage", Operator: "matches", Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			got, err := ev.Evaluate(ctx, &cond, ns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_ContainsLargeNumber(t *testing.T) {
	ev := newEvaluator(t)
	ns := NewNamespaces(nil, map[string]any{"amount": 2500000.0}, fixedNow)

	ok, err := ev.Evaluate(context.Background(),
		&schema.Condition{Field: "trigger.amount", Operator: schema.OpContains, Value: "2500000"}, ns)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(context.Background(),
		&schema.Condition{Field: "trigger.amount", Operator: schema.OpStartsWith, Value: "25"}, ns)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_NilIsTrue(t *testing.T) {
	ok, err := newEvaluator(t).Evaluate(context.Background(), nil, testNamespaces())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_TimeField(t *testing.T) {
	ev := newEvaluator(t)
	cond := &schema.Condition{Field: "time.hour", Operator: schema.OpGreaterThan, Value: 9}
	ok, err := ev.Evaluate(context.Background(), cond, testNamespaces())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_ClientWithoutSnapshot(t *testing.T) {
	ev := newEvaluator(t)
	ns := NewNamespaces(nil, nil, fixedNow)

	ok, err := ev.Evaluate(context.Background(), &schema.Condition{Field: "client.name", Operator: schema.OpExists}, ns)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondition_CELExpression(t *testing.T) {
	ev := newEvaluator(t)
	ns := testNamespaces()

	ok, err := ev.Evaluate(context.Background(),
		&schema.Condition{Expression: `client.stage == "onboarding" && "vip" in client.tags && time.hour >= 9`}, ns)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(context.Background(),
		&schema.Condition{Expression: `trigger.fromStage == "active"`}, ns)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondition_CELNonBool(t *testing.T) {
	_, err := newEvaluator(t).Evaluate(context.Background(),
		&schema.Condition{Expression: `client.name`}, testNamespaces())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCondition_CELDisabled(t *testing.T) {
	_, err := NewConditionEvaluator(nil).Evaluate(context.Background(),
		&schema.Condition{Expression: `true`}, testNamespaces())
	require.Error(t, err)
}
