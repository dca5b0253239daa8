package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil)
	assert.NoError(t, cbr.AllowRequest(schema.ActionCreateTask))
	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionCreateTask))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, clock.Now)

	cbr.RecordFailure(schema.ActionSendNotification)
	cbr.RecordFailure(schema.ActionSendNotification)
	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionSendNotification))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure(schema.ActionSendNotification))

	err := cbr.AllowRequest(schema.ActionSendNotification)
	require.Error(t, err)
	var ae *schema.AutomationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeActionUnavailable, ae.Code)
	assert.Equal(t, 3, ae.Details["consecutive_failures"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	cbr.RecordFailure(schema.ActionCreateAlert)
	cbr.RecordFailure(schema.ActionCreateAlert)
	cbr.RecordSuccess(schema.ActionCreateAlert)
	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionCreateAlert))

	cbr.RecordFailure(schema.ActionCreateAlert)
	cbr.RecordFailure(schema.ActionCreateAlert)
	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionCreateAlert))
	cbr.RecordFailure(schema.ActionCreateAlert)
	assert.Equal(t, CircuitOpen, cbr.GetState(schema.ActionCreateAlert))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cbr := NewCircuitBreakerRegistry(testBreakerConfig(), clock.Now)

	cbr.RecordFailure(schema.ActionCreateTicket)
	cbr.RecordFailure(schema.ActionCreateTicket)
	assert.Equal(t, CircuitOpen, cbr.GetState(schema.ActionCreateTicket))

	clock.Advance(61 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState(schema.ActionCreateTicket))
	assert.NoError(t, cbr.AllowRequest(schema.ActionCreateTicket))
}

func TestCircuitBreaker_HalfOpenToClosedOnSuccess(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cbr := NewCircuitBreakerRegistry(testBreakerConfig(), clock.Now)

	cbr.RecordFailure(schema.ActionCreateTask)
	cbr.RecordFailure(schema.ActionCreateTask)
	clock.Advance(2 * time.Minute)

	require.NoError(t, cbr.AllowRequest(schema.ActionCreateTask))
	cbr.RecordSuccess(schema.ActionCreateTask)
	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionCreateTask))
}

func TestCircuitBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cbr := NewCircuitBreakerRegistry(testBreakerConfig(), clock.Now)

	cbr.RecordFailure(schema.ActionCreateTask)
	cbr.RecordFailure(schema.ActionCreateTask)
	clock.Advance(2 * time.Minute)

	require.NoError(t, cbr.AllowRequest(schema.ActionCreateTask))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure(schema.ActionCreateTask))
}

func TestCircuitBreaker_HalfOpenMaxRequests(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cbr := NewCircuitBreakerRegistry(testBreakerConfig(), clock.Now)

	cbr.RecordFailure(schema.ActionUpdateEntity)
	cbr.RecordFailure(schema.ActionUpdateEntity)
	clock.Advance(2 * time.Minute)

	assert.NoError(t, cbr.AllowRequest(schema.ActionUpdateEntity))
	assert.Error(t, cbr.AllowRequest(schema.ActionUpdateEntity))
}

func TestCircuitBreaker_PerActionTypeIsolation(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(testBreakerConfig(), nil)

	cbr.RecordFailure(schema.ActionSendNotification)
	cbr.RecordFailure(schema.ActionSendNotification)
	assert.Equal(t, CircuitOpen, cbr.GetState(schema.ActionSendNotification))

	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionCreateTask))
	assert.NoError(t, cbr.AllowRequest(schema.ActionCreateTask))
}

func TestCircuitBreaker_ZeroConfigUsesDefaults(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{}, nil)
	for i := 0; i < 4; i++ {
		cbr.RecordFailure(schema.ActionCreateTask)
	}
	assert.Equal(t, CircuitClosed, cbr.GetState(schema.ActionCreateTask))
	cbr.RecordFailure(schema.ActionCreateTask)
	assert.Equal(t, CircuitOpen, cbr.GetState(schema.ActionCreateTask))
}

func TestCountsTowardBreaker(t *testing.T) {
	assert.True(t, countsTowardBreaker(errors.New("connection reset")))
	assert.True(t, countsTowardBreaker(schema.NewError(schema.ErrCodeStore, "db down")))
	assert.False(t, countsTowardBreaker(schema.NewError(schema.ErrCodeValidation, "title required")))
	assert.False(t, countsTowardBreaker(schema.NewError(schema.ErrCodeEntityRequired, "no entity")))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
