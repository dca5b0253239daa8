package engine

import (
	"sync"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// CircuitState is the health of one action type's handler.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig tunes WithCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive handler failures that
	// opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects before letting a probe
	// through.
	Cooldown time.Duration
	// HalfOpenMax caps the probes admitted while half-open.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// settle moves an open breaker to half-open once the cooldown has passed.
func (b *breaker) settle(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
}

// CircuitBreakerRegistry short-circuits action types whose handler keeps
// failing, e.g. a notifier whose downstream is down. A rejected action fails
// with ACTION_UNAVAILABLE and its handler is not invoked.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[schema.ActionType]*breaker
}

// NewCircuitBreakerRegistry falls back to DefaultCircuitBreakerConfig when
// cfg has no threshold.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig, now func() time.Time) *CircuitBreakerRegistry {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultCircuitBreakerConfig()
	}
	cfg.HalfOpenMax = max(cfg.HalfOpenMax, 1)
	if now == nil {
		now = time.Now
	}
	return &CircuitBreakerRegistry{cfg: cfg, now: now, breakers: make(map[schema.ActionType]*breaker)}
}

// lookup returns the breaker for t with r.mu held; callers unlock.
func (r *CircuitBreakerRegistry) lookup(t schema.ActionType) *breaker {
	r.mu.Lock()
	b := r.breakers[t]
	if b == nil {
		b = &breaker{}
		r.breakers[t] = b
	}
	b.settle(r.now(), r.cfg.Cooldown)
	return b
}

// AllowRequest returns nil when the handler for t may run.
func (r *CircuitBreakerRegistry) AllowRequest(t schema.ActionType) error {
	b := r.lookup(t)
	defer r.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := r.cfg.Cooldown - r.now().Sub(b.openedAt)
		return schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"action %q is short-circuited after %d consecutive failures", t, b.failures).
			WithDetails(map[string]any{
				"action_type":          string(t),
				"consecutive_failures": b.failures,
				"state":                b.state.String(),
				"cooldown_remaining":   remaining.String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"action %q is half-open and its probe is still running", t)
		}
		b.probes++
	}
	return nil
}

// RecordSuccess closes the circuit for t.
func (r *CircuitBreakerRegistry) RecordSuccess(t schema.ActionType) {
	b := r.lookup(t)
	defer r.mu.Unlock()
	*b = breaker{}
}

// RecordFailure counts a handler failure for t and returns the resulting
// state. A failed probe reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(t schema.ActionType) CircuitState {
	b := r.lookup(t)
	defer r.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

func (r *CircuitBreakerRegistry) GetState(t schema.ActionType) CircuitState {
	b := r.lookup(t)
	defer r.mu.Unlock()
	return b.state
}

// countsTowardBreaker reports whether a handler error points at an
// unhealthy handler rather than a bad config or missing entity.
func countsTowardBreaker(err error) bool {
	return !schema.IsCode(err, schema.ErrCodeValidation) &&
		!schema.IsCode(err, schema.ErrCodeEntityRequired) &&
		!schema.IsCode(err, schema.ErrCodeInterpolation)
}
