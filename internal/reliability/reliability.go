// Package reliability wires the internal/errors CircuitBreaker
// and Retry helpers into named per-phase policies (search, graph, cache,
// storage), adding a fallback so every call site sees either a primary
// result, a degraded fallback result, or a single surfaced error, never a
// raw transport failure. It is built directly on
// internal/errors.CircuitExecuteWithResult and
// internal/errors.RetryWithResult rather than reimplementing either.
package reliability

import (
	"context"
	"errors"
	"time"

	coreerrors "github.com/codeintel/corpusindex/internal/errors"
)

// Phase names one of the four per-phase reliability policies.
type Phase string

const (
	PhaseSearch  Phase = "search"
	PhaseGraph   Phase = "graph"
	PhaseCache   Phase = "cache"
	PhaseStorage Phase = "storage"
)

// PolicyConfig is one phase's timeout/retry/circuit-breaker parameters.
type PolicyConfig struct {
	Timeout          time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	CircuitThreshold int
	RecoveryWindow   time.Duration
}

// defaultConfigs is the per-phase default table.
var defaultConfigs = map[Phase]PolicyConfig{
	PhaseSearch:  {Timeout: 5 * time.Second, RetryAttempts: 3, RetryBaseDelay: 1 * time.Second, CircuitThreshold: 5, RecoveryWindow: 30 * time.Second},
	PhaseGraph:   {Timeout: 8 * time.Second, RetryAttempts: 2, RetryBaseDelay: 2 * time.Second, CircuitThreshold: 3, RecoveryWindow: 30 * time.Second},
	PhaseCache:   {Timeout: 1 * time.Second, RetryAttempts: 2, RetryBaseDelay: 200 * time.Millisecond, CircuitThreshold: 10, RecoveryWindow: 15 * time.Second},
	PhaseStorage: {Timeout: 2 * time.Second, RetryAttempts: 2, RetryBaseDelay: 500 * time.Millisecond, CircuitThreshold: 5, RecoveryWindow: 30 * time.Second},
}

// Policy is one phase's live reliability envelope: a circuit breaker plus
// retry configuration, both built on the internal/errors primitives.
type Policy struct {
	phase      Phase
	cfg        PolicyConfig
	breaker    *coreerrors.CircuitBreaker
	retryCfg   coreerrors.RetryConfig
}

// Envelope holds one Policy per phase.
type Envelope struct {
	policies map[Phase]*Policy
}

// New builds an envelope with the default per-phase parameters.
func New() *Envelope {
	return NewWithConfig(defaultConfigs)
}

// NewWithConfig builds an envelope, merging the supplied overrides over
// the defaults.
func NewWithConfig(overrides map[Phase]PolicyConfig) *Envelope {
	e := &Envelope{policies: make(map[Phase]*Policy)}
	for phase, cfg := range defaultConfigs {
		if o, ok := overrides[phase]; ok {
			cfg = o
		}
		e.policies[phase] = newPolicy(phase, cfg)
	}
	return e
}

func newPolicy(phase Phase, cfg PolicyConfig) *Policy {
	return &Policy{
		phase: phase,
		cfg:   cfg,
		breaker: coreerrors.NewCircuitBreaker(
			string(phase),
			coreerrors.WithMaxFailures(cfg.CircuitThreshold),
			coreerrors.WithResetTimeout(cfg.RecoveryWindow),
		),
		retryCfg: coreerrors.RetryConfig{
			MaxRetries:   cfg.RetryAttempts,
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryBaseDelay * 8,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Policy returns the live policy for a phase, or nil if unknown.
func (e *Envelope) Policy(phase Phase) *Policy {
	return e.policies[phase]
}

// CircuitState reports the current circuit state for a phase, for the
// circuit_state{phase} metric series.
func (e *Envelope) CircuitState(phase Phase) string {
	p, ok := e.policies[phase]
	if !ok {
		return "unknown"
	}
	return p.breaker.State().String()
}

// isPermanent reports whether err is a CoreError explicitly marked
// non-retryable. Anything unclassified counts as transient.
func isPermanent(err error) bool {
	var ce *coreerrors.CoreError
	return errors.As(err, &ce) && !ce.Retryable
}

// Outcome records how a Call resolved, for metrics and the stopping
// condition taxonomy.
type Outcome struct {
	Degraded bool
	Err      error
}

// Call runs fn under the phase's timeout and retry policy, routed through
// its circuit breaker, falling back to fallback if fn fails terminally
// (circuit open, or retries exhausted on a non-retryable-exhausted
// error). Cancellation of ctx aborts retries immediately.
func Call[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, Outcome) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	attempt := func() (T, error) {
		// First attempt outside the retry loop: a CoreError explicitly
		// marked non-retryable (validation, fatal) must not be retried.
		// Unclassified errors are treated as transient.
		result, err := fn(callCtx)
		if err == nil || isPermanent(err) {
			return result, err
		}
		return coreerrors.RetryWithResult(callCtx, p.retryCfg, func() (T, error) {
			return fn(callCtx)
		})
	}

	fallbackInvoked := false
	runFallback := func() (T, error) {
		fallbackInvoked = true
		if fallback != nil {
			return fallback(callCtx)
		}
		var zero T
		return zero, coreerrors.ErrCircuitOpen
	}

	result, err := coreerrors.CircuitExecuteWithResult(p.breaker, attempt, runFallback)
	if err == nil {
		return result, Outcome{Degraded: fallbackInvoked}
	}

	// The closed-circuit path returns the original error directly without
	// invoking the fallback; do so now so callers always get a degraded
	// result when one is available.
	if !fallbackInvoked && fallback != nil {
		fb, fbErr := fallback(callCtx)
		if fbErr == nil {
			return fb, Outcome{Degraded: true, Err: err}
		}
		return fb, Outcome{Degraded: true, Err: fbErr}
	}

	return result, Outcome{Degraded: fallbackInvoked, Err: err}
}
