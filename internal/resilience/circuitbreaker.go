// Package resilience provides the circuit breaker that guards every outbound
// side effect of the pipeline: UI sends, webhook notifications and history
// writes.
//
// [CircuitBreaker] is a classic three-state breaker (closed, open, half-open).
// While open it fails fast with [ErrCircuitOpen], so a dead transport costs a
// detection cycle nothing. Calls made through [CircuitBreaker.Do] are also
// bounded by a per-call timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again,
	// and the cap on concurrent probes. Default: 1.
	HalfOpenMax int

	// CallTimeout bounds each call made through [CircuitBreaker.Do]. Zero
	// means no extra deadline.
	CallTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker. Default:
	// every non-nil error except context.Canceled.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probesInFlight  int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Do runs fn with a context bounded by CallTimeout if the breaker allows it.
// A call rejected by the breaker returns [ErrCircuitOpen] and fn never runs.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	if cb.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probesInFlight = 0
		cb.probeSuccesses = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.probesInFlight >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.probesInFlight++
			probe = true
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, err
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	failed := cb.cfg.IsFailure(err)

	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probesInFlight--
		if cb.state != StateHalfOpen {
			// Another probe already decided the outcome.
			cb.mu.Unlock()
			return
		}
		if failed {
			cb.trip()
		} else if cb.probeSuccesses++; cb.probeSuccesses >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
		}
	} else if failed {
		cb.consecutiveFail++
		if cb.state == StateClosed && cb.consecutiveFail >= cb.cfg.MaxFailures {
			cb.trip()
		}
	} else if cb.state == StateClosed {
		cb.consecutiveFail = 0
	}
	to := cb.state
	failures := cb.consecutiveFail
	cb.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", failures, "err", err)
	case StateClosed:
		slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
	}
	cb.notify(from, to)
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to || cb.cfg.OnStateChange == nil {
		return
	}
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
