package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitState is a point-in-time view of a breaker.
type CircuitState struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	LastFailureAt    *time.Time    `json:"last_failure_at,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the protected dependency in errors and logs.
	Name string

	// FailureThreshold is the number of consecutive expected failures that
	// opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open after the last
	// failure before a trial call is allowed.
	RecoveryTimeout time.Duration

	// IsExpected classifies errors that count as dependency failures. Other
	// errors are returned to the caller without touching the state. Nil
	// means every error except context cancellation.
	IsExpected func(err error) bool

	// Now replaces time.Now.
	Now func() time.Time
}

// CircuitBreaker guards calls to one dependency. It is safe for concurrent
// use.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	isExpected       func(err error) bool
	now              func() time.Time
	logger           *slog.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	trialRunning  bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.IsExpected == nil {
		cfg.IsExpected = defaultIsExpected
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		isExpected:       cfg.IsExpected,
		now:              cfg.Now,
		logger:           logger.With("component", "circuit_breaker", "breaker", cfg.Name),
		state:            StateClosed,
	}
}

func defaultIsExpected(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Call runs op if the breaker permits it and records the outcome.
func (b *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(trial, fmt.Errorf("operation panicked: %v", r))
			panic(r)
		}
	}()

	opErr := op(ctx)
	b.record(trial, opErr)
	return opErr
}

// Execute is the value-returning form of Call.
func Execute[T any](ctx context.Context, b *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Call(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// acquire decides whether a call may proceed. It reports whether the call
// is the half-open trial.
func (b *CircuitBreaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) < b.recoveryTimeout {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.transition(StateHalfOpen)
		b.trialRunning = true
		return true, nil
	default: // half-open
		if b.trialRunning {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.trialRunning = true
		return true, nil
	}
}

func (b *CircuitBreaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialRunning = false
	}

	switch {
	case err == nil:
		b.failureCount = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
	case !b.isExpected(err):
		// Unexpected errors pass through. A trial that ends this way leaves
		// the breaker half-open for the next caller.
	default:
		b.failureCount++
		b.lastFailureAt = b.now()
		if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
			if b.state != StateOpen {
				b.transition(StateOpen)
			}
		}
	}
}

// transition must be called with mu held.
func (b *CircuitBreaker) transition(to State) {
	b.logger.Info("circuit breaker state change",
		"from", b.state,
		"to", to,
		"failure_count", b.failureCount)
	b.state = to
}

// State returns the current state. An open breaker whose recovery timeout
// elapsed still reports open until the next call.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the full breaker state.
func (b *CircuitBreaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := CircuitState{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  b.recoveryTimeout,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}

// Reset forces the breaker closed and clears the failure count.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.trialRunning = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}
