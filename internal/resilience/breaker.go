package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed lets calls through and counts failures.
	StateClosed CircuitState = iota
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the breaker rejects a call outright.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe slot is taken.
	ErrTooManyRequests = errors.New("circuit breaker is half-open, probe already in flight")
)

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe is allowed.
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests is how many probes run while half-open.
	HalfOpenMaxRequests int
	// IsFailure decides whether an error counts against the upstream.
	// Nil counts every error except context cancellation.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock held; keep it cheap.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns the breaker settings used for GitHub and email.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// UpstreamFailure counts only errors that say something about the health of
// the remote service. Auth, access and validation failures belong to one
// tenant and must not open a breaker shared by everyone.
func UpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindAuth, KindAccess, KindValidation:
		return false
	default:
		return true
	}
}

// CircuitBreaker guards one remote service. It is safe for concurrent use and
// meant to be shared by every caller of that service.
type CircuitBreaker struct {
	name             string
	config           BreakerConfig
	logger           *zap.Logger
	now              func() time.Time
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger sets the logger used for state transitions.
func WithBreakerLogger(logger *zap.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = logger }
}

// NewCircuitBreaker creates a closed breaker for the named service.
func NewCircuitBreaker(name string, config BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold < 1 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.HalfOpenMaxRequests < 1 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Call executes fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		state, failures := cb.snapshot()
		return fmt.Errorf("%s: circuit breaker rejected request (%v, %d consecutive failures): %w",
			cb.name, state, failures, err)
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenRequests = 1 // this call is the first probe
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
		return nil

	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Client-side cancellation says nothing about the upstream
	if errors.Is(err, context.Canceled) {
		if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		return
	}

	isFailure := cb.config.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	if err == nil || !isFailure(err) {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	cb.lastFailureTime = time.Time{}
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateOpen:
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	if newState != StateHalfOpen {
		cb.halfOpenRequests = 0
	}

	cb.logger.Info("circuit breaker state transition",
		zap.String("service", cb.name),
		zap.Stringer("old_state", oldState),
		zap.Stringer("new_state", newState),
		zap.Int("consecutive_failures", cb.failures))

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

func (cb *CircuitBreaker) snapshot() (CircuitState, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures
}

// Name returns the guarded service name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	state, _ := cb.snapshot()
	return state
}

// Failures returns the current number of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	_, failures := cb.snapshot()
	return failures
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastFailureTime = time.Time{}
	cb.halfOpenRequests = 0
	cb.setState(StateClosed)
}
