package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/linkval/pkg/engine"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
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

// Default breaker settings.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultSuccessThreshold = 3
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects calls before probing.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes that closes the circuit.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker guards one dependency.
//
// Closed counts consecutive failures and opens at the threshold. Open rejects
// calls until the recovery timeout elapses, then admits trial calls in HalfOpen.
// Any HalfOpen failure reopens; enough HalfOpen successes close it again.
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take their defaults.
func NewCircuitBreaker(name string, cfg BreakerConfig, now func() time.Time, onChange StateChangeFunc) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:     name,
		cfg:      cfg,
		now:      now,
		onChange: onChange,
	}
}

// Name returns the guarded dependency name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. It returns an error matching
// engine.ErrCircuitOpen while the circuit is open.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return engine.NewTransientError(fmt.Sprintf("circuit for %s is open", b.name), nil).
				WithCode(engine.ErrCodeCircuitOpen).
				WithResource(b.name)
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure records a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// transition must be called with mu held.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}
