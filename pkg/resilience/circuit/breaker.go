// Package circuit provides a per-resource circuit breaker guarding calls to
// unhealthy dependencies.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if the resource recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Failures before opening circuit
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"` // Successes to close from half-open
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`                     // Time to wait before trying half-open
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          30 * time.Second,
}

// Error represents a fast rejection while the circuit is open or half-open.
// It is never retryable within the same call chain.
type Error struct {
	Name  string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Retryable marks circuit rejections as non-retryable for retry classifiers.
func (e *Error) Retryable() bool {
	return false
}

// Observer is notified of state transitions. It must not block: the breaker
// invokes it outside its lock but on the calling goroutine.
type Observer func(name string, from, to State)

// Stats provides a snapshot of breaker state for monitoring.
type Stats struct {
	Name         string     `json:"name"`
	State        State      `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	OpenSince    *time.Time `json:"open_since,omitempty"`
}

// Breaker implements the Closed/Open/HalfOpen state machine for one named
// resource. A single instance is shared by all callers of that resource;
// state mutation is serialized by an internal mutex.
type Breaker struct {
	name            string
	config          Config
	observer        Observer
	mu              sync.RWMutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a new circuit breaker for the named resource.
func New(name string, config Config, observer Observer) *Breaker {
	return &Breaker{
		name:     name,
		config:   config,
		observer: observer,
		state:    Closed,
	}
}

// Name returns the protected resource name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op under the breaker. When the circuit is open and the timeout
// has not elapsed it fails fast with *Error without invoking op. Otherwise op
// is invoked and its result recorded; the original error is returned after
// bookkeeping.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.Allow() {
		return &Error{Name: b.name, State: b.State()}
	}

	err := op(ctx)
	b.Record(err == nil)
	return err
}

// Allow checks if a request should be allowed based on current state. An Open
// breaker whose timeout has elapsed transitions to HalfOpen and allows the
// probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	var transition *[2]State
	allowed := false

	switch b.state {
	case Closed:
		allowed = true

	case Open:
		if time.Since(b.lastFailureTime) >= b.config.Timeout {
			transition = &[2]State{Open, HalfOpen}
			b.state = HalfOpen
			b.successCount = 0
			allowed = true
		}

	case HalfOpen:
		allowed = true
	}

	b.mu.Unlock()

	if transition != nil {
		b.notify(transition[0], transition[1])
	}
	return allowed
}

// Record records the success or failure of a request.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()

	var transition *[2]State
	if success {
		transition = b.onSuccess()
	} else {
		transition = b.onFailure()
	}

	b.mu.Unlock()

	if transition != nil {
		b.notify(transition[0], transition[1])
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetStats returns a snapshot of the breaker's counters and state.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}

	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		stats.LastFailure = &t
	}
	if b.state == Open {
		t := b.lastFailureTime
		stats.OpenSince = &t
	}

	return stats
}

// Reset manually resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

// onSuccess handles a successful request. Caller holds the lock.
func (b *Breaker) onSuccess() *[2]State {
	switch b.state {
	case Closed:
		b.failureCount = 0

	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			return &[2]State{HalfOpen, Closed}
		}
	}
	return nil
}

// onFailure handles a failed request. Caller holds the lock.
func (b *Breaker) onFailure() *[2]State {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
			return &[2]State{Closed, Open}
		}

	case HalfOpen:
		// Any failure in half-open immediately reopens the circuit.
		b.state = Open
		b.successCount = 0
		return &[2]State{HalfOpen, Open}
	}
	return nil
}

func (b *Breaker) notify(from, to State) {
	if b.observer != nil {
		b.observer(b.name, from, to)
	}
}
