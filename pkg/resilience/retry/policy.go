// Package retry provides bounded exponential-backoff-with-jitter re-invocation
// of failed operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"agentrelay/pkg/proto"
	"agentrelay/pkg/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`       // Retries after the initial attempt
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`   // Base delay before first retry
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`           // Cap on the pre-jitter delay
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"` // Multiplier for exponential backoff
	JitterRange   time.Duration `json:"jitter_range" yaml:"jitter_range"`     // Jitter drawn uniformly from [0, JitterRange]
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	JitterRange:   50 * time.Millisecond,
}

// Retryable allows errors to declare whether they should be retried.
type Retryable interface {
	error
	Retryable() bool
}

// ExhaustedError wraps the last error after all retry attempts failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Validation errors and circuit
// rejections are never retried; context cancellation ends the chain; errors
// carrying an explicit Retryable flag are honored; everything else is treated
// as non-retryable.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Never retry context cancellation.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Never retry circuit breaker rejections in the same chain - the breaker
	// gate handles recovery on its own clock.
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	// Never retry malformed construction.
	var validationErr *proto.ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	// Honor explicit retryability declarations.
	var retryableErr Retryable
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable()
	}

	return false
}

// Observer is notified of retry attempts and exhaustion for monitoring.
type Observer interface {
	OnRetry(op string, attempt int, delay time.Duration, err error)
	OnExhausted(op string, attempts int, err error)
}

// Sleeper abstracts the delay between attempts so tests can run
// deterministically. It returns the context error when cancelled mid-sleep.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// Policy encapsulates retry configuration and logic. A Policy is call-scoped
// in effect: Execute keeps all per-invocation state on the stack, so one
// Policy can be shared by concurrent callers.
type Policy struct {
	Config     Config
	Classifier Classifier
	Observer   Observer
	Sleep      Sleeper

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a retry policy with the given configuration. A nil
// classifier falls back to ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
		Sleep:      defaultSleep,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Jitter does not need crypto randomness
	}
}

// Delay computes the pre-jitter delay after the given zero-based attempt:
// InitialDelay * BackoffFactor^attempt, capped at MaxDelay. Non-decreasing in
// attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	return delay
}

// Jitter draws a uniform value from [0, JitterRange].
func (p *Policy) Jitter() time.Duration {
	if p.Config.JitterRange <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(p.Config.JitterRange) + 1))
}

// Execute runs op with up to MaxRetries re-invocations. Success returns
// immediately; a non-retryable failure is returned as-is; exhaustion returns
// the last error wrapped in *ExhaustedError.
func (p *Policy) Execute(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.Config.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.Classifier(err) {
			return err
		}
		if attempt == p.Config.MaxRetries {
			break
		}

		delay := p.Delay(attempt) + p.Jitter()
		if p.Observer != nil {
			p.Observer.OnRetry(operation, attempt+1, delay, err)
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	if p.Observer != nil {
		p.Observer.OnExhausted(operation, p.Config.MaxRetries+1, lastErr)
	}
	return &ExhaustedError{Attempts: p.Config.MaxRetries + 1, Last: lastErr}
}
