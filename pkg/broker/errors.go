package broker

import (
	"fmt"
	"time"
)

// TimeoutError is returned by SendTask when no correlated reply arrives
// before the deadline. The caller decides whether to retry; the runtime
// never retries a timed-out send on its own.
type TimeoutError struct {
	Target        string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply from %s within %v (correlation %s)", e.Target, e.Timeout, e.CorrelationID)
}

// Retryable marks timeouts as safe to retry when the caller chooses to.
func (e *TimeoutError) Retryable() bool { return true }

// UnavailableError indicates the underlying transport failed. Counted as a
// failure by any enclosing circuit breaker.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Retryable marks transport failures as transient.
func (e *UnavailableError) Retryable() bool { return true }
