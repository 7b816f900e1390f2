package runtime

import (
	"fmt"
)

// ConfigurationError indicates invalid runtime setup, such as registering two
// handlers for the same task type. Never retried.
type ConfigurationError struct {
	AgentID string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("agent %s misconfigured: %s", e.AgentID, e.Reason)
}

// Retryable marks configuration problems as permanent.
func (e *ConfigurationError) Retryable() bool { return false }

// HandlerError is the typed failure a task handler returns. Kind travels in
// the Error message's payload so the calling agent can branch on it; the
// Transient flag drives the runtime's retry decision.
type HandlerError struct {
	Kind      string
	Message   string
	Transient bool
	Err       error
}

// NewHandlerError builds a handler failure. retryable marks failures the
// runtime may re-attempt before giving up.
func NewHandlerError(kind, message string, retryable bool) *HandlerError {
	return &HandlerError{Kind: kind, Message: message, Transient: retryable}
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *HandlerError) Retryable() bool { return e.Transient }
