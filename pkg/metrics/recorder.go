// Package metrics provides metrics recording and querying for message
// dispatch, task execution, and resilience components.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording relay operation metrics.
type Recorder interface {
	// ObserveTask records a completed task execution on an agent.
	ObserveTask(agentID, taskType, status, errorKind string, duration time.Duration)

	// ObserveDispatch records end-to-end dispatch latency for a routed message.
	ObserveDispatch(msgType string, duration time.Duration)

	// IncMessage counts a routed message by type and topic.
	IncMessage(msgType, topic string)

	// IncRetry counts one retry attempt for an operation.
	IncRetry(operation string)

	// IncRetryExhausted counts an operation giving up after all retries.
	IncRetryExhausted(operation string)

	// RecordBreakerTransition counts a circuit breaker state transition.
	RecordBreakerTransition(name, from, to string)

	// SetQueueDepth records the current depth of a named queue.
	SetQueueDepth(queue string, depth int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveTask does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTask(_, _, _, _ string, _ time.Duration) {}

// ObserveDispatch does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveDispatch(_ string, _ time.Duration) {}

// IncMessage does nothing in the no-op recorder.
func (n *NoopRecorder) IncMessage(_, _ string) {}

// IncRetry does nothing in the no-op recorder.
func (n *NoopRecorder) IncRetry(_ string) {}

// IncRetryExhausted does nothing in the no-op recorder.
func (n *NoopRecorder) IncRetryExhausted(_ string) {}

// RecordBreakerTransition does nothing in the no-op recorder.
func (n *NoopRecorder) RecordBreakerTransition(_, _, _ string) {}

// SetQueueDepth does nothing in the no-op recorder.
func (n *NoopRecorder) SetQueueDepth(_ string, _ int) {}
