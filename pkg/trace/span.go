// Package trace provides span creation/export and cross-message trace
// context propagation for the agent mesh.
package trace

import (
	"time"
)

// Status represents the final status of a span.
type Status string

const (
	StatusUnset Status = "unset"
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Span is one causal unit of a distributed trace. Spans form a tree via
// ParentSpanID within a TraceID. Created at operation entry, finalized and
// exported at exit. Call-scoped: no locking needed.
type Span struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Operation    string         `json:"operation"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at,omitzero"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Status       Status         `json:"status"`
	Err          string         `json:"error,omitempty"`

	sampled bool
}

// Sampled reports whether this span will be exported on end.
func (s *Span) Sampled() bool {
	return s.sampled
}

// SetAttribute records a key/value attribute on the span.
func (s *Span) SetAttribute(key string, value any) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes[key] = value
}

// Duration returns the span duration, or zero if the span is still open.
func (s *Span) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
