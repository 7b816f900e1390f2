package trace

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrelay/pkg/proto"
)

// Exporter receives completed spans. A log sink is the minimal
// implementation; network exporters plug in behind the same interface.
type Exporter interface {
	Export(span *Span)
}

// Tracer creates, finalizes, and exports spans. SampleRate in [0,1] controls
// which traces are exported: unsampled spans still get real ids so trace
// continuity is preserved across agents, but they are not handed to the
// exporter.
type Tracer struct {
	exporter   Exporter
	sampleRate float64

	mu  sync.Mutex
	rng *rand.Rand

	// Sampling decisions are per-trace so a trace is exported whole or not
	// at all.
	decisionsMu sync.Mutex
	decisions   map[string]bool
}

// NewTracer creates a tracer with the given sample rate and exporter. A nil
// exporter disables export entirely.
func NewTracer(sampleRate float64, exporter Exporter) *Tracer {
	if sampleRate < 0 {
		sampleRate = 0
	}
	if sampleRate > 1 {
		sampleRate = 1
	}
	return &Tracer{
		exporter:   exporter,
		sampleRate: sampleRate,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Sampling does not need crypto randomness
		decisions:  make(map[string]bool),
	}
}

// StartSpan opens a span for the named operation. When a parent context
// (extracted from an inbound message) is given, the trace id and parent span
// id are inherited; otherwise a new trace is started.
func (t *Tracer) StartSpan(operation string, parent *proto.TraceContext, attrs map[string]any) *Span {
	span := &Span{
		SpanID:    uuid.NewString(),
		Operation: operation,
		StartedAt: time.Now().UTC(),
		Status:    StatusUnset,
	}

	if parent != nil && parent.TraceID != "" {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
	} else {
		span.TraceID = uuid.NewString()
	}

	for k, v := range attrs {
		span.SetAttribute(k, v)
	}

	span.sampled = t.sampleTrace(span.TraceID)
	return span
}

// EndSpan finalizes the span with the given status, records the exception if
// any, and hands the span to the exporter when sampled.
func (t *Tracer) EndSpan(span *Span, status Status, err error) {
	if span == nil {
		return
	}

	span.EndedAt = time.Now().UTC()
	span.Status = status
	if err != nil {
		span.Err = err.Error()
	}

	if span.sampled && t.exporter != nil {
		t.exporter.Export(span)
	}

	// The trace decision cache only needs to survive while spans of the
	// trace are open; root-span end is a good enough eviction point.
	if span.ParentSpanID == "" {
		t.forgetTrace(span.TraceID)
	}
}

// Inject serializes the span's identifiers into a trace context for embedding
// in an outbound message, continuing the trace in the receiving agent.
func (t *Tracer) Inject(span *Span) *proto.TraceContext {
	if span == nil {
		return nil
	}
	return &proto.TraceContext{
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		ParentSpanID: span.ParentSpanID,
	}
}

// WithSpan runs fn inside a span: the span is started before fn and ended
// with a status derived from fn's error. The error is returned unchanged.
func (t *Tracer) WithSpan(ctx context.Context, operation string, parent *proto.TraceContext, attrs map[string]any, fn func(ctx context.Context, span *Span) error) error {
	span := t.StartSpan(operation, parent, attrs)

	err := fn(ctx, span)
	if err != nil {
		t.EndSpan(span, StatusError, err)
	} else {
		t.EndSpan(span, StatusOK, nil)
	}
	return err
}

// sampleTrace returns the sampling decision for a trace, making one on first
// sight so all spans of a trace share it.
func (t *Tracer) sampleTrace(traceID string) bool {
	t.decisionsMu.Lock()
	defer t.decisionsMu.Unlock()

	if decision, exists := t.decisions[traceID]; exists {
		return decision
	}

	decision := t.roll()
	t.decisions[traceID] = decision
	return decision
}

func (t *Tracer) forgetTrace(traceID string) {
	t.decisionsMu.Lock()
	defer t.decisionsMu.Unlock()
	delete(t.decisions, traceID)
}

func (t *Tracer) roll() bool {
	if t.sampleRate >= 1 {
		return true
	}
	if t.sampleRate <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.sampleRate
}
