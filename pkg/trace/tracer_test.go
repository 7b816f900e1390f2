package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"agentrelay/pkg/proto"
)

func TestStartSpanNewTrace(t *testing.T) {
	exp := NewMemoryExporter()
	tracer := NewTracer(1.0, exp)

	span := tracer.StartSpan("dispatch_task", nil, map[string]any{"agent": "email-agent"})
	if span.TraceID == "" || span.SpanID == "" {
		t.Fatal("expected non-empty trace and span ids")
	}
	if span.ParentSpanID != "" {
		t.Errorf("root span should have no parent, got %q", span.ParentSpanID)
	}
	if !span.Sampled() {
		t.Error("sample rate 1.0 should sample every trace")
	}
	if span.Attributes["agent"] != "email-agent" {
		t.Error("attribute not recorded")
	}
}

func TestStartSpanInheritsParentContext(t *testing.T) {
	tracer := NewTracer(1.0, NewMemoryExporter())

	parent := &proto.TraceContext{
		TraceID: "trace-123",
		SpanID:  "span-parent",
	}
	span := tracer.StartSpan("handle_task", parent, nil)

	if span.TraceID != "trace-123" {
		t.Errorf("child should share trace id, got %q", span.TraceID)
	}
	if span.ParentSpanID != "span-parent" {
		t.Errorf("parent span id not inherited, got %q", span.ParentSpanID)
	}
	if span.SpanID == parent.SpanID {
		t.Error("child must get a fresh span id")
	}
}

func TestEndSpanExportsWhenSampled(t *testing.T) {
	exp := NewMemoryExporter()
	tracer := NewTracer(1.0, exp)

	span := tracer.StartSpan("send_campaign", nil, nil)
	tracer.EndSpan(span, StatusOK, nil)

	spans := exp.Spans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	if spans[0].Status != StatusOK {
		t.Errorf("status = %q, want ok", spans[0].Status)
	}
	if spans[0].EndedAt.IsZero() {
		t.Error("EndedAt not set")
	}
	if spans[0].Duration() < 0 {
		t.Error("negative duration")
	}
}

func TestUnsampledSpanKeepsRealIDs(t *testing.T) {
	exp := NewMemoryExporter()
	tracer := NewTracer(0, exp)

	span := tracer.StartSpan("dispatch_task", nil, nil)
	if span.Sampled() {
		t.Fatal("sample rate 0 should never sample")
	}
	if span.TraceID == "" || span.SpanID == "" {
		t.Error("unsampled spans still need real ids for propagation")
	}

	tracer.EndSpan(span, StatusOK, nil)
	if len(exp.Spans()) != 0 {
		t.Error("unsampled span must not be exported")
	}
}

func TestSamplingDecisionIsPerTrace(t *testing.T) {
	// With rate 0.5 the per-trace cache must make child spans agree with
	// their root regardless of the coin flips in between.
	tracer := NewTracer(0.5, NewMemoryExporter())

	for i := 0; i < 20; i++ {
		root := tracer.StartSpan("root", nil, nil)
		tc := tracer.Inject(root)
		child := tracer.StartSpan("child", tc, nil)

		if root.Sampled() != child.Sampled() {
			t.Fatal("spans of one trace must share the sampling decision")
		}
		tracer.EndSpan(child, StatusOK, nil)
		tracer.EndSpan(root, StatusOK, nil)
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	exp := NewMemoryExporter()
	tracer := NewTracer(1.0, exp)

	span := tracer.StartSpan("handle_task", nil, nil)
	tracer.EndSpan(span, StatusError, errors.New("smtp unavailable"))

	spans := exp.Spans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Err != "smtp unavailable" {
		t.Errorf("error not recorded, got %q", spans[0].Err)
	}
}

func TestInject(t *testing.T) {
	tracer := NewTracer(1.0, nil)

	parent := &proto.TraceContext{TraceID: "trace-1", SpanID: "span-0"}
	span := tracer.StartSpan("op", parent, nil)

	tc := tracer.Inject(span)
	if tc.TraceID != "trace-1" {
		t.Errorf("TraceID = %q", tc.TraceID)
	}
	if tc.SpanID != span.SpanID {
		t.Errorf("SpanID = %q, want %q", tc.SpanID, span.SpanID)
	}
	if tc.ParentSpanID != "span-0" {
		t.Errorf("ParentSpanID = %q", tc.ParentSpanID)
	}

	if tracer.Inject(nil) != nil {
		t.Error("Inject(nil) should return nil")
	}
}

func TestWithSpan(t *testing.T) {
	exp := NewMemoryExporter()
	tracer := NewTracer(1.0, exp)

	err := tracer.WithSpan(context.Background(), "ok_op", nil, nil, func(ctx context.Context, span *Span) error {
		span.SetAttribute("k", "v")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantErr := errors.New("boom")
	err = tracer.WithSpan(context.Background(), "err_op", nil, nil, func(ctx context.Context, span *Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error not passed through: %v", err)
	}

	spans := exp.Spans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status != StatusOK {
		t.Errorf("first span status = %q", spans[0].Status)
	}
	if spans[1].Status != StatusError || spans[1].Err != "boom" {
		t.Errorf("second span status = %q err = %q", spans[1].Status, spans[1].Err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "spans.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	tracer := NewTracer(1.0, store)

	root := tracer.StartSpan("dispatch_task", nil, map[string]any{"task_type": "send_campaign"})
	child := tracer.StartSpan("handle_task", tracer.Inject(root), nil)
	tracer.EndSpan(child, StatusOK, nil)
	tracer.EndSpan(root, StatusOK, nil)

	count, err := store.CountByTrace(root.TraceID)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 stored spans, got %d", count)
	}
}
