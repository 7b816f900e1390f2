package trace

import (
	"sync"

	"agentrelay/pkg/eventlog"
	"agentrelay/pkg/logx"
)

// LogExporter writes completed spans to the structured log. Minimal exporter
// suitable for development and tests.
type LogExporter struct {
	logger *logx.Logger
}

// NewLogExporter creates a log-sink exporter.
func NewLogExporter(logger *logx.Logger) *LogExporter {
	if logger == nil {
		logger = logx.NewLogger("trace")
	}
	return &LogExporter{logger: logger}
}

// Export logs one line per completed span.
func (e *LogExporter) Export(span *Span) {
	e.logger.Info("span %s trace=%s parent=%s op=%s status=%s duration=%v err=%q",
		span.SpanID, span.TraceID, span.ParentSpanID, span.Operation, span.Status, span.Duration(), span.Err)
}

// FileExporter writes completed spans as JSONL records through the rotating
// event log writer.
type FileExporter struct {
	writer *eventlog.Writer
}

// NewFileExporter creates a JSONL file exporter rooted at the given
// directory.
func NewFileExporter(dir string) (*FileExporter, error) {
	writer, err := eventlog.NewWriter(dir, "spans")
	if err != nil {
		return nil, err
	}
	return &FileExporter{writer: writer}, nil
}

// Export appends the span to the current JSONL file.
func (e *FileExporter) Export(span *Span) {
	if err := e.writer.WriteRecord(span); err != nil {
		logx.Warnf("failed to export span %s: %v", span.SpanID, err)
	}
}

// Close flushes and closes the underlying writer.
func (e *FileExporter) Close() error {
	return e.writer.Close()
}

// MemoryExporter collects spans in memory. Test helper.
type MemoryExporter struct {
	mu    sync.Mutex
	spans []*Span
}

// NewMemoryExporter creates an in-memory exporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

// Export appends the span to the in-memory collection.
func (e *MemoryExporter) Export(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, span)
}

// Spans returns a copy of the collected spans.
func (e *MemoryExporter) Spans() []*Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Span, len(e.spans))
	copy(out, e.spans)
	return out
}
