package agent

import "context"

// TraceRecorder collects the spans of one task. The tracing package
// provides the implementation; the engine only sees this interface.
type TraceRecorder interface {
	StartSpan(name string) SpanHandle
	RecordEvent(name string, metadata map[string]any)
}

// SpanHandle is an open span.
type SpanHandle interface {
	Set(key string, value any) SpanHandle
	End()
}

type traceKey struct{}

// WithTraceRecorder attaches tr to ctx.
func WithTraceRecorder(ctx context.Context, tr TraceRecorder) context.Context {
	return context.WithValue(ctx, traceKey{}, tr)
}

// TraceFromContext returns the task's recorder, or nil when the task is
// not traced.
func TraceFromContext(ctx context.Context) TraceRecorder {
	tr, _ := ctx.Value(traceKey{}).(TraceRecorder)
	return tr
}

// StartSpan opens a span on the task's recorder. Untraced tasks get a
// span that discards everything, so callers need no nil checks.
func StartSpan(ctx context.Context, name string) SpanHandle {
	if tr := TraceFromContext(ctx); tr != nil {
		return tr.StartSpan(name)
	}
	return discardSpan{}
}

// RecordEvent adds a point event to the task's trace, if any.
func RecordEvent(ctx context.Context, name string, metadata map[string]any) {
	if tr := TraceFromContext(ctx); tr != nil {
		tr.RecordEvent(name, metadata)
	}
}

type discardSpan struct{}

func (s discardSpan) Set(string, any) SpanHandle { return s }
func (discardSpan) End()                         {}
