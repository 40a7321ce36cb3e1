package app

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type debugLogger interface {
	Debugf(format string, args ...interface{})
}

// logExporter writes finished spans to the debug log.
type logExporter struct {
	logger debugLogger
}

func newLogExporter(logger debugLogger) *logExporter {
	return &logExporter{logger: logger}
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.Debugf("[Trace %s] span %s took %s status=%s",
			s.SpanContext().TraceID(), s.Name(), s.EndTime().Sub(s.StartTime()), s.Status().Code)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
