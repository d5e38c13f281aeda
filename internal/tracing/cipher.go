package tracing

import (
	"context"

	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/metrics"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanTracer records every cipher stage as an event on the span in ctx.
// It is a no-op when ctx carries no recording span.
func SpanTracer(ctx context.Context) crypto.TraceFunc {
	span := trace.SpanFromContext(ctx)
	return func(ev crypto.TraceEvent) {
		if !span.IsRecording() {
			return
		}
		span.AddEvent("cipher."+ev.Stage, trace.WithAttributes(
			attribute.String("cipher.operation", ev.Operation),
			attribute.Int("cipher.round", ev.Round),
			attribute.Int("cipher.bytes", ev.Bytes),
		))
	}
}

// LogTracer writes every cipher stage at debug level.
func LogTracer(logger *logrus.Logger) crypto.TraceFunc {
	return func(ev crypto.TraceEvent) {
		if !logger.IsLevelEnabled(logrus.DebugLevel) {
			return
		}
		logger.WithFields(logrus.Fields{
			"operation": ev.Operation,
			"round":     ev.Round,
			"stage":     ev.Stage,
			"bytes":     ev.Bytes,
		}).Debug("Cipher stage")
	}
}

// MetricsTracer counts cipher stages.
func MetricsTracer(m *metrics.Metrics) crypto.TraceFunc {
	return func(ev crypto.TraceEvent) {
		m.RecordCipherStage(ev.Operation, ev.Stage)
	}
}

// Chain calls each non-nil tracer in order. It returns nil when none is set,
// which leaves the cipher untraced.
func Chain(tracers ...crypto.TraceFunc) crypto.TraceFunc {
	active := make([]crypto.TraceFunc, 0, len(tracers))
	for _, t := range tracers {
		if t != nil {
			active = append(active, t)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(ev crypto.TraceEvent) {
		for _, t := range active {
			t(ev)
		}
	}
}
