package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoggingHook logs one line per completed call.
type LoggingHook struct {
	logger *slog.Logger
}

// NewLoggingHook creates a LoggingHook writing to logger.
func NewLoggingHook(logger *slog.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) Before(ctx context.Context, _ Execution) context.Context { return ctx }

func (h *LoggingHook) After(ctx context.Context, exec Execution) {
	attrs := []slog.Attr{
		slog.String("action", SchemaID(exec.ActionID, exec.Version)),
		slog.String("execution_type", string(exec.Type)),
		slog.Duration("elapsed", exec.FinishedAt.Sub(exec.StartedAt)),
	}
	if exec.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", exec.TraceID))
	}
	if exec.Err != nil {
		attrs = append(attrs, slog.Any("err", exec.Err))
		h.logger.LogAttrs(ctx, slog.LevelError, "gateway call failed", attrs...)
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "gateway call", attrs...)
}

// Span attribute keys.
const (
	AttrActionID      = "conductor.action.id"
	AttrActionVersion = "conductor.action.version"
	AttrExecutionType = "conductor.execution.type"
	AttrErrorType     = "error.type"
)

// TracingHook wraps every call in an OpenTelemetry span. When the caller gave
// no trace id, the span's trace id becomes the call's trace id.
type TracingHook struct {
	tracer trace.Tracer
}

// NewTracingHook creates a TracingHook using tracer.
func NewTracingHook(tracer trace.Tracer) *TracingHook {
	return &TracingHook{tracer: tracer}
}

func (h *TracingHook) Before(ctx context.Context, exec Execution) context.Context {
	ctx, span := h.tracer.Start(ctx, "conductor."+exec.ActionID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrActionID, exec.ActionID),
			attribute.Int(AttrActionVersion, exec.Version),
			attribute.String(AttrExecutionType, string(exec.Type)),
		),
	)
	if exec.TraceID == "" {
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx
}

func (h *TracingHook) After(ctx context.Context, exec Execution) {
	span := trace.SpanFromContext(ctx)
	if exec.Err != nil {
		span.RecordError(exec.Err)
		span.SetStatus(codes.Error, exec.Err.Error())
		span.SetAttributes(attribute.String(AttrErrorType, errorKind(exec.Err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// MetricsHook counts calls and records their latency.
type MetricsHook struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetricsHook registers the gateway call metrics on reg. Registering twice
// on the same registry reuses the existing collectors.
func NewMetricsHook(reg prometheus.Registerer) (*MetricsHook, error) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_gateway_calls_total",
		Help: "Gateway calls by action, execution type and result.",
	}, []string{"action", "execution_type", "result"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conductor_gateway_call_duration_seconds",
		Help:    "Gateway call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	var err error
	if calls, err = RegisterOrReuse(reg, calls); err != nil {
		return nil, err
	}
	if latency, err = RegisterOrReuse(reg, latency); err != nil {
		return nil, err
	}
	return &MetricsHook{calls: calls, latency: latency}, nil
}

// RegisterOrReuse registers c on reg, returning the collector already
// registered under the same descriptor when there is one.
func RegisterOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (h *MetricsHook) Before(ctx context.Context, _ Execution) context.Context { return ctx }

func (h *MetricsHook) After(_ context.Context, exec Execution) {
	result := "ok"
	if exec.Err != nil {
		result = errorKind(exec.Err)
	}
	h.calls.WithLabelValues(exec.ActionID, string(exec.Type), result).Inc()
	h.latency.WithLabelValues(exec.ActionID).Observe(exec.FinishedAt.Sub(exec.StartedAt).Seconds())
}

func errorKind(err error) string {
	switch {
	case IsValidation(err):
		return "validation_error"
	case IsRuntime(err):
		return "runtime_error"
	default:
		return "error"
	}
}
