// Package tracing wires OpenTelemetry with a Jaeger exporter. Trace ids follow a request
// through the API, the provider and storage calls, and the progress messages it publishes.
package tracing

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/backdrop/studio/pkg/logger"
)

type Config struct {
	ServiceName string
	Environment string
	Endpoint    string  // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // clamped to [0, 1]
}

const (
	// TraceHeader carries the trace id for clients that do not speak traceparent.
	TraceHeader = "X-Trace-ID"
	messageKey  = "traceId"
	tracerName  = "github.com/backdrop/studio"
)

var (
	enabled    atomic.Bool
	propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
)

func init() {
	otel.SetTextMapPropagator(propagator)
}

// Init installs the global tracer provider. The returned function flushes pending spans.
func Init(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", firstNonEmpty(cfg.ServiceName, "studio"))}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}

	rate := min(max(cfg.SampleRate, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

// Enabled reports whether Init installed an exporting provider.
func Enabled() bool {
	return enabled.Load()
}

// HTTPMiddleware opens a server span per request, named after the matched route so that
// ids in the path do not explode span cardinality. The trace and span ids are copied into
// the logger context and the trace id is echoed in X-Trace-ID.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		ctx := ExtractHTTP(r.Context(), r)
		ctx, span := StartSpan(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()

		if traceID := TraceIDFromContext(ctx); traceID != "" {
			w.Header().Set(TraceHeader, traceID)
			ctx = logger.ContextWithTraceID(ctx, traceID)
		}
		if sc := span.SpanContext(); sc.HasSpanID() {
			ctx = logger.ContextWithSpanID(ctx, sc.SpanID().String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StartSpan starts a span on the studio tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SetError marks the span in ctx as failed.
func SetError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceIDFromContext prefers the active span and falls back to the logger context.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return logger.TraceIDFromContext(ctx)
}

// ContextWithTraceID continues a trace whose id arrived out of band. Ids that are not valid
// W3C trace ids are still logged but start no remote parent.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.ContextWithTraceID(ctx, traceID)
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil || !tid.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		TraceFlags: trace.FlagsSampled,
	}))
}

// InjectHTTP propagates the trace into an outgoing provider or storage request.
func InjectHTTP(ctx context.Context, req *http.Request) {
	if ctx == nil || req == nil {
		return
	}
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		req.Header.Set(TraceHeader, traceID)
	}
}

// ExtractHTTP continues the caller's trace from traceparent, or from X-Trace-ID.
func ExtractHTTP(ctx context.Context, req *http.Request) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return ctx
	}
	ctx = propagator.Extract(ctx, propagation.HeaderCarrier(req.Header))
	if trace.SpanContextFromContext(ctx).HasTraceID() {
		return ctx
	}
	if traceID := req.Header.Get(TraceHeader); traceID != "" {
		return ContextWithTraceID(ctx, traceID)
	}
	return ctx
}

// InjectMessage stamps the trace id on a progress message payload.
func InjectMessage(ctx context.Context, msg map[string]interface{}) {
	if msg == nil {
		return
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		msg[messageKey] = traceID
	}
}

// ExtractMessage restores the trace id written by InjectMessage.
func ExtractMessage(ctx context.Context, msg map[string]interface{}) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if traceID, _ := msg[messageKey].(string); traceID != "" {
		return ContextWithTraceID(ctx, traceID)
	}
	return ctx
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
