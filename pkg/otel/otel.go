// Package otel provides OpenTelemetry SDK initialization for Alicia services.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName string
	Environment string
	// OTLPEndpoint is the collector base URL; empty keeps traces on stdout
	// and skips log export entirely.
	OTLPEndpoint string
	OTLPInsecure bool
	Level        slog.Level
}

// InitResult holds the logger and shutdown function from Init.
type InitResult struct {
	Logger   *slog.Logger
	Shutdown func(context.Context) error
}

// Init initializes the OpenTelemetry SDK. With an OTLP endpoint configured,
// traces and logs export over OTLP HTTP and the returned logger tees every
// record to stderr as well. Without one, spans go to stdout and the logger
// writes stderr only, so a bare `alicia voice-router` run needs no collector.
func Init(cfg Config) (*InitResult, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	stderrHandler := &prettyHandler{level: cfg.Level, w: os.Stderr}

	if cfg.OTLPEndpoint == "" {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		setPropagator()

		logger := slog.New(stderrHandler)
		slog.SetDefault(logger)
		return &InitResult{
			Logger:   logger,
			Shutdown: tp.Shutdown,
		}, nil
	}

	// --- Traces ---
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
		otlptracehttp.WithURLPath("/v1/traces"),
	}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	setPropagator()

	// --- Logs ---
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(cfg.OTLPEndpoint),
		otlploghttp.WithURLPath("/v1/logs"),
	}
	if cfg.OTLPInsecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otelHandler := otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(lp))
	logger := slog.New(&teeHandler{handlers: []slog.Handler{otelHandler, stderrHandler}})
	slog.SetDefault(logger)

	shutdown := func(ctx context.Context) error {
		_ = lp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
		return nil
	}

	return &InitResult{Logger: logger, Shutdown: shutdown}, nil
}

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: handlers}
}

// NewPrettyHandler returns a slog.Handler that formats as [LEVEL hh:mm:ss] msg key=value ...
func NewPrettyHandler(level slog.Level) slog.Handler {
	return &prettyHandler{level: level, w: os.Stderr}
}

// prettyHandler formats log records as [LEVEL hh:mm:ss] msg key=value ...
type prettyHandler struct {
	level slog.Level
	w     *os.File
	attrs []slog.Attr
	group string
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	ts := r.Time.Format("15:04:05")

	var buf []byte
	buf = append(buf, '[')
	buf = append(buf, level...)
	buf = append(buf, ' ')
	buf = append(buf, ts...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)

	// Append pre-set attrs
	for _, a := range h.attrs {
		buf = append(buf, ' ')
		if h.group != "" {
			buf = append(buf, h.group...)
			buf = append(buf, '.')
		}
		buf = append(buf, a.Key...)
		buf = append(buf, '=')
		buf = append(buf, a.Value.String()...)
	}

	// Append record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf = append(buf, ' ')
		if h.group != "" {
			buf = append(buf, h.group...)
			buf = append(buf, '.')
		}
		buf = append(buf, a.Key...)
		buf = append(buf, '=')
		buf = append(buf, a.Value.String()...)
		return true
	})

	buf = append(buf, '\n')
	_, err := h.w.Write(buf)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &prettyHandler{level: h.level, w: h.w, attrs: newAttrs, group: h.group}
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &prettyHandler{level: h.level, w: h.w, attrs: h.attrs, group: g}
}

// Tracer returns a tracer for the given instrumentation name.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// SpanFields returns the active span's identifiers for stamping onto an
// outbound envelope. ok is false when no span is in the context.
func SpanFields(ctx context.Context) (traceID, spanID string, flags byte, ok bool) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", "", 0, false
	}
	return sc.TraceID().String(), sc.SpanID().String(), byte(sc.TraceFlags()), true
}

// ContextWithTraceParent restores a remote span context from a W3C
// traceparent value, so spans opened for an inbound envelope join the
// sender's trace.
func ContextWithTraceParent(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Context keys for session propagation.
type ctxKey int

const ctxKeySessionID ctxKey = iota

// WithSessionID adds a voice session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, id)
}

// SessionIDFromContext retrieves the voice session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySessionID).(string); ok {
		return v
	}
	return ""
}
