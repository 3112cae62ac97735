// Package monitoring provides Prometheus metrics, OpenTelemetry tracing and
// unified structured logging helpers shared by every fusionradar component.
package monitoring

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "fusionradar"

// logging level: 0=info, 1=debug
var logLevel int32

var (
	// --- Ingest ---
	AdapterReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "reconnects_total",
		Help: "Source adapter reconnect attempts.",
	}, []string{"adapter"})

	AdapterParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "parse_errors_total",
		Help: "Malformed upstream payloads dropped before normalization.",
	}, []string{"adapter"})

	AdapterMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "messages_total",
		Help: "Raw messages pushed to the normalizer.",
	}, []string{"adapter"})

	AdapterConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "connected",
		Help: "1 if the adapter currently holds an open upstream connection.",
	}, []string{"adapter"})

	// --- Normalize ---
	RejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "normalize", Name: "rejects_total",
		Help: "Rejected raw records by source and reason.",
	}, []string{"source", "reason"})

	Normalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "normalize", Name: "accepted_total",
		Help: "Successfully normalized records by source.",
	}, []string{"source"})

	// --- Fusion ---
	FusionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fusion", Name: "decisions_total",
		Help: "Decide() invocations by outcome (publish, suppressed, backfill, empty).",
	}, []string{"outcome"})

	FusionWindowKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "fusion", Name: "window_keys",
		Help: "Distinct entity keys currently tracked in the fusion window.",
	})

	FusionPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fusion", Name: "published_total",
		Help: "Fused records accepted for publish.",
	})

	// --- Persistence ---
	PersistDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "persist", Name: "duration_seconds",
		Help: "Latency of a Persist() call by store (hotview, history).",
		Buckets: prometheus.DefBuckets,
	}, []string{"store"})

	PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "persist", Name: "failures_total",
		Help: "Persist failures by store.",
	}, []string{"store"})

	// --- DLQ ---
	DLQDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "dlq", Name: "depth",
		Help: "Current entries by queue (pending, dead).",
	}, []string{"queue"})

	DLQRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dlq", Name: "retries_total",
		Help: "DLQ retry attempts handed back to persistence.",
	})

	DLQEscalations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dlq", Name: "escalations_total",
		Help: "Entries moved to the terminal dead queue.",
	})

	// --- Broadcast gateway ---
	GatewayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "gateway", Name: "clients",
		Help: "Currently connected realtime subscribers.",
	})

	GatewayPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "gateway", Name: "pushes_total",
		Help: "Position pushes sent to subscribers.",
	}, []string{"trigger"})

	// --- HTTP (status/admin surface) ---
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "duration_seconds",
		Help: "Duration of HTTP requests.", Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		AdapterReconnects, AdapterParseErrors, AdapterMessages, AdapterConnected,
		RejectsTotal, Normalized,
		FusionDecisions, FusionWindowKeys, FusionPublished,
		PersistDuration, PersistFailures,
		DLQDepth, DLQRetries, DLQEscalations,
		GatewayClients, GatewayPushes,
		HTTPRequests, HTTPDuration,
	)
	SetLogLevel("info")
}

// SetLogLevel switches the global debug gate.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		atomic.StoreInt32(&logLevel, 1)
		log.Printf("log_level=debug")
	case "info", "":
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info")
	default:
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info (unknown level %q)", level)
	}
}

func IsDebug() bool { return atomic.LoadInt32(&logLevel) == 1 }

func Debugf(format string, args ...interface{}) {
	if IsDebug() {
		log.Printf("DEBUG "+format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	log.Printf("WARN "+format, args...)
}

func Errorf(format string, args ...interface{}) {
	log.Printf("ERROR "+format, args...)
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

// Tracer is the process-wide tracer used by fusion, persistence and gateway
// spans.
var Tracer = otel.Tracer("fusionradar")

// InitTracer initializes the OpenTelemetry exporter and provider: a
// no-remote-exporter tracer provider when endpoint is empty, otherwise an
// OTLP/HTTP batching exporter.
func InitTracer(endpoint string, serviceName string) func() {
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() { _ = tp.Shutdown(ctx) }
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// statusWriter captures the status code written by a handler so middleware
// can label metrics with it after the fact.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records request counts and latency for every request
// that passes through it, labeled by method, route pattern and status.
func MetricsMiddleware(routePattern string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			HTTPDuration.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
			HTTPRequests.WithLabelValues(r.Method, routePattern, strconv.Itoa(sw.status)).Inc()
		})
	}
}

// LoggingMiddleware emits an access log line per request through Debugf, so
// the line appears only at debug log level, correlated to the request's
// trace/span id when tracing is active.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		traceID, spanID := "", ""
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			traceID, spanID = sc.TraceID().String(), sc.SpanID().String()
		}
		Debugf("http %s %s status=%d dur=%s remote=%s trace_id=%s span_id=%s",
			r.Method, r.URL.Path, sw.status, time.Since(start), clientIP(r), traceID, spanID)
	})
}

// TracingMiddleware extracts any inbound trace context and starts a span
// named after the route pattern for every request.
func TracingMiddleware(routePattern string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer.Start(ctx, "http."+routePattern, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(semconv.HTTPMethodKey.String(r.Method), semconv.URLPathKey.String(r.URL.Path))
			if sc := span.SpanContext(); sc.IsValid() {
				w.Header().Set("X-Trace-Id", sc.TraceID().String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	return r.RemoteAddr
}
