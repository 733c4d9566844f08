package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// endpointKind labels a request path with the HAIP surface it belongs to, so
// WebSocket, SSE, NDJSON, and admin traffic can be told apart on the shared
// mux.
func endpointKind(path string) string {
	switch path {
	case "/":
		return "websocket"
	case "/haip/sse":
		return "sse"
	case "/haip/stream":
		return "stream"
	}
	return "admin"
}

// respTracker captures the downstream status code while keeping the
// streaming capabilities of the wrapped writer reachable. The transports
// flush after every envelope and the WebSocket upgrade hijacks the
// connection, so Flush, Hijack, and Unwrap must all pass through.
type respTracker struct {
	http.ResponseWriter
	status int
}

func (r *respTracker) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *respTracker) Flush() {
	if fl, ok := r.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (r *respTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("observe: response writer does not support hijacking")
}

// Unwrap lets [http.ResponseController] reach the original writer.
func (r *respTracker) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware instruments every request on the HAIP mux: it extracts W3C
// trace context (or starts a new trace), opens a server span, exposes the
// trace id as X-Correlation-ID, records the request-duration histogram, and
// logs completion. Span and metric points carry the endpoint kind alongside
// method and path.
//
// Note the duration of a transport request covers the whole session, not a
// single envelope; per-envelope timing lives in the session metrics.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			kind := endpointKind(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					attribute.String("haip.endpoint", kind),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &respTracker{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
					attribute.String("endpoint", kind),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			slog.LogAttrs(ctx, slog.LevelInfo, "request served",
				slog.String("trace_id", cid),
				slog.String("endpoint", kind),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}
