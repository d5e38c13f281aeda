package middleware

import (
	"net/http"
	"strings"

	"github.com/kenneth/cipherchat/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware starts a server span per request, continuing any trace
// context carried in the request headers.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracing.TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route, resource := splitRoute(r.URL.Path)
			ctx, span := tracer.Start(ctx, getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(route),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			defer span.End()

			if resource != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("cipherchat.resource", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("cipherchat.resource", resource))
				}
			}
			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// splitRoute separates the route template from a trailing resource name.
// Only /v1/inbox/{filename} carries one.
func splitRoute(path string) (route, resource string) {
	const inbox = "/v1/inbox/"
	if strings.HasPrefix(path, inbox) && len(path) > len(inbox) {
		return inbox + "{filename}", strings.TrimPrefix(path, inbox)
	}
	return path, ""
}

var spanNames = map[string]string{
	"POST /v1/keys/symmetric":     "Keys Generate",
	"POST /v1/keys/seal":          "Keys Seal",
	"POST /v1/keys/open":          "Keys Open",
	"POST /v1/cipher/encrypt":     "Cipher Encrypt",
	"POST /v1/cipher/decrypt":     "Cipher Decrypt",
	"POST /v1/signatures/sign":    "Signature Sign",
	"POST /v1/signatures/verify":  "Signature Verify",
	"POST /v1/transfers/prepare":  "Transfer Prepare",
	"POST /v1/transfers/receive":  "Transfer Receive",
	"GET /v1/transfers":           "Transfer History",
	"GET /v1/inbox/{filename}":    "Inbox Get",
	"DELETE /v1/inbox/{filename}": "Inbox Delete",
	"GET /v1/inbox":               "Inbox List",
	"GET /v1/identity":            "Identity Get",
}

func getSpanName(method, route string) string {
	if name, ok := spanNames[method+" "+route]; ok {
		return name
	}
	return "HTTP " + method
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For hop.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"x-request-id",
		"x-filename",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
		"x-symmetric-key",
		"x-signature",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
