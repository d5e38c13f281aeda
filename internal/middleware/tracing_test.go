package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	attrs := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	return attrs
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	recorder := recordSpans(t)

	var seen string
	handler := TracingMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/inbox/report.pdf?download=1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Signature", "c2ln")
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c2ln", seen, "request headers reach the handler untouched")

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Inbox Get", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "/v1/inbox/{filename}", attrs["http.route"])
	assert.Equal(t, "[REDACTED]", attrs["cipherchat.resource"])
	assert.Equal(t, "[REDACTED]", attrs["http.query"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.authorization"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-signature"])
	assert.Equal(t, "application/json", attrs["http.request.header.content-type"])
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	recorder := recordSpans(t)

	handler := TracingMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/inbox/report.pdf", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "report.pdf", attrs["cipherchat.resource"])
	assert.Equal(t, "Bearer secret-token", attrs["http.request.header.authorization"])
}

func TestTracingMiddleware_Status(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   codes.Code
	}{
		{"ok", http.StatusOK, codes.Ok},
		{"client error", http.StatusBadRequest, codes.Ok},
		{"server error", http.StatusInternalServerError, codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := recordSpans(t)
			handler := TracingMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/cipher/decrypt", nil))

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, "Cipher Decrypt", spans[0].Name())
			assert.Equal(t, tt.want, spans[0].Status().Code)
		})
	}
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		method string
		route  string
		want   string
	}{
		{"POST", "/v1/keys/symmetric", "Keys Generate"},
		{"POST", "/v1/transfers/prepare", "Transfer Prepare"},
		{"GET", "/v1/transfers", "Transfer History"},
		{"DELETE", "/v1/inbox/{filename}", "Inbox Delete"},
		{"GET", "/health", "HTTP GET"},
		{"PUT", "/v1/cipher/encrypt", "HTTP PUT"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, getSpanName(tt.method, tt.route), "%s %s", tt.method, tt.route)
	}
}

func TestSplitRoute(t *testing.T) {
	route, resource := splitRoute("/v1/inbox/a.txt")
	assert.Equal(t, "/v1/inbox/{filename}", route)
	assert.Equal(t, "a.txt", resource)

	route, resource = splitRoute("/v1/inbox/")
	assert.Equal(t, "/v1/inbox/", route)
	assert.Empty(t, resource)

	route, resource = splitRoute("/v1/transfers")
	assert.Equal(t, "/v1/transfers", route)
	assert.Empty(t, resource)
}

func TestGetRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", getRemoteAddr(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.1", getRemoteAddr(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", getRemoteAddr(req))
}
