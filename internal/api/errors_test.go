package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/kenneth/cipherchat/internal/cache"
	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/storage"
	"github.com/kenneth/cipherchat/internal/transfer"
	"github.com/stretchr/testify/assert"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"invalid key", crypto.ErrInvalidKey, "InvalidKey", http.StatusBadRequest},
		{"wrapped decode", fmt.Errorf("layer: %w", crypto.ErrDecode), "MalformedInput", http.StatusBadRequest},
		{"format", crypto.ErrFormat, "MalformedCiphertext", http.StatusBadRequest},
		{"signature", fmt.Errorf("%w: checksum of a", transfer.ErrSignatureInvalid), "SignatureInvalid", http.StatusUnprocessableEntity},
		{"checksum", transfer.ErrChecksumMismatch, "ChecksumMismatch", http.StatusUnprocessableEntity},
		{"chunk count", transfer.ErrChunkCountMismatch, "ChunkCountMismatch", http.StatusUnprocessableEntity},
		{"unsupported", transfer.ErrUnsupportedFile, "UnsupportedFile", http.StatusRequestEntityTooLarge},
		{"malformed frame wins over record", fmt.Errorf("%w: %w", protocol.ErrMalformedFrame, transfer.ErrInvalidRecord), "MalformedFrame", http.StatusBadRequest},
		{"not found", storage.ErrNotFound, "NoSuchFile", http.StatusNotFound},
		{"inbox full", cache.ErrTooLarge, "InboxFull", http.StatusInsufficientStorage},
		{"deadline", context.DeadlineExceeded, "Timeout", http.StatusGatewayTimeout},
		{"s3 access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}, "StorageAccessDenied", http.StatusBadGateway},
		{"s3 no bucket", fmt.Errorf("put: %w", &smithy.GenericAPIError{Code: "NoSuchBucket"}), "StorageUnavailable", http.StatusBadGateway},
		{"s3 other", &smithy.GenericAPIError{Code: "SlowDown"}, "InternalError", http.StatusInternalServerError},
		{"api error passes through", ErrHistoryDisabled, "HistoryDisabled", http.StatusNotImplemented},
		{"unknown", errors.New("boom"), "InternalError", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := TranslateError(tt.err, "/v1/x")
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.HTTPStatus)
			assert.Equal(t, "/v1/x", apiErr.Resource)
		})
	}

	assert.Nil(t, TranslateError(nil, ""))
}

func TestPredefinedErrorsAreNotMutated(t *testing.T) {
	_ = TranslateError(ErrNoSuchFile, "/v1/inbox/a")
	assert.Empty(t, ErrNoSuchFile.Resource)
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	ErrNoSuchFile.WithResource("/v1/inbox/a").WriteJSON(rr)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"NoSuchFile","message":"The specified file does not exist.","resource":"/v1/inbox/a"}`, rr.Body.String())
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, "192.0.2.1"},
		{"forwarded chain", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.2"}, "203.0.113.5"},
		{"real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": " 198.51.100.2 "}, "198.51.100.2"},
		{"empty", "", nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

func TestGetRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	generated := getRequestID(req)
	assert.Len(t, generated, 36)

	req.Header.Set("X-Request-ID", "abc")
	assert.Equal(t, "abc", getRequestID(req))
}
