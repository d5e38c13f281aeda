package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCipherOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCipherOperation("encrypt", 2*time.Millisecond, 12)
	m.RecordCipherOperation("encrypt", time.Millisecond, 30)
	m.RecordCipherOperation("decrypt", time.Millisecond, 12)
	m.RecordCipherError("decrypt", "decode")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cipherOperations.WithLabelValues("encrypt")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.cipherBytes.WithLabelValues("encrypt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cipherOperations.WithLabelValues("decrypt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cipherErrors.WithLabelValues("decrypt", "decode")))
}

func TestRecordCipherStage(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	for i := 0; i < 10; i++ {
		m.RecordCipherStage("encrypt", "transform")
	}
	assert.Equal(t, 10.0, testutil.ToFloat64(m.cipherStages.WithLabelValues("encrypt", "transform")))
}

func TestRecordTransfer(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordTransfer("inbound", "complete", 2048, 1)
	m.RecordTransfer("inbound", "rejected", 4096, 2)
	m.RecordTransfer("outbound", "complete", 100, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfersTotal.WithLabelValues("inbound", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfersTotal.WithLabelValues("inbound", "rejected")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("inbound")), "rejected bytes are not counted")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.transferChunks.WithLabelValues("inbound")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("outbound")))
}

func TestRecordSignatureAndKeyExchange(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSignatureCheck("chat", true)
	m.RecordSignatureCheck("chat", false)
	m.RecordSignatureCheck("file", false)
	m.RecordKeyExchange("initiator", nil)
	m.RecordKeyExchange("responder", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatureChecks.WithLabelValues("chat", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatureChecks.WithLabelValues("chat", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatureChecks.WithLabelValues("file", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyExchanges.WithLabelValues("initiator", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyExchanges.WithLabelValues("responder", "failure")))
}

func TestSessionGauge(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))

	m.RecordMessage("inbound", "accepted")
	m.RecordMessage("inbound", "rejected")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("inbound", "rejected")))
}

func TestRecordStorageAndHTTP(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordStorageOperation("local", "put", 5*time.Millisecond)
	m.RecordStorageError("s3", "get", "not_found")
	m.RecordHTTPRequest("POST", "/v1/cipher/encrypt", http.StatusOK, 3*time.Millisecond, 128)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOperations.WithLabelValues("local", "put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageErrors.WithLabelValues("s3", "get", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/v1/cipher/encrypt", "OK")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.httpRequestBytes.WithLabelValues("POST", "/v1/cipher/encrypt")))
}

func TestSystemMetrics(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.UpdateSystemMetrics()
	assert.Greater(t, testutil.ToFloat64(m.goroutines), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.memorySysBytes), 0.0)

	ctx, cancel := context.WithCancel(context.Background())
	m.StartSystemMetricsCollector(ctx, 10*time.Millisecond)
	cancel()
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.RecordCipherOperation("encrypt", time.Millisecond, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cipher_operations_total"))
}
