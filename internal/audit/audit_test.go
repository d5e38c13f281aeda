package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAuditLogger_LogKeyExchange(t *testing.T) {
	logger := NewLogger(100, Discard)

	logger.LogKeyExchange("sess-1", "ab12cd34", "10.0.0.2:5000", "initiator", nil, 40*time.Millisecond)

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeKeyExchange {
		t.Fatalf("expected event type %s, got %s", EventTypeKeyExchange, event.EventType)
	}
	if event.Operation != "initiator" {
		t.Fatalf("expected operation initiator, got %s", event.Operation)
	}
	if event.RemoteAddr != "10.0.0.2:5000" {
		t.Fatalf("expected remote addr 10.0.0.2:5000, got %s", event.RemoteAddr)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestAuditLogger_LogFileTransfer(t *testing.T) {
	logger := NewLogger(100, Discard)

	logger.LogFileTransfer(DirectionInbound, "sess-2", "peer", "photo.png", "deadbeef", 2048, nil, time.Second)

	event := logger.Events()[0]
	if event.EventType != EventTypeFileTransfer {
		t.Fatalf("expected event type %s, got %s", EventTypeFileTransfer, event.EventType)
	}
	if event.Filename != "photo.png" || event.Checksum != "deadbeef" || event.Size != 2048 {
		t.Fatalf("unexpected file fields: %+v", event)
	}
	if event.Operation != DirectionInbound {
		t.Fatalf("expected operation %s, got %s", DirectionInbound, event.Operation)
	}
}

func TestAuditLogger_LogTamper(t *testing.T) {
	logger := NewLogger(100, Discard)

	logger.LogTamper("sess-3", "peer", "file", errors.New("checksum mismatch"))

	event := logger.Events()[0]
	if event.EventType != EventTypeTamper {
		t.Fatalf("expected event type %s, got %s", EventTypeTamper, event.EventType)
	}
	if event.Success {
		t.Fatal("tamper events are never successful")
	}
	if event.Error != "checksum mismatch" {
		t.Fatalf("expected error 'checksum mismatch', got %s", event.Error)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, Discard)

	for i := 0; i < 10; i++ {
		logger.LogMessage(DirectionOutbound, "sess", "peer", i, nil)
	}

	events := logger.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
	if events[0].Size != 5 || events[4].Size != 9 {
		t.Fatalf("expected the newest events to be kept, got sizes %d..%d", events[0].Size, events[4].Size)
	}
}

func TestAuditLogger_LogError(t *testing.T) {
	logger := NewLogger(100, Discard)

	logger.LogAccess("POST /v1/cipher/decrypt", "127.0.0.1", "curl", "req-1", false, errors.New("test error"), time.Millisecond)

	event := logger.Events()[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "test error" {
		t.Fatalf("expected error 'test error', got %s", event.Error)
	}
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, NewJSONWriter(&buf))

	logger.LogMessage(DirectionInbound, "sess", "peer", 12, nil)
	logger.LogMessage(DirectionOutbound, "sess", "peer", 3, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", len(lines))
	}

	var decoded AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if decoded.EventType != EventTypeMessage || decoded.Size != 12 {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, closer, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter() error: %v", err)
	}

	logger := NewLogger(10, w)
	logger.LogTamper("sess", "peer", "chat", errors.New("signature verification failed"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"event_type":"tamper"`) {
		t.Fatalf("audit file missing tamper event: %s", data)
	}
}

type failingWriter struct{}

func (failingWriter) WriteEvent(*AuditEvent) error { return errors.New("disk full") }

func TestAuditLogger_WriterFailureStillBuffers(t *testing.T) {
	logger := NewLogger(10, failingWriter{})

	err := logger.Log(&AuditEvent{EventType: EventTypeAccess, Operation: "GET /health"})
	if err == nil {
		t.Fatal("expected writer error to be returned")
	}
	if len(logger.Events()) != 1 {
		t.Fatal("expected event to be buffered despite writer failure")
	}
}
