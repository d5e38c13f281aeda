package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyExchange represents a peer handshake.
	EventTypeKeyExchange EventType = "key_exchange"
	// EventTypeMessage represents a chat message sent or received.
	EventTypeMessage EventType = "message"
	// EventTypeFileTransfer represents a file sent or received.
	EventTypeFileTransfer EventType = "file_transfer"
	// EventTypeTamper represents data rejected by a signature or checksum check.
	EventTypeTamper EventType = "tamper"
	// EventTypeAccess represents an HTTP API call.
	EventTypeAccess EventType = "access"
)

// Direction values for message and file events.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	SessionID  string                 `json:"session_id,omitempty"`
	Peer       string                 `json:"peer,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	Filename   string                 `json:"filename,omitempty"`
	Checksum   string                 `json:"checksum,omitempty"`
	Size       int64                  `json:"size,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(event *AuditEvent) error

	// LogKeyExchange records the outcome of a handshake with a peer.
	LogKeyExchange(sessionID, peer, remoteAddr, role string, err error, duration time.Duration)

	// LogMessage records a chat message sent or received.
	LogMessage(direction, sessionID, peer string, size int, err error)

	// LogFileTransfer records a file sent or received.
	LogFileTransfer(direction, sessionID, peer, filename, checksum string, size int64, err error, duration time.Duration)

	// LogTamper records data rejected because a signature or checksum failed.
	LogTamper(sessionID, peer, subject string, err error)

	// LogAccess records an HTTP API call.
	LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements Logger with a bounded in-memory ring.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	now       func() time.Time
}

// NewLogger creates a new audit logger buffering at most maxEvents events.
// A nil writer writes JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		now:       time.Now,
	}
}

// Log records an audit event. The event is buffered even when the writer
// fails; the write error is returned.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	if err := l.writer.WriteEvent(event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (l *auditLogger) LogKeyExchange(sessionID, peer, remoteAddr, role string, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType:  EventTypeKeyExchange,
		Operation:  role,
		SessionID:  sessionID,
		Peer:       peer,
		RemoteAddr: remoteAddr,
		Success:    err == nil,
		Duration:   duration,
	}
	setError(event, err)
	_ = l.Log(event)
}

func (l *auditLogger) LogMessage(direction, sessionID, peer string, size int, err error) {
	event := &AuditEvent{
		EventType: EventTypeMessage,
		Operation: direction,
		SessionID: sessionID,
		Peer:      peer,
		Size:      int64(size),
		Success:   err == nil,
	}
	setError(event, err)
	_ = l.Log(event)
}

func (l *auditLogger) LogFileTransfer(direction, sessionID, peer, filename, checksum string, size int64, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType: EventTypeFileTransfer,
		Operation: direction,
		SessionID: sessionID,
		Peer:      peer,
		Filename:  filename,
		Checksum:  checksum,
		Size:      size,
		Success:   err == nil,
		Duration:  duration,
	}
	setError(event, err)
	_ = l.Log(event)
}

func (l *auditLogger) LogTamper(sessionID, peer, subject string, err error) {
	event := &AuditEvent{
		EventType: EventTypeTamper,
		Operation: subject,
		SessionID: sessionID,
		Peer:      peer,
		Success:   false,
	}
	setError(event, err)
	_ = l.Log(event)
}

func (l *auditLogger) LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType: EventTypeAccess,
		Operation: operation,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	setError(event, err)
	_ = l.Log(event)
}

func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

func setError(event *AuditEvent, err error) {
	if err != nil {
		event.Error = err.Error()
	}
}

// JSONWriter writes one JSON object per line.
type JSONWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriter returns a writer emitting JSON lines to w.
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{w: w}
}

// NewFileWriter opens (or creates) path for appending JSON lines.
func NewFileWriter(path string) (*JSONWriter, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return NewJSONWriter(f), f, nil
}

func (w *JSONWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(append(data, '\n'))
	return err
}

// Discard is an EventWriter that drops every event.
var Discard EventWriter = discardWriter{}

type discardWriter struct{}

func (discardWriter) WriteEvent(*AuditEvent) error { return nil }
