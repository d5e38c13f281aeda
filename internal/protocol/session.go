package protocol

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth/cipherchat/internal/audit"
	"github.com/kenneth/cipherchat/internal/config"
	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/metrics"
	"github.com/kenneth/cipherchat/internal/transfer"
	"github.com/sirupsen/logrus"
)

// MaxLineBytes bounds a single received line. A full chunk line is about
// 1.9 MiB once the 1 MiB chunk is base64-encoded, encrypted and framed.
const MaxLineBytes = 4 * 1024 * 1024

var (
	// ErrNotEstablished is returned when sending before the handshake completed.
	ErrNotEstablished = errors.New("session not established")

	// ErrPeerRejected is returned when the admission policy refuses the peer key.
	ErrPeerRejected = errors.New("peer rejected by policy")

	// ErrTransferAborted is reported for incoming files still receiving
	// chunks when the session ends.
	ErrTransferAborted = errors.New("transfer aborted before FILE_END")
)

// Role selects which side of the handshake generates the symmetric key.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// EventKind identifies what the receive loop observed.
type EventKind int

const (
	EventChatReceived EventKind = iota
	EventChatRejected
	EventFileReceived
	EventFileRejected
)

func (k EventKind) String() string {
	switch k {
	case EventChatReceived:
		return "chat_received"
	case EventChatRejected:
		return "chat_rejected"
	case EventFileReceived:
		return "file_received"
	case EventFileRejected:
		return "file_rejected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is published by Run for every complete inbound message.
type Event struct {
	Kind     EventKind
	Text     string                 // EventChatReceived
	File     *transfer.ReceivedFile // EventFileReceived
	Filename string                 // file events, when known
	Err      error                  // rejection events
	At       time.Time
}

// Options configures a Session. Zero values disable the optional hooks.
type Options struct {
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Policy  *config.PolicyManager
	Trace   crypto.TraceFunc

	// EventBuffer is the capacity of the event channel.
	EventBuffer int
}

// Session is one peer connection speaking the line protocol.
type Session struct {
	ID string

	conn     net.Conn
	scanner  *bufio.Scanner
	identity *rsa.PrivateKey
	opts     Options
	logger   *logrus.Logger

	writeMu sync.Mutex

	mu              sync.RWMutex
	peerKey         *rsa.PublicKey
	peerFingerprint string
	cipher          *crypto.BlockCipher
	handler         *transfer.Handler
	receiver        *transfer.Receiver

	events    chan Event
	closeOnce sync.Once
}

// NewSession wraps conn. identity is this node's signing and key-exchange key.
func NewSession(conn net.Conn, identity *rsa.PrivateKey, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 16
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	return &Session{
		ID:       uuid.New().String(),
		conn:     conn,
		scanner:  scanner,
		identity: identity,
		opts:     opts,
		logger:   logger,
		events:   make(chan Event, buffer),
	}
}

// Events returns the channel Run publishes to. It is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// PeerFingerprint returns the peer key fingerprint, or "" before the handshake.
func (s *Session) PeerFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerFingerprint
}

// RemoteAddr returns the peer network address.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Handshake exchanges public keys and agrees on the symmetric key. The
// initiator writes its key first, then generates, seals and sends the
// symmetric key; the responder reads first and opens it.
func (s *Session) Handshake(ctx context.Context, role Role) (err error) {
	start := time.Now()
	defer func() {
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordKeyExchange(role.String(), err)
		}
		if s.opts.Audit != nil {
			s.opts.Audit.LogKeyExchange(s.ID, s.PeerFingerprint(), s.RemoteAddr(), role.String(), err, time.Since(start))
		}
	}()

	stop := s.watch(ctx)
	defer stop()

	ownKey, err := crypto.ExportPublicKey(&s.identity.PublicKey)
	if err != nil {
		return err
	}

	var peerLine string
	if role == RoleInitiator {
		if err = s.writeLine(ownKey); err != nil {
			return s.ctxErr(ctx, err)
		}
		if peerLine, err = s.readLine(); err != nil {
			return s.ctxErr(ctx, err)
		}
	} else {
		if peerLine, err = s.readLine(); err != nil {
			return s.ctxErr(ctx, err)
		}
		if err = s.writeLine(ownKey); err != nil {
			return s.ctxErr(ctx, err)
		}
	}

	peerKey, err := crypto.ImportPublicKey(peerLine)
	if err != nil {
		return fmt.Errorf("invalid peer public key: %w", err)
	}
	fingerprint := crypto.Fingerprint(peerKey)

	if s.opts.Policy != nil {
		if ok, policy := s.opts.Policy.AdmitFingerprint(fingerprint); !ok {
			id := ""
			if policy != nil {
				id = policy.ID
			}
			return fmt.Errorf("%w: %s (policy %q)", ErrPeerRejected, fingerprint, id)
		}
	}

	var key string
	if role == RoleInitiator {
		if key, err = crypto.GenerateSymmetricKey(); err != nil {
			return err
		}
		sealed, err := crypto.SealSymmetricKey(key, peerKey)
		if err != nil {
			return err
		}
		if err = s.writeLine(sealed); err != nil {
			return s.ctxErr(ctx, err)
		}
	} else {
		sealed, err := s.readLine()
		if err != nil {
			return s.ctxErr(ctx, err)
		}
		if key, err = crypto.OpenSymmetricKey(sealed, s.identity); err != nil {
			return fmt.Errorf("failed to open symmetric key: %w", err)
		}
	}

	cipher, err := crypto.NewBlockCipherWithTracer(key, s.opts.Trace)
	if err != nil {
		return fmt.Errorf("peer sent unusable symmetric key: %w", err)
	}
	handler := transfer.NewHandler(cipher, s.logger)

	s.mu.Lock()
	s.peerKey = peerKey
	s.peerFingerprint = fingerprint
	s.cipher = cipher
	s.handler = handler
	s.receiver = transfer.NewReceiver(handler)
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionOpened()
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":  s.ID,
		"role":        role.String(),
		"peer":        fingerprint,
		"remote_addr": s.RemoteAddr(),
	}).Info("Peer session established")
	return nil
}

// SendChat encrypts text, signs the plaintext and writes one chat line.
func (s *Session) SendChat(ctx context.Context, text string) (err error) {
	cipher, _, _ := s.established()
	defer func() {
		status := "sent"
		if err != nil {
			status = "failed"
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordMessage(audit.DirectionOutbound, status)
		}
		if s.opts.Audit != nil {
			s.opts.Audit.LogMessage(audit.DirectionOutbound, s.ID, s.PeerFingerprint(), len(text), err)
		}
	}()
	if cipher == nil {
		return ErrNotEstablished
	}

	ct, err := cipher.Encrypt([]byte(text))
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}
	sig, err := crypto.Sign(text, s.identity)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	stop := s.watch(ctx)
	defer stop()
	if err := s.writeLine(EncodeChat(ct, sig)); err != nil {
		return s.ctxErr(ctx, err)
	}
	return nil
}

// SendFile prepares the file at path and sends it.
func (s *Session) SendFile(ctx context.Context, path string) (*transfer.FileMetadata, error) {
	_, handler, _ := s.established()
	if handler == nil {
		return nil, ErrNotEstablished
	}
	meta, chunks, err := handler.Prepare(path)
	if err != nil {
		return nil, err
	}
	return meta, s.sendPrepared(ctx, meta, chunks)
}

// SendBytes prepares data under name and sends it.
func (s *Session) SendBytes(ctx context.Context, name string, data []byte) (*transfer.FileMetadata, error) {
	_, handler, _ := s.established()
	if handler == nil {
		return nil, ErrNotEstablished
	}
	meta, chunks, err := handler.PrepareBytes(name, data)
	if err != nil {
		return nil, err
	}
	return meta, s.sendPrepared(ctx, meta, chunks)
}

func (s *Session) sendPrepared(ctx context.Context, meta *transfer.FileMetadata, chunks []*transfer.EncryptedChunk) error {
	out, err := transfer.NewOutgoing(meta, chunks, s.identity)
	if err != nil {
		return err
	}
	return s.SendOutgoing(ctx, out)
}

// SendOutgoing writes every frame of a prepared, signed transfer. The
// frames are written without interleaving other sends.
func (s *Session) SendOutgoing(ctx context.Context, out *transfer.Outgoing) (err error) {
	start := time.Now()
	defer func() {
		status := "complete"
		if err != nil {
			status = "failed"
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordTransfer(audit.DirectionOutbound, status, out.Metadata.Size, len(out.Chunks))
		}
		if s.opts.Audit != nil {
			s.opts.Audit.LogFileTransfer(audit.DirectionOutbound, s.ID, s.PeerFingerprint(),
				out.Metadata.Filename, out.Metadata.Checksum, out.Metadata.Size, err, time.Since(start))
		}
	}()

	if cipher, _, _ := s.established(); cipher == nil {
		return ErrNotEstablished
	}
	lines, err := EncodeTransfer(out)
	if err != nil {
		return err
	}

	stop := s.watch(ctx)
	defer stop()
	if err := s.writeLines(lines); err != nil {
		return s.ctxErr(ctx, err)
	}
	out.MarkSent()

	s.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"filename":   out.Metadata.Filename,
		"size":       out.Metadata.FormattedSize(),
		"chunks":     len(out.Chunks),
	}).Info("File sent")
	return nil
}

// Run reads lines until the connection closes or ctx is cancelled,
// publishing an Event for each complete inbound message. Malformed lines
// and rejected messages never end the session. The event channel is
// closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)

	if cipher, _, _ := s.established(); cipher == nil {
		return ErrNotEstablished
	}

	stop := s.watch(ctx)
	defer stop()
	defer func() {
		s.mu.RLock()
		receiver := s.receiver
		s.mu.RUnlock()
		pending := receiver.Pending()
		receiver.Abort()
		for _, name := range pending {
			s.logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"filename":   name,
			}).Warn("Incoming transfer aborted by end of session")
			if err := s.publish(ctx, Event{Kind: EventFileRejected, Filename: name, Err: ErrTransferAborted}); err != nil {
				return
			}
		}
	}()

	for s.scanner.Scan() {
		if err := s.handleLine(ctx, s.scanner.Text()); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := s.scanner.Err(); err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		if cipher, _, _ := s.established(); cipher != nil && s.opts.Metrics != nil {
			s.opts.Metrics.SessionClosed()
		}
	})
	return err
}

func (s *Session) handleLine(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	frame, err := ParseFrame(line)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", s.ID).Warn("Dropping malformed line")
		return nil
	}

	switch frame.Kind {
	case FrameChat:
		return s.handleChat(ctx, frame)
	case FrameFileStart:
		return s.handleFileStart(ctx, frame)
	case FrameFileChunk:
		return s.handleFileChunk(frame)
	case FrameFileEnd:
		return s.handleFileEnd(ctx, frame)
	}
	return nil
}

func (s *Session) handleChat(ctx context.Context, frame *Frame) error {
	cipher, _, _ := s.established()
	peer := s.PeerFingerprint()

	plaintext, err := cipher.Decrypt(frame.Ciphertext)
	if err == nil {
		valid := crypto.Verify(string(plaintext), frame.Signature, s.peerPublicKey())
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordSignatureCheck("message", valid)
		}
		if !valid {
			err = crypto.ErrSignatureInvalid
		}
	}

	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": s.ID,
			"peer":       peer,
		}).Warn("Rejected chat message")
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordMessage(audit.DirectionInbound, "rejected")
		}
		if s.opts.Audit != nil {
			s.opts.Audit.LogTamper(s.ID, peer, "message", err)
		}
		return s.publish(ctx, Event{Kind: EventChatRejected, Err: err})
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordMessage(audit.DirectionInbound, "received")
	}
	if s.opts.Audit != nil {
		s.opts.Audit.LogMessage(audit.DirectionInbound, s.ID, peer, len(plaintext), nil)
	}
	return s.publish(ctx, Event{Kind: EventChatReceived, Text: string(plaintext)})
}

func (s *Session) handleFileStart(ctx context.Context, frame *Frame) error {
	_, _, receiver := s.established()
	meta := frame.Metadata
	if err := receiver.Begin(meta); err != nil {
		s.logger.WithError(err).WithField("filename", meta.Filename).Warn("Refused incoming file")
		return s.rejectFile(ctx, meta.Filename, meta.Checksum, meta.Size, 0, 0, err)
	}
	s.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"filename":   meta.Filename,
		"size":       meta.FormattedSize(),
		"chunks":     meta.TotalChunks,
	}).Info("Receiving file")
	return nil
}

func (s *Session) handleFileChunk(frame *Frame) error {
	_, _, receiver := s.established()
	meta, err := receiver.AddChunk(frame.Chunk)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", s.ID).Warn("Dropping unexpected chunk")
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"filename": meta.Filename,
		"chunk":    frame.Chunk.Index + 1,
		"total":    frame.Chunk.TotalChunks,
		"progress": frame.Chunk.Progress(),
	}).Debug("Received chunk")
	return nil
}

func (s *Session) handleFileEnd(ctx context.Context, frame *Frame) error {
	_, _, receiver := s.established()
	start := time.Now()

	var (
		filename string
		size     int64
		chunks   int
	)
	if meta, ok := receiver.Lookup(frame.Checksum); ok {
		filename, size, chunks = meta.Filename, meta.Size, meta.TotalChunks
	}

	file, err := receiver.Finish(frame.Checksum, frame.Signature, s.peerPublicKey())
	if s.opts.Metrics != nil && !errors.Is(err, transfer.ErrUnknownTransfer) {
		s.opts.Metrics.RecordSignatureCheck("file", !errors.Is(err, transfer.ErrSignatureInvalid))
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": s.ID,
			"filename":   filename,
		}).Warn("Rejected incoming file")
		return s.rejectFile(ctx, filename, frame.Checksum, size, chunks, time.Since(start), err)
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordTransfer(audit.DirectionInbound, "complete", file.Metadata.Size, file.Metadata.TotalChunks)
	}
	if s.opts.Audit != nil {
		s.opts.Audit.LogFileTransfer(audit.DirectionInbound, s.ID, file.SenderFingerprint,
			file.Metadata.Filename, file.Metadata.Checksum, file.Metadata.Size, nil, time.Since(start))
	}
	s.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"filename":   file.Metadata.Filename,
		"size":       file.Metadata.FormattedSize(),
		"mime_type":  file.Metadata.MimeType,
	}).Info("File received and verified")
	return s.publish(ctx, Event{Kind: EventFileReceived, File: file, Filename: file.Metadata.Filename})
}

func (s *Session) rejectFile(ctx context.Context, filename, checksum string, size int64, chunks int, d time.Duration, err error) error {
	peer := s.PeerFingerprint()
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordTransfer(audit.DirectionInbound, "rejected", size, chunks)
	}
	if s.opts.Audit != nil {
		if errors.Is(err, transfer.ErrSignatureInvalid) || errors.Is(err, transfer.ErrChecksumMismatch) {
			s.opts.Audit.LogTamper(s.ID, peer, "file", err)
		}
		s.opts.Audit.LogFileTransfer(audit.DirectionInbound, s.ID, peer, filename, checksum, size, err, d)
	}
	return s.publish(ctx, Event{Kind: EventFileRejected, Filename: filename, Err: err})
}

func (s *Session) publish(ctx context.Context, ev Event) error {
	ev.At = time.Now()
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) established() (*crypto.BlockCipher, *transfer.Handler, *transfer.Receiver) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher, s.handler, s.receiver
}

func (s *Session) peerPublicKey() *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerKey
}

func (s *Session) writeLine(line string) error {
	return s.writeLines([]string{line})
}

func (s *Session) writeLines(lines []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w := bufio.NewWriter(s.conn)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *Session) readLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return s.scanner.Text(), nil
}

// watch unblocks pending I/O when ctx is cancelled by expiring the
// connection deadline. Once the returned func has been called, a later
// cancellation no longer touches the connection.
func (s *Session) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

func (s *Session) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
