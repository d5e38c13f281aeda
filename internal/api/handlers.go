package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/cipherchat/internal/audit"
	"github.com/kenneth/cipherchat/internal/cache"
	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/history"
	"github.com/kenneth/cipherchat/internal/identity"
	"github.com/kenneth/cipherchat/internal/metrics"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/storage"
	"github.com/kenneth/cipherchat/internal/tracing"
	"github.com/kenneth/cipherchat/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxBodyBytes bounds JSON request bodies when no limit is configured.
	DefaultMaxBodyBytes = 8 * 1024 * 1024

	// receiveBodyLimit covers a MaxFileSize transfer after base64, encryption
	// and framing.
	receiveBodyLimit = 3 * transfer.MaxFileSize

	symmetricKeyHeader = "X-Symmetric-Key"
)

// Options configures a Handler. Identity is required; everything else is optional.
type Options struct {
	Identity     *identity.Identity
	Delivery     *Delivery
	Inbox        cache.Inbox
	Store        storage.Store
	History      HistoryStore
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Audit        audit.Logger
	MaxBodyBytes int64
	CipherStages bool         // attach per-stage cipher events to request spans
	Ready        func() error // readiness probe; nil means always ready
}

// Handler serves the node's HTTP control API.
type Handler struct {
	identity     *identity.Identity
	delivery     *Delivery
	inbox        cache.Inbox
	store        storage.Store
	history      HistoryStore
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	auditLogger  audit.Logger
	maxBody      int64
	cipherStages bool
	ready        func() error
}

// NewHandler creates an API handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		identity:     opts.Identity,
		delivery:     opts.Delivery,
		inbox:        opts.Inbox,
		store:        opts.Store,
		history:      opts.History,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		auditLogger:  opts.Audit,
		maxBody:      opts.MaxBodyBytes,
		cipherStages: opts.CipherStages,
		ready:        opts.Ready,
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	if h.metrics == nil {
		h.metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.delivery == nil {
		h.delivery = NewDelivery(h.inbox, h.store, h.history, 0, h.logger)
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/identity", h.handleIdentity).Methods("GET")

	v1.HandleFunc("/keys/symmetric", h.handleGenerateKey).Methods("POST")
	v1.HandleFunc("/keys/seal", h.handleSealKey).Methods("POST")
	v1.HandleFunc("/keys/open", h.handleOpenKey).Methods("POST")

	v1.HandleFunc("/cipher/encrypt", h.handleEncrypt).Methods("POST")
	v1.HandleFunc("/cipher/decrypt", h.handleDecrypt).Methods("POST")

	v1.HandleFunc("/signatures/sign", h.handleSign).Methods("POST")
	v1.HandleFunc("/signatures/verify", h.handleVerify).Methods("POST")

	v1.HandleFunc("/transfers/prepare", h.handlePrepare).Methods("POST")
	v1.HandleFunc("/transfers/receive", h.handleReceive).Methods("POST")
	v1.HandleFunc("/transfers", h.handleHistory).Methods("GET")

	v1.HandleFunc("/inbox", h.handleListInbox).Methods("GET")
	v1.HandleFunc("/inbox/{filename}", h.handleGetInbox).Methods("GET")
	v1.HandleFunc("/inbox/{filename}", h.handleDeleteInbox).Methods("DELETE")
}

// routeLabel returns the matched route template to keep metric labels bounded.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// writeJSON writes body with status and records the request.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, op string, start time.Time, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		h.writeError(w, r, op, start, fmt.Errorf("failed to encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
	h.finish(r, op, start, status, int64(len(data)), nil)
}

// writeError translates err, writes it and records the request.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, start time.Time, err error) {
	apiErr := TranslateError(err, r.URL.Path)
	apiErr.RequestID = w.Header().Get("X-Request-ID")

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"operation": op,
		"code":      apiErr.Code,
		"status":    apiErr.HTTPStatus,
	})
	if apiErr.HTTPStatus >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	apiErr.WriteJSON(w)
	h.finish(r, op, start, apiErr.HTTPStatus, 0, err)
}

func (h *Handler) finish(r *http.Request, op string, start time.Time, status int, bytes int64, err error) {
	d := time.Since(start)
	h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), status, d, bytes)
	if h.auditLogger != nil {
		h.auditLogger.LogAccess(op, getClientIP(r), r.UserAgent(), r.Header.Get("X-Request-ID"), status < 400, err, d)
	}
}

// begin stamps the request ID on the response and returns the start time.
func begin(w http.ResponseWriter, r *http.Request) time.Time {
	rid := getRequestID(r)
	r.Header.Set("X-Request-ID", rid)
	w.Header().Set("X-Request-ID", rid)
	return time.Now()
}

// decodeJSON reads a bounded JSON body into dst.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrBodyTooLarge
		}
		e := *ErrInvalidRequest
		e.Message = fmt.Sprintf("Invalid JSON body: %v", err)
		return &e
	}
	return nil
}

func invalidRequest(format string, args ...interface{}) *APIError {
	e := *ErrInvalidRequest
	e.Message = fmt.Sprintf(format, args...)
	return &e
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.writeJSON(w, r, "health", start, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports whether the node's dependencies are usable.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.ready != nil {
		if err := h.ready(); err != nil {
			h.writeJSON(w, r, "ready", start, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": err.Error(),
			})
			return
		}
	}
	h.writeJSON(w, r, "ready", start, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.writeJSON(w, r, "live", start, http.StatusOK, map[string]string{"status": "alive"})
}

type identityResponse struct {
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

func (h *Handler) handleIdentity(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	h.writeJSON(w, r, "identity", start, http.StatusOK, identityResponse{
		PublicKey:   h.identity.PublicKey,
		Fingerprint: h.identity.Fingerprint,
	})
}

type keyResponse struct {
	Key string `json:"key"`
}

type sealRequest struct {
	Key       string `json:"key"`
	PublicKey string `json:"public_key"`
}

type sealResponse struct {
	Sealed string `json:"sealed"`
}

type openRequest struct {
	Sealed string `json:"sealed"`
}

func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		h.writeError(w, r, "generate_key", start, err)
		return
	}
	h.writeJSON(w, r, "generate_key", start, http.StatusCreated, keyResponse{Key: key})
}

func (h *Handler) handleSealKey(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	var req sealRequest
	if err := h.decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.writeError(w, r, "seal_key", start, err)
		return
	}
	if err := crypto.ValidateSymmetricKey(req.Key); err != nil {
		h.writeError(w, r, "seal_key", start, err)
		return
	}
	pub, err := crypto.ImportPublicKey(req.PublicKey)
	if err != nil {
		h.writeError(w, r, "seal_key", start, err)
		return
	}
	sealed, err := crypto.SealSymmetricKey(req.Key, pub)
	if err != nil {
		h.writeError(w, r, "seal_key", start, err)
		return
	}
	h.writeJSON(w, r, "seal_key", start, http.StatusOK, sealResponse{Sealed: sealed})
}

func (h *Handler) handleOpenKey(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	var req openRequest
	if err := h.decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.writeError(w, r, "open_key", start, err)
		return
	}
	key, err := crypto.OpenSymmetricKey(req.Sealed, h.identity.PrivateKey)
	if err == nil {
		err = crypto.ValidateSymmetricKey(key)
	}
	if err != nil {
		if !errors.Is(err, crypto.ErrDecode) {
			// Do not distinguish padding failures from other key errors.
			err = fmt.Errorf("%w: sealed key could not be opened", crypto.ErrInvalidKey)
		}
		h.writeError(w, r, "open_key", start, err)
		return
	}
	h.writeJSON(w, r, "open_key", start, http.StatusOK, keyResponse{Key: key})
}

// Plaintext encodings accepted by the cipher endpoints.
const (
	encodingText   = "text"
	encodingBase64 = "base64"
)

type cipherRequest struct {
	Key        string `json:"key"`
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Encoding   string `json:"encoding,omitempty"` // text (default) or base64
}

type traceEntry struct {
	Operation string `json:"operation"`
	Round     int    `json:"round"`
	Stage     string `json:"stage"`
	Bytes     int    `json:"bytes"`
}

type cipherResponse struct {
	Ciphertext string       `json:"ciphertext,omitempty"`
	Plaintext  string       `json:"plaintext,omitempty"`
	Encoding   string       `json:"encoding,omitempty"`
	Trace      []traceEntry `json:"trace,omitempty"`
}

// newCipher builds a cipher for one request. The returned slice collects
// stage events when the caller asked for ?trace=true.
func (h *Handler) newCipher(r *http.Request, key string) (*crypto.BlockCipher, *[]traceEntry, error) {
	tracers := []crypto.TraceFunc{tracing.MetricsTracer(h.metrics)}
	if h.cipherStages {
		tracers = append(tracers, tracing.SpanTracer(r.Context()))
	}

	var collected *[]traceEntry
	if want, _ := strconv.ParseBool(r.URL.Query().Get("trace")); want {
		entries := make([]traceEntry, 0)
		collected = &entries
		tracers = append(tracers, func(ev crypto.TraceEvent) {
			*collected = append(*collected, traceEntry{
				Operation: ev.Operation,
				Round:     ev.Round,
				Stage:     ev.Stage,
				Bytes:     ev.Bytes,
			})
		})
	}

	c, err := crypto.NewBlockCipherWithTracer(key, tracing.Chain(tracers...))
	return c, collected, err
}

func cipherErrorType(err error) string {
	switch {
	case errors.Is(err, crypto.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, crypto.ErrDecode):
		return "decode"
	case errors.Is(err, crypto.ErrFormat):
		return "format"
	default:
		return "error"
	}
}

func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "encrypt"

	var req cipherRequest
	if err := h.decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.writeError(w, r, op, start, err)
		return
	}

	var plaintext []byte
	switch req.Encoding {
	case "", encodingText:
		plaintext = []byte(req.Plaintext)
	case encodingBase64:
		data, err := base64.StdEncoding.DecodeString(req.Plaintext)
		if err != nil {
			h.writeError(w, r, op, start, fmt.Errorf("%w: plaintext: %v", crypto.ErrDecode, err))
			return
		}
		plaintext = data
	default:
		h.writeError(w, r, op, start, invalidRequest("Unsupported encoding %q", req.Encoding))
		return
	}

	c, trace, err := h.newCipher(r, req.Key)
	if err != nil {
		h.metrics.RecordCipherError(op, cipherErrorType(err))
		h.writeError(w, r, op, start, err)
		return
	}
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		h.metrics.RecordCipherError(op, cipherErrorType(err))
		h.writeError(w, r, op, start, err)
		return
	}
	h.metrics.RecordCipherOperation(op, time.Since(start), int64(len(plaintext)))

	resp := cipherResponse{Ciphertext: ciphertext}
	if trace != nil {
		resp.Trace = *trace
	}
	h.writeJSON(w, r, op, start, http.StatusOK, resp)
}

func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "decrypt"

	var req cipherRequest
	if err := h.decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	if req.Encoding != "" && req.Encoding != encodingText && req.Encoding != encodingBase64 {
		h.writeError(w, r, op, start, invalidRequest("Unsupported encoding %q", req.Encoding))
		return
	}

	c, trace, err := h.newCipher(r, req.Key)
	if err != nil {
		h.metrics.RecordCipherError(op, cipherErrorType(err))
		h.writeError(w, r, op, start, err)
		return
	}
	plaintext, err := c.Decrypt(req.Ciphertext)
	if err != nil {
		h.metrics.RecordCipherError(op, cipherErrorType(err))
		h.writeError(w, r, op, start, err)
		return
	}
	h.metrics.RecordCipherOperation(op, time.Since(start), int64(len(plaintext)))

	resp := cipherResponse{Plaintext: string(plaintext)}
	if req.Encoding == encodingBase64 {
		resp.Plaintext = base64.StdEncoding.EncodeToString(plaintext)
		resp.Encoding = encodingBase64
	}
	if trace != nil {
		resp.Trace = *trace
	}
	h.writeJSON(w, r, op, start, http.StatusOK, resp)
}

type signRequest struct {
	Message string `json:"message"`
}

type signResponse struct {
	Signature   string `json:"signature"`
	Fingerprint string `json:"fingerprint"`
}

type verifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	var req signRequest
	if err := h.decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.writeError(w, r, "sign", start, err)
		return
	}
	sig, err := crypto.Sign(req.Message, h.identity.PrivateKey)
	if err != nil {
		h.writeError(w, r, "sign", start, err)
		return
	}
	h.writeJSON(w, r, "sign", start, http.StatusOK, signResponse{
		Signature:   sig,
		Fingerprint: h.identity.Fingerprint,
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	var req verifyRequest
	if err := h.decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.writeError(w, r, "verify", start, err)
		return
	}
	pub, err := crypto.ImportPublicKey(req.PublicKey)
	if err != nil {
		h.writeError(w, r, "verify", start, err)
		return
	}
	valid := crypto.Verify(req.Message, req.Signature, pub)
	h.metrics.RecordSignatureCheck("message", valid)
	h.writeJSON(w, r, "verify", start, http.StatusOK, verifyResponse{Valid: valid})
}

type prepareResponse struct {
	Filename  string   `json:"filename"`
	Size      int64    `json:"size"`
	MimeType  string   `json:"mime_type"`
	Chunks    int      `json:"chunks"`
	Checksum  string   `json:"checksum"`
	Signature string   `json:"signature"`
	State     string   `json:"state"`
	Lines     []string `json:"lines"`
}

// handlePrepare turns the raw request body into the framed lines of a
// transfer signed by this node. The symmetric key travels in a header.
func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "prepare"

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		h.writeError(w, r, op, start, invalidRequest("Query parameter filename is required"))
		return
	}
	c, _, err := h.newCipher(r, r.Header.Get(symmetricKeyHeader))
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, transfer.MaxFileSize+1))
	if err != nil {
		h.writeError(w, r, op, start, fmt.Errorf("failed to read body: %w", err))
		return
	}

	handler := transfer.NewHandler(c, h.logger)
	meta, chunks, err := handler.PrepareBytes(filename, data)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	out, err := transfer.NewOutgoing(meta, chunks, h.identity.PrivateKey)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	lines, err := protocol.EncodeTransfer(out)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}

	h.writeJSON(w, r, op, start, http.StatusOK, prepareResponse{
		Filename:  meta.Filename,
		Size:      meta.Size,
		MimeType:  meta.MimeType,
		Chunks:    meta.TotalChunks,
		Checksum:  meta.Checksum,
		Signature: out.Signature,
		State:     out.State.String(),
		Lines:     lines,
	})
}

type receiveRequest struct {
	Key             string   `json:"key"`
	SenderPublicKey string   `json:"sender_public_key"`
	Lines           []string `json:"lines"`
}

// handleReceive verifies a complete framed transfer and delivers the file.
func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "receive"
	ctx := r.Context()

	var req receiveRequest
	if err := h.decodeJSON(w, r, receiveBodyLimit, &req); err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	sender, err := crypto.ImportPublicKey(req.SenderPublicKey)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	peer := crypto.Fingerprint(sender)

	c, _, err := h.newCipher(r, req.Key)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	receiver := transfer.NewReceiver(transfer.NewHandler(c, h.logger))
	defer receiver.Abort()

	var file *transfer.ReceivedFile
	for i, line := range req.Lines {
		if line == "" {
			continue
		}
		frame, err := protocol.ParseFrame(line)
		if err != nil {
			h.writeError(w, r, op, start, fmt.Errorf("line %d: %w", i, err))
			return
		}

		switch frame.Kind {
		case protocol.FrameFileStart:
			err = receiver.Begin(frame.Metadata)
		case protocol.FrameFileChunk:
			_, err = receiver.AddChunk(frame.Chunk)
		case protocol.FrameFileEnd:
			if file != nil {
				err = invalidRequest("Only one transfer per request is supported")
				break
			}
			meta, ok := receiver.Lookup(frame.Checksum)
			file, err = receiver.Finish(frame.Checksum, frame.Signature, sender)
			if err != nil && ok {
				h.rejectTransfer(r, meta, peer, err)
			}
		default:
			err = invalidRequest("Line %d is a chat message, not part of a transfer", i)
		}
		if err != nil {
			h.writeError(w, r, op, start, err)
			return
		}
	}
	if file == nil {
		h.writeError(w, r, op, start, invalidRequest("Transfer has no %s line", protocol.PrefixFileEnd))
		return
	}

	h.metrics.RecordSignatureCheck("file", true)
	h.metrics.RecordTransfer(audit.DirectionInbound, "complete", file.Metadata.Size, file.Metadata.TotalChunks)
	if h.auditLogger != nil {
		h.auditLogger.LogFileTransfer(audit.DirectionInbound, "", peer, file.Metadata.Filename,
			file.Metadata.Checksum, file.Metadata.Size, nil, time.Since(start))
	}

	receipt, err := h.delivery.Accept(ctx, file)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	h.writeJSON(w, r, op, start, http.StatusCreated, receipt)
}

func (h *Handler) rejectTransfer(r *http.Request, meta *transfer.FileMetadata, peer string, err error) {
	tampered := errors.Is(err, transfer.ErrSignatureInvalid) || errors.Is(err, transfer.ErrChecksumMismatch)
	h.metrics.RecordSignatureCheck("file", !errors.Is(err, transfer.ErrSignatureInvalid))
	h.metrics.RecordTransfer(audit.DirectionInbound, "rejected", meta.Size, meta.TotalChunks)
	if h.auditLogger != nil && tampered {
		h.auditLogger.LogTamper("", peer, "file", err)
	}
	h.delivery.Reject(r.Context(), meta.Filename, meta.Checksum, peer, meta.Size, err)
}

type historyResponse struct {
	Transfers []*history.TransferRecord `json:"transfers"`
	Limit     int                       `json:"limit"`
	Offset    int                       `json:"offset"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "history"

	if h.history == nil {
		h.writeError(w, r, op, start, ErrHistoryDisabled)
		return
	}

	limit, offset := 50, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, r, op, start, invalidRequest("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, op, start, invalidRequest("offset must be a non-negative integer"))
			return
		}
		offset = n
	}

	records, err := h.history.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	h.writeJSON(w, r, op, start, http.StatusOK, historyResponse{Transfers: records, Limit: limit, Offset: offset})
}

type inboxEntry struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	Image      bool      `json:"image"`
	Checksum   string    `json:"checksum"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type inboxResponse struct {
	Files []inboxEntry `json:"files"`
	Stats cache.Stats  `json:"stats"`
}

func (h *Handler) handleListInbox(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	resp := inboxResponse{Files: make([]inboxEntry, 0)}
	if h.inbox != nil {
		for _, e := range h.inbox.List(r.Context()) {
			meta := e.File.Metadata
			resp.Files = append(resp.Files, inboxEntry{
				Filename:   meta.Filename,
				Size:       meta.Size,
				MimeType:   meta.MimeType,
				Image:      transfer.IsImage(meta.MimeType),
				Checksum:   meta.Checksum,
				Sender:     e.File.SenderFingerprint,
				ReceivedAt: e.File.ReceivedAt,
				ExpiresAt:  e.ExpiresAt,
			})
		}
		resp.Stats = h.inbox.Stats()
	}
	h.writeJSON(w, r, "inbox_list", start, http.StatusOK, resp)
}

// handleGetInbox serves a received file from the inbox, falling back to
// durable storage when ?sender= names the sender fingerprint.
func (h *Handler) handleGetInbox(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "inbox_get"
	filename := mux.Vars(r)["filename"]

	if h.inbox != nil {
		if entry, ok := h.inbox.Get(r.Context(), filename); ok {
			meta := entry.File.Metadata
			h.writeFile(w, r, op, start, meta.Filename, meta.MimeType, meta.Checksum, entry.File.SenderFingerprint, entry.File.Data)
			return
		}
	}

	sender := r.URL.Query().Get("sender")
	if h.store == nil || sender == "" {
		h.writeError(w, r, op, start, ErrNoSuchFile)
		return
	}

	body, obj, err := h.store.Get(r.Context(), sender+"/"+filename)
	if err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		h.writeError(w, r, op, start, fmt.Errorf("failed to read stored file: %w", err))
		return
	}
	h.writeFile(w, r, op, start, obj.Filename, obj.MimeType, obj.Checksum, obj.Sender, data)
}

func (h *Handler) writeFile(w http.ResponseWriter, r *http.Request, op string, start time.Time, filename, mimeType, checksum, sender string, data []byte) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Checksum-Sha256", checksum)
	w.Header().Set("X-Sender-Fingerprint", sender)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.finish(r, op, start, http.StatusOK, int64(len(data)), nil)
}

func (h *Handler) handleDeleteInbox(w http.ResponseWriter, r *http.Request) {
	start := begin(w, r)
	const op = "inbox_delete"
	filename := mux.Vars(r)["filename"]

	if h.inbox == nil {
		h.writeError(w, r, op, start, ErrNoSuchFile)
		return
	}
	if _, ok := h.inbox.Get(r.Context(), filename); !ok {
		h.writeError(w, r, op, start, ErrNoSuchFile)
		return
	}
	if err := h.inbox.Delete(r.Context(), filename); err != nil {
		h.writeError(w, r, op, start, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.finish(r, op, start, http.StatusNoContent, 0, nil)
}
