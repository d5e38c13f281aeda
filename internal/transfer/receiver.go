package transfer

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/cipherchat/internal/crypto"
)

// ReceivedFile is a reassembled file whose checksum signature verified.
type ReceivedFile struct {
	Metadata          *FileMetadata
	Data              []byte
	SenderFingerprint string
	ReceivedAt        time.Time
}

type incoming struct {
	meta   *FileMetadata
	chunks []*EncryptedChunk
}

func (in *incoming) next() int {
	return len(in.chunks)
}

// Receiver tracks incoming transfers on one connection, keyed by filename.
// It is safe for concurrent use.
type Receiver struct {
	handler *Handler

	mu      sync.Mutex
	pending map[string]*incoming
	order   []string
	states  map[string]State
	now     func() time.Time
}

// NewReceiver creates a receiver that reassembles with handler.
func NewReceiver(handler *Handler) *Receiver {
	return &Receiver{
		handler: handler,
		pending: make(map[string]*incoming),
		states:  make(map[string]State),
		now:     time.Now,
	}
}

// Begin starts accumulating a transfer. A pending transfer with the same
// filename is discarded.
func (r *Receiver) Begin(meta *FileMetadata) error {
	if meta.Size < 0 || meta.Size > MaxFileSize {
		return fmt.Errorf("%w: %s declares %d bytes", ErrUnsupportedFile, meta.Filename, meta.Size)
	}
	if meta.TotalChunks != int((meta.Size+ChunkSize-1)/ChunkSize) {
		return fmt.Errorf("%w: %s declares %d chunks for %d bytes", ErrInvalidRecord, meta.Filename, meta.TotalChunks, meta.Size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[meta.Filename]; ok {
		r.removeLocked(meta.Filename)
	}
	r.pending[meta.Filename] = &incoming{
		meta:   meta,
		chunks: make([]*EncryptedChunk, 0, meta.TotalChunks),
	}
	r.order = append(r.order, meta.Filename)
	r.states[meta.Filename] = StateReceiving
	return nil
}

// AddChunk appends chunk to the oldest pending transfer expecting exactly
// this index with the same chunk total, and returns that transfer's metadata.
func (r *Receiver) AddChunk(chunk *EncryptedChunk) (*FileMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		in := r.pending[name]
		if in.meta.TotalChunks == chunk.TotalChunks && in.next() == chunk.Index && chunk.Index < in.meta.TotalChunks {
			in.chunks = append(in.chunks, chunk)
			return in.meta, nil
		}
	}
	return nil, fmt.Errorf("%w: no transfer expects chunk %d/%d", ErrUnknownTransfer, chunk.Index, chunk.TotalChunks)
}

// Finish completes the oldest pending transfer with the given checksum. The
// signature over the checksum is verified against sender before any chunk
// is decrypted. On failure the transfer is Rejected and the error returned.
func (r *Receiver) Finish(checksum, signature string, sender *rsa.PublicKey) (*ReceivedFile, error) {
	in, err := r.take(checksum)
	if err != nil {
		return nil, err
	}
	name := in.meta.Filename

	if !crypto.Verify(checksum, signature, sender) {
		r.setState(name, StateRejected)
		return nil, fmt.Errorf("%w: checksum of %s", ErrSignatureInvalid, name)
	}

	data, err := r.handler.Reassemble(in.meta, in.chunks)
	if err != nil {
		r.setState(name, StateRejected)
		return nil, fmt.Errorf("failed to reassemble %s: %w", name, err)
	}

	r.setState(name, StateComplete)
	return &ReceivedFile{
		Metadata:          in.meta,
		Data:              data,
		SenderFingerprint: crypto.Fingerprint(sender),
		ReceivedAt:        r.now(),
	}, nil
}

// Lookup returns the metadata of the pending transfer Finish would pick for
// checksum.
func (r *Receiver) Lookup(checksum string) (*FileMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if in := r.pending[name]; in.meta.Checksum == checksum {
			return in.meta, true
		}
	}
	return nil, false
}

// State returns the state of the most recent transfer of filename, or Idle.
func (r *Receiver) State(filename string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[filename]
}

// Pending returns the filenames still receiving chunks, oldest first.
func (r *Receiver) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Abort drops every pending transfer, marking each Rejected.
func (r *Receiver) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		r.states[name] = StateRejected
	}
	r.pending = make(map[string]*incoming)
	r.order = nil
}

func (r *Receiver) take(checksum string) (*incoming, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		in := r.pending[name]
		if in.meta.Checksum == checksum {
			r.removeLocked(name)
			r.states[name] = StateVerifying
			return in, nil
		}
	}
	return nil, fmt.Errorf("%w: no transfer with checksum %s", ErrUnknownTransfer, checksum)
}

func (r *Receiver) setState(name string, s State) {
	r.mu.Lock()
	r.states[name] = s
	r.mu.Unlock()
}

func (r *Receiver) removeLocked(name string) {
	delete(r.pending, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
