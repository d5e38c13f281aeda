package transfer

import (
	"crypto/rsa"
	"fmt"

	"github.com/kenneth/cipherchat/internal/crypto"
)

// State is the lifecycle position of a single file transfer.
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateSent
	StateReceiving
	StateVerifying
	StateComplete
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateSent:
		return "sent"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outgoing is a prepared file together with the sender's signature over its checksum.
type Outgoing struct {
	Metadata  *FileMetadata
	Chunks    []*EncryptedChunk
	Signature string
	State     State
}

// NewOutgoing signs meta.Checksum with priv and returns a Prepared transfer.
func NewOutgoing(meta *FileMetadata, chunks []*EncryptedChunk, priv *rsa.PrivateKey) (*Outgoing, error) {
	sig, err := crypto.Sign(meta.Checksum, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign checksum of %s: %w", meta.Filename, err)
	}
	return &Outgoing{
		Metadata:  meta,
		Chunks:    chunks,
		Signature: sig,
		State:     StatePrepared,
	}, nil
}

// MarkSent records that every frame of the transfer was written.
func (o *Outgoing) MarkSent() {
	o.State = StateSent
}
