package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/cipherchat/internal/cache"
	"github.com/kenneth/cipherchat/internal/history"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/storage"
	"github.com/kenneth/cipherchat/internal/transfer"
	"github.com/sirupsen/logrus"
)

// HistoryStore is the subset of the history repository the API uses.
type HistoryStore interface {
	Record(ctx context.Context, rec *history.TransferRecord) error
	List(ctx context.Context, limit, offset int) ([]*history.TransferRecord, error)
}

// Receipt describes where an accepted file was delivered.
type Receipt struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	Checksum   string    `json:"checksum"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	InInbox    bool      `json:"in_inbox"`
	StorageKey string    `json:"storage_key,omitempty"`
}

// Delivery hands verified files to the inbox, durable storage and the
// transfer history. Any of the three may be absent.
type Delivery struct {
	inbox   cache.Inbox
	store   storage.Store
	history HistoryStore
	ttl     time.Duration
	logger  *logrus.Logger
}

// NewDelivery creates a delivery service. ttl applies to inbox entries; zero
// uses the inbox default.
func NewDelivery(inbox cache.Inbox, store storage.Store, hist HistoryStore, ttl time.Duration, logger *logrus.Logger) *Delivery {
	return &Delivery{
		inbox:   inbox,
		store:   store,
		history: hist,
		ttl:     ttl,
		logger:  logger,
	}
}

// Accept delivers a verified file. It fails only when no sink accepted it.
func (d *Delivery) Accept(ctx context.Context, file *transfer.ReceivedFile) (*Receipt, error) {
	meta := file.Metadata
	receipt := &Receipt{
		Filename:   meta.Filename,
		Size:       meta.Size,
		MimeType:   meta.MimeType,
		Checksum:   meta.Checksum,
		Sender:     file.SenderFingerprint,
		ReceivedAt: file.ReceivedAt,
	}
	logger := d.logger.WithFields(logrus.Fields{
		"filename": meta.Filename,
		"sender":   file.SenderFingerprint,
		"size":     meta.FormattedSize(),
	})

	var errs []error
	if d.inbox != nil {
		if err := d.inbox.Put(ctx, file, d.ttl); err != nil {
			logger.WithError(err).Warn("Failed to add file to inbox")
			errs = append(errs, fmt.Errorf("inbox: %w", err))
		} else {
			receipt.InInbox = true
		}
	}
	if d.store != nil {
		obj, err := d.store.Put(ctx, file)
		if err != nil {
			logger.WithError(err).Error("Failed to store received file")
			errs = append(errs, fmt.Errorf("storage: %w", err))
		} else {
			receipt.StorageKey = obj.Key
		}
	}

	delivered := receipt.InInbox || receipt.StorageKey != ""
	if !delivered && len(errs) == 0 {
		errs = append(errs, errors.New("no inbox or storage configured"))
	}

	rec := &history.TransferRecord{
		Direction: history.DirectionInbound,
		Filename:  meta.Filename,
		Size:      meta.Size,
		Checksum:  meta.Checksum,
		Peer:      file.SenderFingerprint,
		Status:    history.StatusComplete,
	}
	if !delivered {
		rec.Status = history.StatusRejected
		rec.Error = errors.Join(errs...).Error()
	}
	d.record(ctx, rec)

	if !delivered {
		return nil, fmt.Errorf("failed to deliver %s: %w", meta.Filename, errors.Join(errs...))
	}
	logger.WithFields(logrus.Fields{
		"inbox":       receipt.InInbox,
		"storage_key": receipt.StorageKey,
	}).Info("Delivered received file")
	return receipt, nil
}

// Reject records a transfer that failed verification.
func (d *Delivery) Reject(ctx context.Context, filename, checksum, peer string, size int64, cause error) {
	d.logger.WithError(cause).WithFields(logrus.Fields{
		"filename": filename,
		"peer":     peer,
	}).Warn("Rejected incoming file")

	rec := &history.TransferRecord{
		Direction: history.DirectionInbound,
		Filename:  filename,
		Size:      size,
		Checksum:  checksum,
		Peer:      peer,
		Status:    history.StatusRejected,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	d.record(ctx, rec)
}

// Sent records a completed outbound transfer.
func (d *Delivery) Sent(ctx context.Context, meta *transfer.FileMetadata, peer string) {
	d.record(ctx, &history.TransferRecord{
		Direction: history.DirectionOutbound,
		Filename:  meta.Filename,
		Size:      meta.Size,
		Checksum:  meta.Checksum,
		Peer:      peer,
		Status:    history.StatusSent,
	})
}

// HandleEvent applies one session event. peer is the session's fingerprint.
func (d *Delivery) HandleEvent(ctx context.Context, ev protocol.Event, peer string) {
	switch ev.Kind {
	case protocol.EventChatReceived:
		d.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"bytes": len(ev.Text),
		}).Info("Chat message received")
	case protocol.EventChatRejected:
		d.logger.WithError(ev.Err).WithField("peer", peer).Warn("Chat message rejected")
	case protocol.EventFileReceived:
		if _, err := d.Accept(ctx, ev.File); err != nil {
			d.logger.WithError(err).WithField("peer", peer).Error("Failed to deliver file")
		}
	case protocol.EventFileRejected:
		d.Reject(ctx, ev.Filename, "", peer, 0, ev.Err)
	}
}

func (d *Delivery) record(ctx context.Context, rec *history.TransferRecord) {
	if d.history == nil {
		return
	}
	if err := d.history.Record(ctx, rec); err != nil {
		d.logger.WithError(err).WithField("filename", rec.Filename).Warn("Failed to record transfer history")
	}
}
