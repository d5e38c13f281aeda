package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kenneth/cipherchat/internal/cache"
	"github.com/kenneth/cipherchat/internal/history"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/storage"
	"github.com/kenneth/cipherchat/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receivedFile(name string, data []byte) *transfer.ReceivedFile {
	return &transfer.ReceivedFile{
		Metadata: &transfer.FileMetadata{
			Filename:    name,
			Size:        int64(len(data)),
			MimeType:    transfer.DetectMimeType(name),
			TotalChunks: 1,
			Checksum:    transfer.Checksum(data),
		},
		Data:              data,
		SenderFingerprint: "0123456789abcdef0123",
		ReceivedAt:        time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDeliveryAccept(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	inbox := cache.NewMemoryInbox(1024, 10, time.Hour)
	hist := &memoryHistory{}

	d := NewDelivery(inbox, store, hist, time.Minute, quietLogger())
	receipt, err := d.Accept(ctx, receivedFile("memo.txt", []byte("hello")))
	require.NoError(t, err)
	assert.True(t, receipt.InInbox)
	assert.Equal(t, "0123456789abcdef0123/memo.txt", receipt.StorageKey)

	entry, ok := inbox.Get(ctx, "memo.txt")
	require.True(t, ok)
	assert.Equal(t, entry.StoredAt.Add(time.Minute), entry.ExpiresAt)

	require.Len(t, hist.records, 1)
	assert.Equal(t, history.StatusComplete, hist.records[0].Status)
}

func TestDeliveryInboxFullFallsBackToStorage(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	inbox := cache.NewMemoryInbox(4, 10, time.Hour)

	d := NewDelivery(inbox, store, nil, 0, quietLogger())
	receipt, err := d.Accept(context.Background(), receivedFile("big.bin", []byte("more than four bytes")))
	require.NoError(t, err)
	assert.False(t, receipt.InInbox)
	assert.NotEmpty(t, receipt.StorageKey)
}

func TestDeliveryNoSinks(t *testing.T) {
	hist := &memoryHistory{}
	d := NewDelivery(nil, nil, hist, 0, quietLogger())

	_, err := d.Accept(context.Background(), receivedFile("a.txt", []byte("a")))
	require.Error(t, err)

	require.Len(t, hist.records, 1)
	assert.Equal(t, history.StatusRejected, hist.records[0].Status)
	assert.Contains(t, hist.records[0].Error, "no inbox or storage configured")
}

func TestDeliveryInboxOnlyTooLarge(t *testing.T) {
	d := NewDelivery(cache.NewMemoryInbox(2, 10, time.Hour), nil, nil, 0, quietLogger())
	_, err := d.Accept(context.Background(), receivedFile("a.txt", []byte("abc")))
	assert.ErrorIs(t, err, cache.ErrTooLarge)
}

func TestDeliveryHandleEvent(t *testing.T) {
	ctx := context.Background()
	inbox := cache.NewMemoryInbox(1024, 10, time.Hour)
	hist := &memoryHistory{}
	d := NewDelivery(inbox, nil, hist, 0, quietLogger())

	d.HandleEvent(ctx, protocol.Event{Kind: protocol.EventChatReceived, Text: "hi"}, "peer")
	d.HandleEvent(ctx, protocol.Event{Kind: protocol.EventChatRejected, Err: errors.New("bad sig")}, "peer")
	assert.Empty(t, hist.records)

	d.HandleEvent(ctx, protocol.Event{Kind: protocol.EventFileReceived, File: receivedFile("x.txt", []byte("x"))}, "peer")
	_, ok := inbox.Get(ctx, "x.txt")
	assert.True(t, ok)

	d.HandleEvent(ctx, protocol.Event{Kind: protocol.EventFileRejected, Filename: "y.txt", Err: transfer.ErrChecksumMismatch}, "peer")

	require.Len(t, hist.records, 2)
	assert.Equal(t, history.StatusComplete, hist.records[0].Status)
	assert.Equal(t, history.StatusRejected, hist.records[1].Status)
	assert.Equal(t, "y.txt", hist.records[1].Filename)
	assert.Equal(t, "peer", hist.records[1].Peer)
	assert.Equal(t, transfer.ErrChecksumMismatch.Error(), hist.records[1].Error)
}

func TestDeliverySent(t *testing.T) {
	hist := &memoryHistory{}
	d := NewDelivery(nil, nil, hist, 0, quietLogger())
	d.Sent(context.Background(), receivedFile("out.txt", []byte("o")).Metadata, "peer")

	require.Len(t, hist.records, 1)
	assert.Equal(t, history.DirectionOutbound, hist.records[0].Direction)
	assert.Equal(t, history.StatusSent, hist.records[0].Status)
}
