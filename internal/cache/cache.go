// Package cache holds verified received files in memory until they are
// downloaded or expire.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kenneth/cipherchat/internal/transfer"
)

// ErrTooLarge is returned when a single file exceeds the inbox size limit.
var ErrTooLarge = errors.New("file exceeds inbox capacity")

// Entry is one received file held by the inbox.
type Entry struct {
	File      *transfer.ReceivedFile
	StoredAt  time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the entry has expired at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *Entry) size() int64 {
	return int64(len(e.File.Data))
}

// Inbox is a bounded store of received files keyed by filename.
type Inbox interface {
	// Get returns the unexpired entry for filename.
	Get(ctx context.Context, filename string) (*Entry, bool)

	// Put stores file, replacing any entry with the same filename. A zero ttl
	// uses the inbox default.
	Put(ctx context.Context, file *transfer.ReceivedFile, ttl time.Duration) error

	// Delete removes the entry for filename.
	Delete(ctx context.Context, filename string) error

	// List returns the unexpired entries, newest first.
	List(ctx context.Context) []*Entry

	// Clear removes every entry and resets statistics.
	Clear(ctx context.Context) error

	// Stats returns inbox statistics.
	Stats() Stats
}

// Stats holds inbox statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryInbox is an in-memory implementation of Inbox.
type memoryInbox struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	maxSize  int64
	maxItems int
	stats    Stats
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryInbox creates an inbox holding at most maxItems files totalling
// maxSize bytes. When full, the oldest files are evicted first.
func NewMemoryInbox(maxSize int64, maxItems int, defaultTTL time.Duration) Inbox {
	return &memoryInbox{
		entries:  make(map[string]*Entry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
		now:      time.Now,
	}
}

func (c *memoryInbox) Get(ctx context.Context, filename string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[filename]
	if !ok || entry.IsExpired(c.now()) {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry, true
}

func (c *memoryInbox) Put(ctx context.Context, file *transfer.ReceivedFile, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := &Entry{
		File:      file,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if entry.size() > c.maxSize {
		return fmt.Errorf("%w: %s is %s", ErrTooLarge, file.Metadata.Filename, file.Metadata.FormattedSize())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, file.Metadata.Filename)
	c.evictExpiredLocked(now)
	c.evictForSpaceLocked(entry.size())

	c.entries[file.Metadata.Filename] = entry
	return nil
}

func (c *memoryInbox) Delete(ctx context.Context, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, filename)
	return nil
}

func (c *memoryInbox) List(ctx context.Context) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.IsExpired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StoredAt.After(out[j].StoredAt)
	})
	return out
}

func (c *memoryInbox) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.stats = Stats{}
	return nil
}

func (c *memoryInbox) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.sizeLocked()
	stats.Items = len(c.entries)
	return stats
}

func (c *memoryInbox) sizeLocked() int64 {
	var size int64
	for _, e := range c.entries {
		size += e.size()
	}
	return size
}

func (c *memoryInbox) evictExpiredLocked(now time.Time) {
	for name, e := range c.entries {
		if e.IsExpired(now) {
			delete(c.entries, name)
			c.stats.Evictions++
		}
	}
}

// evictForSpaceLocked removes the oldest entries until needed bytes and one
// more item fit.
func (c *memoryInbox) evictForSpaceLocked(needed int64) {
	size := c.sizeLocked()
	if size+needed <= c.maxSize && len(c.entries) < c.maxItems {
		return
	}

	oldest := make([]string, 0, len(c.entries))
	for name := range c.entries {
		oldest = append(oldest, name)
	}
	sort.Slice(oldest, func(i, j int) bool {
		return c.entries[oldest[i]].StoredAt.Before(c.entries[oldest[j]].StoredAt)
	})

	for _, name := range oldest {
		if size+needed <= c.maxSize && len(c.entries) < c.maxItems {
			break
		}
		size -= c.entries[name].size()
		delete(c.entries, name)
		c.stats.Evictions++
	}
}
