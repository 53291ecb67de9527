package chat

import (
	"context"
	"sync"
	"time"

	"github.com/johndosdos/huddle/internal/model"
)

// DedupCache remembers confirmed sends by sender and correlation id so a
// retried send returns the original durable record.
type DedupCache interface {
	Get(ctx context.Context, key string) (model.Message, bool, error)
	Put(ctx context.Context, key string, msg model.Message, ttl time.Duration) error
}

type dedupEntry struct {
	msg     model.Message
	expires time.Time
}

// MemoryDedup is a process-local DedupCache. Expired entries are ignored on
// read and removed by Sweep.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
}

var _ DedupCache = (*MemoryDedup)(nil)

func NewMemoryDedup(now func() time.Time) *MemoryDedup {
	return &MemoryDedup{entries: make(map[string]dedupEntry), now: now}
}

func (d *MemoryDedup) Get(_ context.Context, key string) (model.Message, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok || !d.now().Before(e.expires) {
		return model.Message{}, false, nil
	}
	return e.msg, true, nil
}

func (d *MemoryDedup) Put(_ context.Context, key string, msg model.Message, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = dedupEntry{msg: msg, expires: d.now().Add(ttl)}
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (d *MemoryDedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for key, e := range d.entries {
		if !now.Before(e.expires) {
			delete(d.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func dedupKey(sender, roomID, correlationID string) string {
	return sender + ":" + roomID + ":" + correlationID
}
