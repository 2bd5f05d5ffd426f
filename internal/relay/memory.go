package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker. Every subscriber of a channel,
// including the publisher's own, receives each message synchronously.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]func([]byte)
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]func([]byte))}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	fns := append([]func([]byte){}, b.subs[channel]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return errBrokerClosed
	}
	for _, fn := range fns {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string, fn func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	b.subs[channel] = append(b.subs[channel], fn)
	return nil
}

func (b *MemoryBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]func([]byte))
	return nil
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.Mutex
	buckets map[string][][]byte
	expires map[string]time.Time
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		buckets: make(map[string][][]byte),
		expires: make(map[string]time.Time),
	}
}

func (l *MemoryLog) Append(_ context.Context, bucket string, payload []byte, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucket] = append(l.buckets[bucket], append([]byte(nil), payload...))
	l.expires[bucket] = expiresAt
	return nil
}

// Range returns the newest limit entries of bucket, oldest first. A limit
// below one returns the whole bucket.
func (l *MemoryLog) Range(_ context.Context, bucket string, limit int) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.buckets[bucket]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([][]byte(nil), entries...), nil
}

func (l *MemoryLog) Purge(_ context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for bucket, at := range l.expires {
		if at.After(now) {
			continue
		}
		removed += int64(len(l.buckets[bucket]))
		delete(l.buckets, bucket)
		delete(l.expires, bucket)
	}
	return removed, nil
}
