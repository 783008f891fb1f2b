package backlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/pollbus/pkg/log"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	opts   Options
	global atomic.Int64
	closed atomic.Bool

	mu    sync.Mutex
	parts map[string]*memPartition
}

type memPartition struct {
	// mu is held shared by appends and exclusively by Flush.
	mu       sync.RWMutex
	chMu     sync.Mutex
	channels map[string]*memChannel
}

type memChannel struct {
	mu      sync.Mutex
	last    int64
	entries []Message
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), parts: make(map[string]*memPartition)}
}

func (s *MemoryStore) partition(name string) *memPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[name]
	if !ok {
		p = &memPartition{channels: make(map[string]*memChannel)}
		s.parts[name] = p
	}
	return p
}

func (p *memPartition) channel(name string, create bool) *memChannel {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	c, ok := p.channels[name]
	if !ok && create {
		c = &memChannel{}
		p.channels[name] = c
	}
	return c
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, partition, channel string, payload []byte, targets Targets) (Message, error) {
	if s.closed.Load() {
		return Message{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	p := s.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.channel(channel, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := s.opts.Clock()
	c.last++
	msg := Message{
		GlobalID:     s.global.Add(1),
		MessageID:    c.last,
		Channel:      channel,
		PartitionKey: partition,
		Payload:      append([]byte(nil), payload...),
		UserIDs:      targets.UserIDs,
		GroupIDs:     targets.GroupIDs,
		PublishedAt:  now,
	}
	c.entries = append(c.entries, msg)
	c.trim(s.opts.Retention, now)
	return msg, nil
}

func (c *memChannel) trim(r Retention, now time.Time) {
	drop := 0
	if over := len(c.entries) - r.MaxEntries; over > 0 {
		drop = over
	}
	cutoff := now.Add(-r.MaxAge)
	for drop < len(c.entries) && c.entries[drop].PublishedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.entries = append(c.entries[:0:0], c.entries[drop:]...)
	}
}

// Since implements Store.
func (s *MemoryStore) Since(ctx context.Context, partition, channel string, after int64) ([]Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	p := s.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.channel(channel, false)
	if c == nil {
		return nil, nil
	}
	cutoff := s.opts.Clock().Add(-s.opts.Retention.MaxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.entries {
		if m.MessageID > after && !m.PublishedAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Last implements Store.
func (s *MemoryStore) Last(ctx context.Context, partition, channel string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	p := s.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.channel(channel, false)
	if c == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

// Flush implements Store.
func (s *MemoryStore) Flush(ctx context.Context, partition string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	p := s.partition(partition)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chMu.Lock()
	p.channels = make(map[string]*memChannel)
	p.chMu.Unlock()
	s.opts.Logger.Info("partition flushed", log.Str("partition", partition))
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
