package backlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/pollbus/internal/storage/pebble"
	"github.com/rzbill/pollbus/pkg/log"
)

// globalLeaseStep is how many bus sequences are reserved per lease write.
// After a restart the counter resumes from the persisted lease, so ids stay
// monotonic with a gap of at most one step.
const globalLeaseStep = 1024

// PebbleStore is a Store persisted in Pebble.
type PebbleStore struct {
	db     *pebblestore.DB
	opts   Options
	closed atomic.Bool

	globalMu sync.Mutex
	global   int64
	leased   int64

	mu    sync.Mutex
	parts map[string]*pebblePartition
}

type pebblePartition struct {
	mu       sync.RWMutex
	chMu     sync.Mutex
	channels map[string]*pebbleChannel
}

type pebbleChannel struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

// OpenPebbleStore loads the bus sequence lease from db and returns a store.
// The caller keeps ownership of db.
func OpenPebbleStore(db *pebblestore.DB, opts Options) (*PebbleStore, error) {
	s := &PebbleStore{db: db, opts: opts.withDefaults(), parts: make(map[string]*pebblePartition)}
	v, err := db.Get(keyGlobalBl)
	switch {
	case err == nil && len(v) >= 8:
		s.leased = int64(binary.BigEndian.Uint64(v[:8]))
		s.global = s.leased
	case err == nil, errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, fmt.Errorf("backlog: load bus sequence: %w", err)
	}
	return s, nil
}

func (s *PebbleStore) nextGlobal() (int64, error) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	next := s.global + 1
	if next > s.leased {
		lease := next + globalLeaseStep
		if err := s.db.Set(keyGlobalBl, appendBE8(nil, uint64(lease))); err != nil {
			return 0, fmt.Errorf("backlog: lease bus sequence: %w", err)
		}
		s.leased = lease
	}
	s.global = next
	return next, nil
}

func (s *PebbleStore) partition(name string) *pebblePartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[name]
	if !ok {
		p = &pebblePartition{channels: make(map[string]*pebbleChannel)}
		s.parts[name] = p
	}
	return p
}

func (p *pebblePartition) channel(name string) *pebbleChannel {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	c, ok := p.channels[name]
	if !ok {
		c = &pebbleChannel{}
		p.channels[name] = c
	}
	return c
}

// load reads the persisted last sequence once. Callers hold c.mu.
func (s *PebbleStore) load(c *pebbleChannel, partition, channel string) error {
	if c.loaded {
		return nil
	}
	v, err := s.db.Get(keyChannelMeta(partition, channel))
	switch {
	case err == nil && len(v) >= 8:
		c.last = int64(binary.BigEndian.Uint64(v[:8]))
	case err == nil, errors.Is(err, pebblestore.ErrNotFound):
	default:
		return fmt.Errorf("backlog: load %s%s: %w", partition, channel, err)
	}
	c.loaded = true
	return nil
}

// Append implements Store.
func (s *PebbleStore) Append(ctx context.Context, partition, channel string, payload []byte, targets Targets) (Message, error) {
	if s.closed.Load() {
		return Message{}, ErrClosed
	}
	p := s.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.channel(channel)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.load(c, partition, channel); err != nil {
		return Message{}, err
	}
	gid, err := s.nextGlobal()
	if err != nil {
		return Message{}, err
	}
	now := s.opts.Clock()
	seq := c.last + 1
	hdr := recordHeader{busSeq: gid, publishedMs: now.UnixMilli(), targets: targets}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyEntry(partition, channel, uint64(seq)), encodeRecord(hdr.encode(), payload), nil); err != nil {
		return Message{}, err
	}
	if err := b.Set(keyChannelMeta(partition, channel), appendBE8(nil, uint64(seq)), nil); err != nil {
		return Message{}, err
	}
	if err := s.trimInto(b, partition, channel, seq, now); err != nil {
		return Message{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Message{}, fmt.Errorf("backlog: append %s%s: %w", partition, channel, err)
	}
	c.last = seq

	return Message{
		GlobalID:     gid,
		MessageID:    seq,
		Channel:      channel,
		PartitionKey: partition,
		Payload:      append([]byte(nil), payload...),
		UserIDs:      targets.UserIDs,
		GroupIDs:     targets.GroupIDs,
		PublishedAt:  time.UnixMilli(hdr.publishedMs),
	}, nil
}

// trimInto adds deletes for entries beyond retention to b. seq is the entry
// being appended in b.
func (s *PebbleStore) trimInto(b *pebble.Batch, partition, channel string, seq int64, now time.Time) error {
	keep := int64(s.opts.Retention.MaxEntries)
	floor := int64(1)
	if seq > keep {
		floor = seq - keep + 1
		if err := b.DeleteRange(keyEntry(partition, channel, 0), keyEntry(partition, channel, uint64(floor)), nil); err != nil {
			return err
		}
	}

	cutoffMs := now.Add(-s.opts.Retention.MaxAge).UnixMilli()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(partition, channel, uint64(floor)),
		UpperBound: keyEntry(partition, channel, uint64(seq)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		hdr, _, okDec := decodeRecord(iter.Value())
		if okDec {
			if h, okHdr := parseHeader(hdr); okHdr && h.publishedMs >= cutoffMs {
				break
			}
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Since implements Store.
func (s *PebbleStore) Since(ctx context.Context, partition, channel string, after int64) ([]Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if after < 0 {
		after = 0
	}
	p := s.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()

	chKey := keyChannel(partition, channel)
	upper := prefixEnd(append(chKey, entrySeg...))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(partition, channel, uint64(after)+1),
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	cutoffMs := s.opts.Clock().Add(-s.opts.Retention.MaxAge).UnixMilli()
	var out []Message
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := iter.Key()
		seq := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
		rawHdr, payload, okDec := decodeRecord(iter.Value())
		if !okDec {
			s.opts.Logger.Warn("skipping corrupt backlog record",
				log.Str("partition", partition), log.Str("channel", channel), log.Int64("seq", seq))
			continue
		}
		h, okHdr := parseHeader(rawHdr)
		if !okHdr || h.publishedMs < cutoffMs {
			continue
		}
		out = append(out, Message{
			GlobalID:     h.busSeq,
			MessageID:    seq,
			Channel:      channel,
			PartitionKey: partition,
			Payload:      payload,
			UserIDs:      h.targets.UserIDs,
			GroupIDs:     h.targets.GroupIDs,
			PublishedAt:  time.UnixMilli(h.publishedMs),
		})
	}
	return out, iter.Error()
}

// Last implements Store.
func (s *PebbleStore) Last(ctx context.Context, partition, channel string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	p := s.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.channel(channel)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.load(c, partition, channel); err != nil {
		return 0, err
	}
	return c.last, nil
}

// Flush implements Store.
func (s *PebbleStore) Flush(ctx context.Context, partition string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	p := s.partition(partition)
	p.mu.Lock()
	defer p.mu.Unlock()
	start := keyPartition(partition)
	if err := s.db.DeleteRange(ctx, start, prefixEnd(start)); err != nil {
		return fmt.Errorf("backlog: flush %s: %w", partition, err)
	}
	p.chMu.Lock()
	p.channels = make(map[string]*pebbleChannel)
	p.chMu.Unlock()
	s.opts.Logger.Info("partition flushed", log.Str("partition", partition))
	return nil
}

// Close marks the store closed. The underlying DB is closed by its owner.
func (s *PebbleStore) Close() error {
	s.closed.Store(true)
	return nil
}
