// Package bus assigns sequences through the backlog store and hands every
// published message to listeners on a single ordered dispatch goroutine.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/pkg/log"
)

// ErrClosed is returned by Publish and Flush after Close.
var ErrClosed = errors.New("bus: closed")

// Metrics observes publisher activity.
type Metrics interface {
	ObservePublish(channel string)
}

type noopMetrics struct{}

func (noopMetrics) ObservePublish(string) {}

type event struct {
	msg       backlog.Message
	flush     bool
	partition string
}

// Bus is the publisher. Publish returns once the message is stored; listeners
// run later, in publish order, on the dispatch goroutine.
type Bus struct {
	store   backlog.Store
	logger  log.Logger
	metrics Metrics

	lmu     sync.RWMutex
	onMsg   []func(backlog.Message)
	onFlush []func(string)

	// gate is held shared by Publish and Flush from the closed check until
	// their event is queued, and exclusively by Close.
	gate sync.RWMutex

	qmu    sync.Mutex
	queue  []event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// Options configures a Bus.
type Options struct {
	Logger  log.Logger
	Metrics Metrics
}

// New starts a Bus over store.
func New(store backlog.Store, opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	b := &Bus{
		store:   store,
		logger:  opts.Logger.WithComponent("bus"),
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Store returns the backlog the bus appends to.
func (b *Bus) Store() backlog.Store { return b.store }

// OnMessage registers fn to receive every published message.
func (b *Bus) OnMessage(fn func(backlog.Message)) {
	b.lmu.Lock()
	b.onMsg = append(b.onMsg, fn)
	b.lmu.Unlock()
}

// OnFlush registers fn to receive the partition of every flush.
func (b *Bus) OnFlush(fn func(partition string)) {
	b.lmu.Lock()
	b.onFlush = append(b.onFlush, fn)
	b.lmu.Unlock()
}

// Publish appends payload to channel and schedules its notification.
func (b *Bus) Publish(ctx context.Context, partition, channel string, payload []byte, targets backlog.Targets) (backlog.Message, error) {
	b.gate.RLock()
	defer b.gate.RUnlock()
	if b.isClosed() {
		return backlog.Message{}, ErrClosed
	}
	msg, err := b.store.Append(ctx, partition, channel, payload, targets)
	if err != nil {
		return backlog.Message{}, fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	b.metrics.ObservePublish(channel)
	b.enqueue(event{msg: msg})
	return msg, nil
}

// Flush clears the partition's backlog and notifies flush listeners.
func (b *Bus) Flush(ctx context.Context, partition string) error {
	b.gate.RLock()
	defer b.gate.RUnlock()
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.store.Flush(ctx, partition); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	b.enqueue(event{flush: true, partition: partition})
	return nil
}

func (b *Bus) isClosed() bool {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return b.closed
}

func (b *Bus) enqueue(ev event) {
	b.qmu.Lock()
	b.queue = append(b.queue, ev)
	b.qmu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		<-b.wake
		for {
			b.qmu.Lock()
			batch := b.queue
			b.queue = nil
			closed := b.closed
			b.qmu.Unlock()
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, ev := range batch {
				b.dispatch(ev)
			}
		}
	}
}

func (b *Bus) dispatch(ev event) {
	b.lmu.RLock()
	onMsg, onFlush := b.onMsg, b.onFlush
	b.lmu.RUnlock()
	if ev.flush {
		for _, fn := range onFlush {
			b.safely(func() { fn(ev.partition) })
		}
		return
	}
	for _, fn := range onMsg {
		b.safely(func() { fn(ev.msg) })
	}
}

func (b *Bus) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", log.Any("panic", r))
		}
	}()
	fn()
}

// Close stops accepting publishes, waits for publishes already past the
// closed check, delivers everything queued and stops the dispatcher. It does
// not close the store.
func (b *Bus) Close() error {
	b.gate.Lock()
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		b.gate.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	b.qmu.Unlock()
	b.gate.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
	return nil
}
