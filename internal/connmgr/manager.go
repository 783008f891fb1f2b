// Package connmgr owns the waiting long-poll connections of a server. It
// replays backlog on registration, fans published messages out to waiters
// and guarantees that each connection is answered exactly once.
package connmgr

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/internal/subindex"
	"github.com/rzbill/pollbus/internal/wire"
	"github.com/rzbill/pollbus/pkg/log"
)

// Defaults for Options.
const (
	DefaultLongPollingInterval = 25 * time.Second
	DefaultMaxActive           = 1000
)

var (
	// ErrManagerClosed is returned by Register after Close.
	ErrManagerClosed = errors.New("connmgr: manager closed")
	// ErrTransportClosed may be returned by a Responder whose peer is gone.
	ErrTransportClosed = errors.New("connmgr: transport closed")
)

// Metrics observes connection manager activity.
type Metrics interface {
	ObserveResponse(outcome string)
	SetWaiting(n int)
	IncFanoutError()
}

type noopMetrics struct{}

func (noopMetrics) ObserveResponse(string) {}
func (noopMetrics) SetWaiting(int)         {}
func (noopMetrics) IncFanoutError()        {}

// Options configures a Manager.
type Options struct {
	LongPollingEnabled  bool
	LongPollingInterval time.Duration
	// MaxActive caps waiting connections; registrations beyond it are
	// answered immediately.
	MaxActive int
	Hooks     Hooks
	Logger    log.Logger
	Metrics   Metrics
}

// Stats is a point in time view of the manager.
type Stats struct {
	Waiting int
	Index   subindex.Stats
}

// Manager is safe for concurrent use.
type Manager struct {
	store   backlog.Store
	opts    Options
	logger  log.Logger
	metrics Metrics
	index   *subindex.Index

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// New returns a Manager reading backlog from store.
func New(store backlog.Store, opts Options) *Manager {
	if opts.LongPollingInterval <= 0 {
		opts.LongPollingInterval = DefaultLongPollingInterval
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Manager{
		store:   store,
		opts:    opts,
		logger:  opts.Logger.WithComponent("connmgr"),
		metrics: opts.Metrics,
		index:   subindex.New(),
		conns:   make(map[string]*Connection),
	}
}

// Register answers c from backlog when possible, otherwise parks it until a
// matching message, a flush, a cancel or the long-poll deadline. A waiting
// connection with the same id is cancelled first.
func (m *Manager) Register(ctx context.Context, c *Connection) error {
	m.mu.Lock()
	closed := m.closed
	prev := m.conns[c.ID]
	if prev != nil {
		delete(m.conns, c.ID)
	}
	waiting := len(m.conns)
	m.mu.Unlock()

	if prev != nil {
		m.index.UnsubscribeAll(prev.ID)
		m.finish(prev, Response{Outcome: OutcomeCancelled})
		m.logger.Debug("replaced duplicate connection", log.Str("id", c.ID))
	}
	if closed {
		m.finish(c, Response{Outcome: OutcomeImmediate, Messages: []wire.Message{}})
		return ErrManagerClosed
	}

	longPoll := c.LongPoll && m.opts.LongPollingEnabled && waiting < m.opts.MaxActive
	if !longPoll {
		msgs := m.backlogFor(ctx, c)
		outcome := OutcomeData
		if len(msgs) == 0 {
			outcome, msgs = OutcomeImmediate, []wire.Message{}
		}
		m.finish(c, Response{Outcome: outcome, Messages: msgs})
		return nil
	}

	// Index before reading backlog so a publish racing with registration is
	// seen either here or by Notify.
	m.mu.Lock()
	if other := m.conns[c.ID]; other != nil {
		delete(m.conns, c.ID)
		m.mu.Unlock()
		m.index.UnsubscribeAll(other.ID)
		m.finish(other, Response{Outcome: OutcomeCancelled})
		m.mu.Lock()
	}
	m.conns[c.ID] = c
	m.metrics.SetWaiting(len(m.conns))
	m.mu.Unlock()
	for ch := range c.Subscriptions {
		m.index.Subscribe(c.ID, c.Identity.PartitionKey, ch)
	}

	if msgs := m.backlogFor(ctx, c); len(msgs) > 0 {
		m.detach(c)
		m.finish(c, Response{Outcome: OutcomeData, Messages: msgs})
		return nil
	}

	c.arm(m.opts.LongPollingInterval, func() { m.expire(c) })
	return nil
}

func (m *Manager) expire(c *Connection) {
	if c.resolved() {
		return
	}
	m.detach(c)
	msgs := m.backlogFor(context.Background(), c)
	if msgs == nil {
		msgs = []wire.Message{}
	}
	m.finish(c, Response{Outcome: OutcomeTimeout, Messages: msgs})
}

// detach removes c from the waiting set if it is still the registered
// connection for its id.
func (m *Manager) detach(c *Connection) bool {
	m.mu.Lock()
	current := m.conns[c.ID] == c
	if current {
		delete(m.conns, c.ID)
		m.metrics.SetWaiting(len(m.conns))
	}
	m.mu.Unlock()
	if current {
		m.index.UnsubscribeAll(c.ID)
	}
	return current
}

// finish resolves c and writes the response. A failed write only drops the
// connection.
func (m *Manager) finish(c *Connection, r Response) bool {
	if !c.resolve(r) {
		return false
	}
	m.metrics.ObserveResponse(r.Outcome.String())
	if r.Outcome == OutcomeGone || c.Responder == nil {
		return true
	}
	if err := c.Responder.Respond(r); err != nil {
		m.logger.Debug("response write failed", log.Str("id", c.ID), log.Err(err))
	}
	return true
}

func (m *Manager) lookup(id string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// Notify delivers msg to connections waiting on its channel.
func (m *Manager) Notify(msg backlog.Message) {
	members := m.index.Members(msg.PartitionKey, msg.Channel)
	if len(members) == 0 {
		return
	}
	work := func() {
		for _, id := range members {
			m.deliver(id, msg)
		}
	}

	if m.opts.Hooks.AroundBatch != nil {
		if wrap := m.opts.Hooks.AroundBatch(msg.Channel); wrap != nil {
			var userIDs []string
			for _, id := range members {
				if c := m.lookup(id); c != nil && c.Identity.UserID != "" {
					userIDs = append(userIDs, c.Identity.UserID)
				}
			}
			if len(userIDs) == 0 {
				return
			}
			m.guard("around batch", msg.Channel, func() { wrap(msg, userIDs, work) })
			return
		}
	}
	work()
}

func (m *Manager) guard(what, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncFanoutError()
			m.logger.Error("notify failed", log.Str("stage", what), log.Str("id", id), log.Any("panic", r))
		}
	}()
	fn()
}

func (m *Manager) deliver(id string, msg backlog.Message) {
	m.guard("deliver", id, func() {
		c := m.lookup(id)
		if c == nil || c.resolved() || c.Identity.PartitionKey != msg.PartitionKey {
			return
		}
		pos, ok := c.Subscriptions[msg.Channel]
		if !ok || (pos >= 0 && msg.MessageID <= pos) {
			return
		}
		if !m.opts.Hooks.allowed(c.Identity, msg) {
			return
		}
		payload, keep := m.opts.Hooks.filter(c.Identity, msg)
		if !keep {
			return
		}
		if !m.detach(c) {
			return
		}
		msgs := m.backlogFor(context.Background(), c)
		if !containsGlobal(msgs, msg.GlobalID) {
			msgs = append(msgs, toWire(msg, payload))
			wire.SortNewestFirst(msgs)
		}
		m.finish(c, Response{Outcome: OutcomeData, Messages: msgs})
	})
}

func containsGlobal(msgs []wire.Message, id int64) bool {
	for _, w := range msgs {
		if w.GlobalID == id {
			return true
		}
	}
	return false
}

func toWire(msg backlog.Message, payload []byte) wire.Message {
	return wire.Message{MessageID: msg.MessageID, GlobalID: msg.GlobalID, Channel: msg.Channel, Data: payload}
}

// backlogFor builds the response c would get right now:
//   - position -1 yields a status entry only;
//   - a position ahead of the channel (after a flush) yields a status entry;
//   - otherwise entries after the position, plus a status entry when the
//     channel moved past what was delivered.
//
// Messages are ordered newest first.
func (m *Manager) backlogFor(ctx context.Context, c *Connection) []wire.Message {
	channels := make([]string, 0, len(c.Subscriptions))
	for ch := range c.Subscriptions {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var out []wire.Message
	status := map[string]int64{}
	for _, ch := range channels {
		pos := c.Subscriptions[ch]
		last, err := m.store.Last(ctx, c.Identity.PartitionKey, ch)
		if err != nil {
			m.logger.Warn("backlog read failed", log.Str("channel", ch), log.Err(err))
			continue
		}
		if pos == -1 || pos > last {
			status[ch] = last
			continue
		}
		if last == pos {
			continue
		}
		entries, err := m.store.Since(ctx, c.Identity.PartitionKey, ch, pos)
		if err != nil {
			m.logger.Warn("backlog read failed", log.Str("channel", ch), log.Err(err))
			continue
		}
		delivered := pos
		for _, e := range entries {
			if !m.opts.Hooks.allowed(c.Identity, e) {
				continue
			}
			payload, keep := m.opts.Hooks.filter(c.Identity, e)
			if !keep {
				continue
			}
			out = append(out, toWire(e, payload))
			delivered = e.MessageID
		}
		if delivered < last {
			status[ch] = last
		}
	}
	wire.SortNewestFirst(out)
	if len(status) > 0 {
		out = append(out, wire.StatusMessage(status))
	}
	return out
}

// FlushPartition answers every connection of partition with a flush marker
// followed by the current channel positions.
func (m *Manager) FlushPartition(partition string) {
	for _, id := range m.index.PartitionMembers(partition) {
		c := m.lookup(id)
		if c == nil {
			continue
		}
		m.guard("flush", id, func() {
			if !m.detach(c) {
				return
			}
			status := make(map[string]int64, len(c.Subscriptions))
			for ch := range c.Subscriptions {
				last, err := m.store.Last(context.Background(), partition, ch)
				if err != nil {
					last = 0
				}
				status[ch] = last
			}
			m.finish(c, Response{Outcome: OutcomeFlushed, Messages: []wire.Message{wire.FlushMessage(), wire.StatusMessage(status)}})
		})
	}
}

// Cancel answers the waiting connection id as cancelled.
func (m *Manager) Cancel(id string) bool {
	c := m.lookup(id)
	if c == nil || !m.detach(c) {
		return false
	}
	return m.finish(c, Response{Outcome: OutcomeCancelled})
}

// Remove forgets c without writing a response. Use it when the transport
// went away.
func (m *Manager) Remove(c *Connection) {
	m.detach(c)
	m.finish(c, Response{Outcome: OutcomeGone})
}

// ClientCount returns the number of waiting connections.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Stats reports the registered connections and the index occupancy.
func (m *Manager) Stats() Stats {
	return Stats{Waiting: m.ClientCount(), Index: m.index.Stats()}
}

// Close answers every waiting connection with an empty list and rejects new
// registrations.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.detach(c)
		m.finish(c, Response{Outcome: OutcomeTimeout, Messages: []wire.Message{}})
	}
	m.logger.Info("connection manager closed", log.Int("answered", len(conns)))
	return nil
}
