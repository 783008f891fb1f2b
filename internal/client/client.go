// Package client polls a message bus endpoint and dispatches messages to
// channel subscriptions.
//
// All scheduling state is owned by a single loop goroutine. Public methods
// post commands to it, so handlers may call Subscribe, Unsubscribe, Pause and
// Resume from inside a callback.
package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/pollbus/internal/wire"
	"github.com/rzbill/pollbus/pkg/log"
)

const (
	// MinPollInterval bounds the time between the end of one poll and the
	// start of the next.
	MinPollInterval = 100 * time.Millisecond
	// IdleCheckInterval is how often an idle client checks for subscriptions.
	IdleCheckInterval = 500 * time.Millisecond

	DefaultCallbackInterval           = 15 * time.Second
	DefaultBackgroundCallbackInterval = 60 * time.Second
	DefaultMaxPollInterval            = 3 * time.Minute
)

// Handler receives a message for a subscribed channel.
type Handler func(msg wire.Message)

// Subscription is a handler bound to a channel and its last seen position.
type Subscription struct {
	channel string
	handler Handler
	last    int64
}

// Channel returns the subscribed channel.
func (s *Subscription) Channel() string { return s.channel }

// Options configures a Client.
type Options struct {
	BaseURL string
	// FallbackBaseURL replaces BaseURL once a proxy reports itself broken.
	FallbackBaseURL string
	ClientID        string

	CallbackInterval           time.Duration
	BackgroundCallbackInterval time.Duration
	MaxPollInterval            time.Duration
	AlwaysLongPoll             bool
	DisableLongPolling         bool
	SharedSessionKey           string

	Transport Transport
	Logger    log.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:8080/"
	}
	if !strings.HasSuffix(o.BaseURL, "/") {
		o.BaseURL += "/"
	}
	if o.ClientID == "" {
		o.ClientID = NewClientID()
	}
	if o.CallbackInterval <= 0 {
		o.CallbackInterval = DefaultCallbackInterval
	}
	if o.BackgroundCallbackInterval <= 0 {
		o.BackgroundCallbackInterval = DefaultBackgroundCallbackInterval
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = DefaultMaxPollInterval
	}
	if o.Transport == nil {
		o.Transport = &HTTPTransport{}
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}

// NewClientID returns a random 32 character lowercase hex id.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Diagnostics is a snapshot of the scheduler state.
type Diagnostics struct {
	ClientID      string
	BaseURL       string
	Started       bool
	Paused        bool
	Visible       bool
	WorkerBroken  bool
	TotalCalls    int
	FailCount     int
	TotalFailures int
	LastPoll      time.Time
	Subscriptions []SubscriptionInfo
}

// SubscriptionInfo describes one registered handler.
type SubscriptionInfo struct {
	Channel string
	Last    int64
}

type inflight struct {
	cancel  context.CancelFunc
	start   time.Time
	aborted bool
}

// Client is a long-polling subscriber.
type Client struct {
	opts   Options
	logger log.Logger

	cmds      chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loop owned
	ctx          context.Context
	stopCtx      context.CancelFunc
	started      bool
	subs         []*Subscription
	paused       bool
	later        [][]wire.Message
	visible      bool
	workerBroken bool
	baseURL      string
	current      *inflight
	timer        *time.Timer
	failCount    int
	totalCalls   int
	totalFails   int
	lastPoll     time.Time
}

// New returns a Client. Polling begins with Start.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts:    opts,
		logger:  opts.Logger.WithComponent("client").With(log.Str("client_id", opts.ClientID)),
		cmds:    make(chan func(), 128),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		visible: true,
		baseURL: opts.BaseURL,
	}
	go c.run()
	return c
}

// ID returns the client id sent with every poll.
func (c *Client) ID() string { return c.opts.ClientID }

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.closing:
			c.halt()
			return
		}
	}
}

func (c *Client) post(fn func()) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.closing:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Client) call(fn func()) bool {
	ran := make(chan struct{})
	if !c.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

// Start begins polling. Polling stops when ctx is done or Stop is called.
func (c *Client) Start(ctx context.Context) {
	c.post(func() {
		if c.started {
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		c.ctx, c.stopCtx = runCtx, cancel
		c.started = true
		go func() {
			select {
			case <-runCtx.Done():
				c.post(func() {
					if c.ctx == runCtx {
						c.halt()
					}
				})
			case <-c.closing:
			}
		}()
		c.poll()
	})
}

// Stop halts polling and aborts the request in flight.
func (c *Client) Stop() {
	c.call(c.halt)
}

func (c *Client) halt() {
	if !c.started {
		return
	}
	c.started = false
	c.abort()
	c.current = nil
	c.clearTimer()
	if c.stopCtx != nil {
		c.stopCtx()
	}
}

// Close stops the client and its loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done
	return nil
}

// Subscribe registers handler on channel. lastID is the position to resume
// after; -1 asks only for the current position.
func (c *Client) Subscribe(channel string, handler Handler, lastID int64) *Subscription {
	if lastID < -1 {
		lastID = -1
	}
	sub := &Subscription{channel: channel, handler: handler, last: lastID}
	c.post(func() {
		c.subs = append(c.subs, sub)
		c.abort()
	})
	return sub
}

// Unsubscribe removes handlers whose channel matches pattern. A trailing "*"
// matches any channel with that prefix. A nil sub removes every matching
// handler.
func (c *Client) Unsubscribe(pattern string, sub *Subscription) {
	c.post(func() {
		kept := c.subs[:0]
		removed := false
		for _, s := range c.subs {
			if matchChannel(pattern, s.channel) && (sub == nil || s == sub) {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		for i := len(kept); i < len(c.subs); i++ {
			c.subs[i] = nil
		}
		c.subs = kept
		if removed {
			c.abort()
		}
	})
}

func matchChannel(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// Pause queues responses instead of dispatching them.
func (c *Client) Pause() {
	c.post(func() { c.paused = true })
}

// Resume dispatches queued responses in arrival order.
func (c *Client) Resume() {
	c.post(func() {
		c.paused = false
		later := c.later
		c.later = nil
		for _, msgs := range later {
			c.process(msgs)
		}
	})
}

// SetVisible marks the consumer as foreground or background. A hidden client
// polls less often and without long polling unless AlwaysLongPoll is set.
func (c *Client) SetVisible(visible bool) {
	c.post(func() {
		c.visible = visible
		if visible && c.started && c.current == nil && c.timer != nil {
			c.clearTimer()
			c.poll()
		}
	})
}

// Diagnostics returns a snapshot of the scheduler state.
func (c *Client) Diagnostics() Diagnostics {
	var d Diagnostics
	c.call(func() {
		d = Diagnostics{
			ClientID:      c.opts.ClientID,
			BaseURL:       c.baseURL,
			Started:       c.started,
			Paused:        c.paused,
			Visible:       c.visible,
			WorkerBroken:  c.workerBroken,
			TotalCalls:    c.totalCalls,
			FailCount:     c.failCount,
			TotalFailures: c.totalFails,
			LastPoll:      c.lastPoll,
		}
		for _, s := range c.subs {
			d.Subscriptions = append(d.Subscriptions, SubscriptionInfo{Channel: s.channel, Last: s.last})
		}
	})
	return d
}

func (c *Client) abort() {
	if c.current != nil {
		c.current.aborted = true
		c.current.cancel()
	}
}

func (c *Client) clearTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) schedule(d time.Duration) {
	c.clearTimer()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.post(func() {
			if c.timer != t {
				return
			}
			c.timer = nil
			c.poll()
		})
	})
	c.timer = t
}

// positions is the per-channel request position: the lowest position of the
// channel's handlers that already have one, otherwise -1.
func (c *Client) positions() map[string]int64 {
	out := make(map[string]int64)
	for _, s := range c.subs {
		cur, ok := out[s.channel]
		switch {
		case !ok:
			out[s.channel] = s.last
		case s.last >= 0 && (cur < 0 || s.last < cur):
			out[s.channel] = s.last
		}
	}
	return out
}

func (c *Client) longPoll() bool {
	return c.opts.AlwaysLongPoll || c.visible
}

func (c *Client) poll() {
	if !c.started || c.current != nil {
		return
	}
	if len(c.subs) == 0 {
		if c.timer == nil {
			c.schedule(IdleCheckInterval)
		}
		return
	}
	c.clearTimer()

	req := PollRequest{
		BaseURL:          c.baseURL,
		ClientID:         c.opts.ClientID,
		Positions:        c.positions(),
		DisableLongPoll:  !c.longPoll() || c.opts.DisableLongPolling,
		BypassWorker:     c.workerBroken,
		SharedSessionKey: c.opts.SharedSessionKey,
	}
	ctx, cancel := context.WithCancel(c.ctx)
	in := &inflight{cancel: cancel, start: time.Now()}
	c.current = in
	c.totalCalls++
	c.lastPoll = in.start

	go func() {
		msgs, err := c.opts.Transport.Poll(ctx, req)
		cancel()
		c.post(func() { c.complete(in, msgs, err) })
	}()
}

func (c *Client) complete(in *inflight, msgs []wire.Message, err error) {
	if c.current == in {
		c.current = nil
	}
	aborted := in.aborted || errors.Is(err, context.Canceled)

	gotData := false
	if err == nil {
		c.failCount = 0
	}
	if msgs != nil {
		if c.paused {
			c.later = append(c.later, msgs)
		} else {
			gotData = c.process(msgs)
		}
	}
	if err != nil && !aborted {
		c.failCount++
		c.totalFails++
		c.logger.Warn("poll failed", log.Err(err), log.Int("fail_count", c.failCount))
	}

	if !c.started {
		return
	}
	c.schedule(NextInterval(IntervalInput{
		GotData:    gotData,
		Aborted:    aborted,
		FailCount:  c.failCount,
		LongPoll:   c.longPoll(),
		Elapsed:    time.Since(in.start),
		Callback:   c.opts.CallbackInterval,
		Background: c.opts.BackgroundCallbackInterval,
		Max:        c.opts.MaxPollInterval,
	}))
}

// process dispatches one response and reports whether it carried anything.
func (c *Client) process(msgs []wire.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	regular := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsControl() {
			regular = append(regular, m)
		}
	}
	sort.SliceStable(regular, func(i, j int) bool { return regular[i].GlobalID < regular[j].GlobalID })
	for _, m := range regular {
		for _, s := range c.subs {
			if s.channel != m.Channel {
				continue
			}
			if s.last < 0 {
				// Replay is not delivered to handlers that asked only for
				// the current position.
				if m.MessageID > s.last {
					s.last = m.MessageID
				}
				continue
			}
			if m.MessageID > s.last {
				s.last = m.MessageID
				c.dispatch(s, m)
			}
		}
	}

	for _, m := range msgs {
		switch m.Channel {
		case wire.StatusChannel:
			pos, err := m.Positions()
			if err != nil {
				c.logger.Warn("bad status message", log.Err(err))
				continue
			}
			for _, s := range c.subs {
				if p, ok := pos[s.channel]; ok {
					s.last = p
				}
			}
		case wire.FlushChannel:
			for _, s := range c.subs {
				s.last = -1
			}
		case wire.WorkerBrokenChannel:
			if !c.workerBroken {
				c.logger.Warn("proxy reported broken, bypassing it")
			}
			c.workerBroken = true
			if c.opts.FallbackBaseURL != "" {
				c.baseURL = c.opts.FallbackBaseURL
				if !strings.HasSuffix(c.baseURL, "/") {
					c.baseURL += "/"
				}
			}
		}
	}
	return true
}

func (c *Client) dispatch(s *Subscription, m wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", log.Str("channel", s.channel), log.Any("panic", r))
		}
	}()
	s.handler(m)
}

// IntervalInput holds what the next poll delay depends on.
type IntervalInput struct {
	GotData    bool
	Aborted    bool
	FailCount  int
	LongPoll   bool
	Elapsed    time.Duration
	Callback   time.Duration
	Background time.Duration
	Max        time.Duration
}

// NextInterval returns the wait before the next poll.
func NextInterval(in IntervalInput) time.Duration {
	var d time.Duration
	switch {
	case in.GotData || in.Aborted:
		d = MinPollInterval
	default:
		d = in.Callback
		if in.FailCount > 2 {
			d *= time.Duration(in.FailCount)
		} else if !in.LongPoll {
			d = in.Background
		}
		if in.Max > 0 && d > in.Max {
			d = in.Max
		}
		d -= in.Elapsed
	}
	if d < MinPollInterval {
		d = MinPollInterval
	}
	return d
}
