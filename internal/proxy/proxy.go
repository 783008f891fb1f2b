// Package proxy multiplexes many local consumers onto one upstream poll.
//
// Consumers poll the proxy the same way they would poll the server. The
// proxy keeps a single upstream request covering the union of their
// channels, caches what it learns and answers each consumer from that cache.
// A consumer that gets no answer within the failsafe window receives a
// worker-broken reply and is expected to poll the origin directly.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rzbill/pollbus/internal/client"
	"github.com/rzbill/pollbus/internal/wire"
	"github.com/rzbill/pollbus/pkg/log"
)

const (
	// MinRequestInterval is the minimum gap between upstream requests.
	MinRequestInterval = 100 * time.Millisecond

	DefaultLongPollingInterval = 25 * time.Second
	DefaultWaitForClients      = 3 * time.Second
	DefaultChannelKeepTime     = time.Minute
)

// ErrClosed is returned by Serve after Close.
var ErrClosed = errors.New("proxy: closed")

// Reply is the answer to one consumer poll.
type Reply struct {
	StatusCode int
	Messages   []wire.Message
}

func brokenReply() Reply {
	return Reply{StatusCode: http.StatusGatewayTimeout, Messages: []wire.Message{wire.WorkerBrokenMessage()}}
}

// Metrics observes upstream and consumer activity.
type Metrics interface {
	ObserveUpstream(result string)
	SetConsumers(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveUpstream(string) {}
func (noopMetrics) SetConsumers(int)       {}

// Options configures a Proxy.
type Options struct {
	BaseURL             string
	SharedSessionKey    string
	LongPollingInterval time.Duration
	WaitForClients      time.Duration
	ChannelKeepTime     time.Duration

	Transport client.Transport
	Metrics   Metrics
	Logger    log.Logger
}

type settings struct {
	baseURL    string
	sessionKey string
	interval   time.Duration
}

// failsafe is how long a consumer waits before it is told the proxy is broken.
func (s settings) failsafe() time.Duration { return s.interval * 12 / 5 }

// offlineDelay is how long the proxy holds polling while offline.
func (s settings) offlineDelay() time.Duration {
	d := s.failsafe() - s.interval - 5*time.Second
	if d < 0 {
		return 0
	}
	return d
}

type consumer struct {
	id        string
	subs      map[string]int64
	reply     chan Reply
	startedAt time.Time
	flushed   bool
	failsafe  *time.Timer
	answered  bool
}

type upstream struct {
	sent      map[string]int64
	cancel    context.CancelFunc
	startedAt time.Time
	cancelled bool
}

// Proxy is a shared poller.
type Proxy struct {
	opts      Options
	logger    log.Logger
	metrics   Metrics
	transport client.Transport
	id        string
	keep      *ttlcache.Cache[string, struct{}]

	cmds      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loop owned
	settings        settings
	active          map[string]*consumer
	cache           cache
	current         *upstream
	delayTimer      *time.Timer
	pollRequestedAt time.Time
	lastSuccess     int
	online          bool
}

// New starts a Proxy.
func New(opts Options) *Proxy {
	if opts.BaseURL == "" {
		opts.BaseURL = "/"
	}
	if opts.LongPollingInterval <= 0 {
		opts.LongPollingInterval = DefaultLongPollingInterval
	}
	if opts.WaitForClients <= 0 {
		opts.WaitForClients = DefaultWaitForClients
	}
	if opts.ChannelKeepTime <= 0 {
		opts.ChannelKeepTime = DefaultChannelKeepTime
	}
	if opts.Transport == nil {
		opts.Transport = &client.HTTPTransport{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		opts:      opts,
		logger:    opts.Logger.WithComponent("proxy"),
		metrics:   opts.Metrics,
		transport: opts.Transport,
		id:        client.NewClientID(),
		keep: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](opts.ChannelKeepTime),
		),
		cmds:    make(chan func(), 128),
		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		settings: settings{
			baseURL:    opts.BaseURL,
			sessionKey: opts.SharedSessionKey,
			interval:   opts.LongPollingInterval,
		},
		active: make(map[string]*consumer),
		cache:  make(cache),
		online: true,
	}
	go p.run()
	return p
}

func (p *Proxy) run() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.cmds:
			fn()
		case <-p.closing:
			p.shutdown()
			return
		}
	}
}

func (p *Proxy) post(fn func()) bool {
	select {
	case <-p.closing:
		return false
	default:
	}
	select {
	case p.cmds <- fn:
		return true
	case <-p.closing:
		return false
	}
}

func (p *Proxy) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { p.post(fn) })
}

// Serve waits for the reply to one consumer poll. A second Serve with the
// same consumer id answers the earlier one with 400.
func (p *Proxy) Serve(ctx context.Context, consumerID string, positions map[string]int64) (Reply, error) {
	subs := make(map[string]int64, len(positions))
	for ch, pos := range positions {
		if pos < -1 {
			pos = -1
		}
		subs[ch] = pos
	}
	c := &consumer{id: consumerID, subs: subs, reply: make(chan Reply, 1)}
	if !p.post(func() { p.register(c) }) {
		return Reply{}, ErrClosed
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		p.post(func() {
			if p.active[c.id] == c {
				p.finish(c, Reply{StatusCode: http.StatusBadRequest})
			}
		})
		return Reply{}, ctx.Err()
	case <-p.done:
		select {
		case r := <-c.reply:
			return r, nil
		default:
			return brokenReply(), nil
		}
	}
}

// ApplySettings updates the upstream settings from a settings form. Unknown
// keys are ignored.
func (p *Proxy) ApplySettings(form url.Values) {
	p.post(func() {
		if v, ok := form["baseUrl"]; ok && len(v) > 0 {
			p.settings.baseURL = p.resolve(v[len(v)-1])
		}
		if v, ok := form["shared_session_key"]; ok && len(v) > 0 {
			p.settings.sessionKey = v[len(v)-1]
		}
		if v := form.Get("long_polling_interval"); v != "" {
			ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || ms <= 0 {
				p.logger.Warn("ignoring long_polling_interval", log.Str("value", v))
			} else {
				p.settings.interval = time.Duration(ms) * time.Millisecond
			}
		}
		p.logger.Debug("settings updated",
			log.Str("base_url", p.settings.baseURL),
			log.Dur("long_polling_interval", p.settings.interval))
	})
}

// resolve makes a relative base URL absolute against the configured one.
func (p *Proxy) resolve(ref string) string {
	base, err := url.Parse(p.opts.BaseURL)
	if err != nil || !base.IsAbs() {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// SetOnline records network reachability. Going online restarts polling.
func (p *Proxy) SetOnline(online bool) {
	p.post(func() {
		p.online = online
		if online {
			p.restartPolling()
		}
	})
}

// Consumers returns the number of waiting consumers.
func (p *Proxy) Consumers() int {
	n := make(chan int, 1)
	if !p.post(func() { n <- len(p.active) }) {
		return 0
	}
	select {
	case v := <-n:
		return v
	case <-p.done:
		return 0
	}
}

// Close answers waiting consumers as broken and stops the upstream poll.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.closing)
	})
	<-p.done
	return nil
}

func (p *Proxy) shutdown() {
	for _, c := range p.sortedActive() {
		p.finish(c, brokenReply())
	}
	p.stopDelay()
	if p.current != nil {
		p.current.cancel()
		p.current = nil
	}
	p.keep.DeleteAll()
}

func (p *Proxy) register(c *consumer) {
	if prev := p.active[c.id]; prev != nil {
		p.finish(prev, Reply{StatusCode: http.StatusBadRequest})
	}
	c.startedAt = time.Now()
	if p.cache.hasData(c.subs) {
		p.answer(c, Reply{StatusCode: http.StatusOK, Messages: p.cache.replyFor(c.subs, false)})
		return
	}
	p.active[c.id] = c
	p.metrics.SetConsumers(len(p.active))
	c.failsafe = p.after(p.settings.failsafe(), func() {
		if p.active[c.id] == c {
			p.logger.Warn("consumer failsafe fired", log.Str("consumer", c.id))
			p.finish(c, brokenReply())
		}
	})
	p.restartPolling()
	p.after(2*MinRequestInterval, p.ensureRequestActive)
}

// finish removes c from the waiting set and answers it.
func (p *Proxy) finish(c *consumer, r Reply) {
	if p.active[c.id] == c {
		delete(p.active, c.id)
		p.metrics.SetConsumers(len(p.active))
	}
	if c.failsafe != nil {
		c.failsafe.Stop()
	}
	p.answer(c, r)
}

func (p *Proxy) answer(c *consumer, r Reply) {
	if c.answered {
		return
	}
	c.answered = true
	c.reply <- r
}

func (p *Proxy) respond(c *consumer) {
	p.finish(c, Reply{StatusCode: http.StatusOK, Messages: p.cache.replyFor(c.subs, c.flushed)})
}

func (p *Proxy) sortedActive() []*consumer {
	out := make([]*consumer, 0, len(p.active))
	for _, c := range p.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (p *Proxy) ensureRequestActive() {
	if p.current == nil && p.delayTimer == nil {
		p.restartPolling()
	}
}

func (p *Proxy) stopDelay() {
	if p.delayTimer != nil {
		p.delayTimer.Stop()
		p.delayTimer = nil
	}
}

// restartPolling answers consumers the cache can satisfy, then starts an
// upstream request unless it should wait for more consumers to come back.
func (p *Proxy) restartPolling() {
	now := time.Now()
	if p.pollRequestedAt.IsZero() {
		p.pollRequestedAt = now
	}
	var delay time.Duration
	if p.current != nil && now.Sub(p.current.startedAt) < MinRequestInterval {
		delay = MinRequestInterval
	}

	waiting := 0
	for _, c := range p.sortedActive() {
		if p.cache.hasData(c.subs) {
			p.respond(c)
			delay = max(delay, p.opts.WaitForClients)
			continue
		}
		waiting++
	}
	if waiting == 0 || waiting < p.lastSuccess {
		delay = max(delay, p.opts.WaitForClients)
	}
	if !p.online {
		delay = max(delay, p.settings.offlineDelay())
	}

	if delay > 0 {
		target := p.pollRequestedAt.Add(delay)
		if target.After(now) {
			p.stopDelay()
			var t *time.Timer
			t = p.after(target.Sub(now)+10*time.Millisecond, func() {
				if p.delayTimer != t {
					return
				}
				p.delayTimer = nil
				p.restartPolling()
			})
			p.delayTimer = t
			return
		}
	}
	p.pollRequestedAt = time.Time{}
	p.pollNow()
}

// pollNow issues an upstream request for the union of consumer positions
// unless the one in flight already covers every channel.
func (p *Proxy) pollNow() {
	if len(p.active) == 0 {
		return
	}
	positions := make(map[string]int64)
	for _, c := range p.active {
		for ch, pos := range c.subs {
			if cur, ok := positions[ch]; !ok || pos > cur {
				positions[ch] = pos
			}
		}
	}
	for ch := range positions {
		p.keep.Set(ch, struct{}{}, ttlcache.DefaultTTL)
	}
	p.keep.DeleteExpired()
	for ch, item := range p.keep.Items() {
		if item.IsExpired() {
			continue
		}
		if _, ok := positions[ch]; ok {
			continue
		}
		if e := p.cache[ch]; e != nil {
			positions[ch] = e.last
		}
	}

	if cur := p.current; cur != nil {
		if wire.EqualPositions(cur.sent, positions) {
			return
		}
		added := false
		for ch := range positions {
			if _, ok := cur.sent[ch]; !ok {
				added = true
				break
			}
		}
		if !added {
			return
		}
		cur.cancelled = true
		cur.cancel()
		p.current = nil
	}
	p.stopDelay()
	if len(positions) == 0 {
		return
	}
	p.startUpstream(positions)
}

func (p *Proxy) startUpstream(positions map[string]int64) {
	ctx, cancel := context.WithCancel(p.ctx)
	up := &upstream{sent: positions, cancel: cancel, startedAt: time.Now()}
	p.current = up
	req := client.PollRequest{
		BaseURL:          p.settings.baseURL,
		ClientID:         p.id,
		Positions:        positions,
		SharedSessionKey: p.settings.sessionKey,
	}
	go func() {
		msgs, err := p.transport.Poll(ctx, req)
		cancel()
		p.post(func() { p.complete(up, msgs, err) })
	}()
}

func (p *Proxy) complete(up *upstream, msgs []wire.Message, err error) {
	switch {
	case err == nil:
		p.metrics.ObserveUpstream("ok")
		p.merge(msgs)
		if !up.cancelled {
			now := time.Now()
			count := len(p.active)
			for _, c := range p.sortedActive() {
				if p.cache.hasData(c.subs) || c.flushed || now.Sub(c.startedAt) > p.settings.interval {
					p.respond(c)
				}
			}
			p.lastSuccess = count
		}
	case up.cancelled || errors.Is(err, context.Canceled):
		p.metrics.ObserveUpstream("cancelled")
	default:
		p.metrics.ObserveUpstream("error")
		p.logger.Warn("upstream poll failed", log.Err(err))
	}

	if p.current == up {
		p.current = nil
		p.after(p.opts.WaitForClients*9/10, p.restartPolling)
	}
}

func (p *Proxy) merge(msgs []wire.Message) {
	for _, m := range msgs {
		switch m.Channel {
		case wire.StatusChannel:
			pos, err := m.Positions()
			if err != nil {
				p.logger.Warn("bad status message", log.Err(err))
				continue
			}
			for ch, v := range pos {
				p.cache.setPosition(ch, v)
			}
		case wire.FlushChannel:
			p.cache.wipe()
			for _, c := range p.active {
				c.flushed = true
			}
		case wire.WorkerBrokenChannel:
			// an upstream proxy's failure is not cached
		default:
			p.cache.push(m)
		}
	}
}
