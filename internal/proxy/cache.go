package proxy

import (
	"sort"

	"github.com/rzbill/pollbus/internal/wire"
)

// maxCachedPerChannel bounds how many messages a channel keeps locally.
const maxCachedPerChannel = 1000

type channelCache struct {
	last     int64
	messages []wire.Message // ascending by message id
}

// cache is the proxy's local view of upstream channels.
type cache map[string]*channelCache

// setPosition records pos as the channel's last id and drops cached messages
// beyond it.
func (c cache) setPosition(channel string, pos int64) {
	e := c[channel]
	if e == nil {
		c[channel] = &channelCache{last: pos}
		return
	}
	kept := e.messages[:0]
	for _, m := range e.messages {
		if m.MessageID <= pos {
			kept = append(kept, m)
		}
	}
	e.messages = kept
	e.last = pos
}

func (c cache) push(m wire.Message) {
	e := c[m.Channel]
	if e == nil {
		c[m.Channel] = &channelCache{last: m.MessageID, messages: []wire.Message{m}}
		return
	}
	i := sort.Search(len(e.messages), func(i int) bool { return e.messages[i].MessageID >= m.MessageID })
	if i < len(e.messages) && e.messages[i].MessageID == m.MessageID {
		return
	}
	e.messages = append(e.messages, wire.Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m
	if n := len(e.messages); n > maxCachedPerChannel {
		e.messages = append(e.messages[:0], e.messages[n-maxCachedPerChannel:]...)
	}
	if m.MessageID > e.last {
		e.last = m.MessageID
	}
}

func (c cache) wipe() {
	for k := range c {
		delete(c, k)
	}
}

// hasData reports whether any subscribed channel moved past its position.
func (c cache) hasData(subs map[string]int64) bool {
	for ch, pos := range subs {
		if e := c[ch]; e != nil && e.last > pos {
			return true
		}
	}
	return false
}

// replyFor builds the response for a consumer at subs. Flushed consumers and
// channels at -1 get positions only.
func (c cache) replyFor(subs map[string]int64, flushed bool) []wire.Message {
	channels := make([]string, 0, len(subs))
	for ch := range subs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	out := []wire.Message{}
	status := map[string]int64{}
	for _, ch := range channels {
		pos := subs[ch]
		e := c[ch]
		if e == nil {
			continue
		}
		if flushed || pos == -1 {
			status[ch] = e.last
			continue
		}
		if pos < e.last {
			for _, m := range e.messages {
				if m.MessageID > pos {
					out = append(out, m)
				}
			}
		}
	}
	wire.SortNewestFirst(out)
	if flushed {
		out = append(out, wire.FlushMessage())
	}
	if len(status) > 0 {
		out = append(out, wire.StatusMessage(status))
	}
	return out
}
