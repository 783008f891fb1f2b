package connmgr

import (
	"sync"
	"time"

	"github.com/rzbill/pollbus/internal/wire"
)

// Outcome says how a connection was resolved.
type Outcome int

const (
	// OutcomeData means the connection received backlog or a notification.
	OutcomeData Outcome = iota
	// OutcomeTimeout means the long-poll deadline passed.
	OutcomeTimeout
	// OutcomeCancelled means a newer registration replaced the connection.
	OutcomeCancelled
	// OutcomeImmediate means long polling was not possible and the
	// connection was answered at once, usually with an empty list.
	OutcomeImmediate
	// OutcomeFlushed means the connection's partition was flushed.
	OutcomeFlushed
	// OutcomeGone means the transport went away before a response.
	OutcomeGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeImmediate:
		return "immediate"
	case OutcomeFlushed:
		return "flushed"
	case OutcomeGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Identity is who a connection acts for.
type Identity struct {
	UserID       string
	GroupIDs     []string
	PartitionKey string
}

// Response is the single result of a connection.
type Response struct {
	Outcome  Outcome
	Messages []wire.Message
}

// Responder writes a connection's response to its transport.
type Responder interface {
	Respond(Response) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(Response) error

func (f ResponderFunc) Respond(r Response) error { return f(r) }

// Connection is one waiting poll. Create it with NewConnection.
type Connection struct {
	ID            string
	Identity      Identity
	Subscriptions map[string]int64
	// Responder is optional; callers may wait on Done instead.
	Responder Responder
	// LongPoll requests that the connection wait for data when nothing is
	// pending. When false, it is answered immediately.
	LongPoll bool

	once    sync.Once
	done    chan struct{}
	result  Response
	timerMu sync.Mutex
	timer   *time.Timer
}

// NewConnection builds a connection. Positions below -1 are clamped to -1.
func NewConnection(id string, ident Identity, subs map[string]int64) *Connection {
	clean := make(map[string]int64, len(subs))
	for ch, pos := range subs {
		if pos < -1 {
			pos = -1
		}
		clean[ch] = pos
	}
	return &Connection{ID: id, Identity: ident, Subscriptions: clean, LongPoll: true, done: make(chan struct{})}
}

// Done is closed once the connection is resolved.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Result returns the response. It is only meaningful after Done is closed.
func (c *Connection) Result() Response {
	<-c.done
	return c.result
}

// resolve stores r as the result if none was set yet.
func (c *Connection) resolve(r Response) bool {
	won := false
	c.once.Do(func() {
		c.result = r
		won = true
		close(c.done)
	})
	if won {
		c.stopTimer()
	}
	return won
}

func (c *Connection) resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) arm(d time.Duration, fire func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.resolved() {
		return
	}
	c.timer = time.AfterFunc(d, fire)
}

func (c *Connection) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
