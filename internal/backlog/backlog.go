package backlog

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/pollbus/pkg/log"
)

// Default retention bounds applied when Retention fields are zero.
const (
	DefaultMaxEntries = 1000
	DefaultMaxAge     = 7 * 24 * time.Hour
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("backlog: store closed")

// Message is an immutable published entry.
type Message struct {
	GlobalID     int64
	MessageID    int64
	Channel      string
	PartitionKey string
	Payload      []byte
	UserIDs      []string
	GroupIDs     []string
	PublishedAt  time.Time
}

// Targets restricts delivery of a message to the listed users or groups.
// Empty targets mean everyone subscribed may receive it.
type Targets struct {
	UserIDs  []string `json:"u,omitempty"`
	GroupIDs []string `json:"g,omitempty"`
}

// Empty reports whether no targeting is set.
func (t Targets) Empty() bool { return len(t.UserIDs) == 0 && len(t.GroupIDs) == 0 }

// Retention bounds how much history a channel keeps.
type Retention struct {
	MaxEntries int
	MaxAge     time.Duration
}

func (r Retention) withDefaults() Retention {
	if r.MaxEntries <= 0 {
		r.MaxEntries = DefaultMaxEntries
	}
	if r.MaxAge <= 0 {
		r.MaxAge = DefaultMaxAge
	}
	return r
}

// Options configures a Store implementation.
type Options struct {
	Retention Retention
	// Clock overrides time.Now, mostly for tests.
	Clock  func() time.Time
	Logger log.Logger
}

func (o Options) withDefaults() Options {
	o.Retention = o.Retention.withDefaults()
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	o.Logger = o.Logger.WithComponent("backlog")
	return o
}

// Store is the per-channel append-only log.
//
// Channel sequences start at 1 and increase by one per append. The bus-wide
// sequence is shared by every channel in every partition. Eviction never lowers
// the value returned by Last.
type Store interface {
	// Append assigns the next channel and bus sequence and stores payload.
	Append(ctx context.Context, partition, channel string, payload []byte, targets Targets) (Message, error)
	// Since returns retained entries with MessageID > after, oldest first.
	Since(ctx context.Context, partition, channel string, after int64) ([]Message, error)
	// Last returns the last assigned channel sequence, 0 for unknown channels.
	Last(ctx context.Context, partition, channel string) (int64, error)
	// Flush drops every channel of partition and resets their sequences.
	Flush(ctx context.Context, partition string) error
	Close() error
}
