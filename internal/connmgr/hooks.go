package connmgr

import (
	"github.com/rzbill/pollbus/internal/backlog"
)

// Hooks customize per-connection delivery.
type Hooks struct {
	// Allowed decides whether ident may see msg. Nil means DefaultAllowed.
	Allowed func(ident Identity, msg backlog.Message) bool
	// Filter may replace the payload sent to ident, or drop the message by
	// returning false.
	Filter func(ident Identity, msg backlog.Message) ([]byte, bool)
	// AroundBatch may return a wrapper for the fan-out of one message on
	// channel. The wrapper receives the user ids of the waiting connections
	// and must call work to deliver. It is only invoked when at least one
	// waiting connection has a user id.
	AroundBatch func(channel string) func(msg backlog.Message, userIDs []string, work func())
}

// DefaultAllowed honours message targeting: untargeted messages go to
// everyone, targeted ones only to listed users or members of listed groups.
func DefaultAllowed(ident Identity, msg backlog.Message) bool {
	if len(msg.UserIDs) == 0 && len(msg.GroupIDs) == 0 {
		return true
	}
	if ident.UserID != "" {
		for _, u := range msg.UserIDs {
			if u == ident.UserID {
				return true
			}
		}
	}
	for _, g := range msg.GroupIDs {
		for _, mine := range ident.GroupIDs {
			if g == mine {
				return true
			}
		}
	}
	return false
}

func (h Hooks) allowed(ident Identity, msg backlog.Message) bool {
	if h.Allowed == nil {
		return DefaultAllowed(ident, msg)
	}
	return h.Allowed(ident, msg)
}

func (h Hooks) filter(ident Identity, msg backlog.Message) ([]byte, bool) {
	if h.Filter == nil {
		return msg.Payload, true
	}
	return h.Filter(ident, msg)
}
