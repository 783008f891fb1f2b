// Package wire defines the long-poll protocol shared by the server, the
// client scheduler and the shared proxy: the JSON message envelope, the
// synthetic control channels and the form encoding of subscription positions.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Control channels carried in poll responses.
const (
	StatusChannel       = "/__status"
	FlushChannel        = "/__flush"
	WorkerBrokenChannel = "/__worker_broken"
)

// CancelledBody is the body sent with a 400 when a poll is replaced by a newer
// one for the same client id. It is deliberately not valid JSON.
const CancelledBody = "[INVALID JSON]"

// ErrBadPosition is returned when a subscription position is not an integer.
var ErrBadPosition = errors.New("wire: position must be an integer")

// Message is one element of a poll response.
type Message struct {
	MessageID int64           `json:"message_id"`
	GlobalID  int64           `json:"global_id"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
}

// IsControl reports whether m is a synthetic control entry.
func (m Message) IsControl() bool {
	switch m.Channel {
	case StatusChannel, FlushChannel, WorkerBrokenChannel:
		return true
	}
	return false
}

// Positions decodes the data of a status entry.
func (m Message) Positions() (map[string]int64, error) {
	out := map[string]int64{}
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(m.Data, &out); err != nil {
		return nil, fmt.Errorf("wire: decode status: %w", err)
	}
	return out, nil
}

var null = json.RawMessage("null")

// StatusMessage reports current channel positions without payloads.
func StatusMessage(positions map[string]int64) Message {
	b, _ := json.Marshal(positions)
	return Message{MessageID: -1, GlobalID: -1, Channel: StatusChannel, Data: b}
}

// FlushMessage tells consumers to discard positions for the partition.
func FlushMessage() Message {
	return Message{MessageID: -1, GlobalID: -1, Channel: FlushChannel, Data: null}
}

// WorkerBrokenMessage tells consumers the proxy tier failed and must be bypassed.
func WorkerBrokenMessage() Message {
	return Message{MessageID: -1, GlobalID: -1, Channel: WorkerBrokenChannel, Data: null}
}

// SortNewestFirst orders messages by descending global id. Control entries
// (global id -1) end up last.
func SortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].GlobalID > msgs[j].GlobalID })
}

// EncodePositions renders channel=position pairs as a form body. Channels are
// sorted so identical requests encode identically.
func EncodePositions(positions map[string]int64) string {
	channels := make([]string, 0, len(positions))
	for ch := range positions {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	var sb strings.Builder
	for i, ch := range channels {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(ch))
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatInt(positions[ch], 10))
	}
	return sb.String()
}

// DecodePositions parses a form of channel=position pairs. Positions below -1
// are clamped to -1. When a channel repeats, the last value wins.
func DecodePositions(form url.Values) (map[string]int64, error) {
	out := make(map[string]int64, len(form))
	for ch, vals := range form {
		if ch == "" || len(vals) == 0 {
			continue
		}
		v := strings.TrimSpace(vals[len(vals)-1])
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrBadPosition, ch, v)
		}
		if n < -1 {
			n = -1
		}
		out[ch] = n
	}
	return out, nil
}

// EqualPositions reports whether a and b carry the same channels and values.
func EqualPositions(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for ch, pa := range a {
		if pb, ok := b[ch]; !ok || pa != pb {
			return false
		}
	}
	return true
}
