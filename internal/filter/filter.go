// Package filter compiles per-channel CEL expressions that decide whether a
// connection may see a message.
//
// Expressions see these variables:
//
//	user_id    string        identity of the connection
//	group_ids  list(string)
//	partition  string
//	channel    string
//	message_id int           channel sequence
//	global_id  int           bus sequence
//	ts_ms      int           publish time
//	size       int           payload bytes
//	text       string        raw payload
//	json       dyn           parsed payload, null when not JSON
//	now_ms     int
//
// Example: `json.owner == user_id || "admin" in group_ids`.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/internal/connmgr"
)

// Set holds compiled programs keyed by channel.
type Set struct {
	progs map[string]cel.Program
	now   func() time.Time
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("group_ids", cel.ListType(cel.StringType)),
		cel.Variable("partition", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("message_id", cel.IntType),
		cel.Variable("global_id", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
}

// Compile builds a Set from channel expressions. Blank expressions are skipped.
func Compile(exprs map[string]string) (*Set, error) {
	s := &Set{progs: make(map[string]cel.Program, len(exprs)), now: time.Now}
	if len(exprs) == 0 {
		return s, nil
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	for channel, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("filter: channel %s: %w", channel, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("filter: channel %s: expression must be bool, got %s", channel, ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("filter: channel %s: %w", channel, err)
		}
		s.progs[channel] = prog
	}
	return s, nil
}

// Len returns the number of filtered channels.
func (s *Set) Len() int { return len(s.progs) }

// Allowed evaluates the channel's expression. Channels without one are open;
// evaluation errors deny.
func (s *Set) Allowed(ident connmgr.Identity, msg backlog.Message) bool {
	if s == nil {
		return true
	}
	prog, ok := s.progs[msg.Channel]
	if !ok {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(msg.Payload, &jsonObj)
	groups := ident.GroupIDs
	if groups == nil {
		groups = []string{}
	}
	out, _, err := prog.Eval(map[string]any{
		"user_id":    ident.UserID,
		"group_ids":  groups,
		"partition":  msg.PartitionKey,
		"channel":    msg.Channel,
		"message_id": msg.MessageID,
		"global_id":  msg.GlobalID,
		"ts_ms":      msg.PublishedAt.UnixMilli(),
		"size":       int64(len(msg.Payload)),
		"text":       string(msg.Payload),
		"json":       jsonObj,
		"now_ms":     s.now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
