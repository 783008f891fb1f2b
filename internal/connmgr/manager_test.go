package connmgr

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/internal/wire"
)

func newManager(t *testing.T, opts Options) (*Manager, backlog.Store) {
	t.Helper()
	store := backlog.NewMemoryStore(backlog.Options{})
	opts.LongPollingEnabled = true
	if opts.LongPollingInterval == 0 {
		opts.LongPollingInterval = 5 * time.Second
	}
	m := New(store, opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func publish(t *testing.T, store backlog.Store, partition, channel string, n int) []backlog.Message {
	t.Helper()
	var out []backlog.Message
	for i := 0; i < n; i++ {
		msg, err := store.Append(context.Background(), partition, channel, []byte(`"x"`), backlog.Targets{})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func wait(t *testing.T, c *Connection) Response {
	t.Helper()
	select {
	case <-c.Done():
		return c.Result()
	case <-time.After(3 * time.Second):
		t.Fatalf("connection %s not resolved", c.ID)
		return Response{}
	}
}

func pending(c *Connection) bool {
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

func globals(msgs []wire.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.GlobalID)
	}
	return out
}

func TestRegisterReplaysBacklogNewestFirst(t *testing.T) {
	m, store := newManager(t, Options{})
	pub := publish(t, store, "", "/a", 3)
	pub = append(pub, publish(t, store, "", "/b", 2)...)

	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 0, "/b": 0})
	if err := m.Register(context.Background(), c); err != nil {
		t.Fatalf("register: %v", err)
	}
	r := wait(t, c)
	if r.Outcome != OutcomeData {
		t.Fatalf("outcome = %v", r.Outcome)
	}
	want := []int64{pub[4].GlobalID, pub[3].GlobalID, pub[2].GlobalID, pub[1].GlobalID, pub[0].GlobalID}
	if diff := cmp.Diff(want, globals(r.Messages)); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	if m.ClientCount() != 0 {
		t.Fatalf("resolved connection still waiting")
	}
}

func TestRegisterMinusOneReturnsStatusOnly(t *testing.T) {
	m, store := newManager(t, Options{})
	publish(t, store, "", "/a", 4)

	c := NewConnection("c1", Identity{}, map[string]int64{"/a": -1, "/empty": -1})
	_ = m.Register(context.Background(), c)
	r := wait(t, c)
	if len(r.Messages) != 1 || r.Messages[0].Channel != wire.StatusChannel {
		t.Fatalf("expected one status entry, got %+v", r.Messages)
	}
	pos, _ := r.Messages[0].Positions()
	if diff := cmp.Diff(map[string]int64{"/a": 4, "/empty": 0}, pos); diff != "" {
		t.Fatalf("status (-want +got):\n%s", diff)
	}
}

func TestRegisterWaitsAndNotifyDelivers(t *testing.T) {
	m, store := newManager(t, Options{})
	publish(t, store, "", "/a", 2)

	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 2})
	_ = m.Register(context.Background(), c)
	if !pending(c) || m.ClientCount() != 1 {
		t.Fatalf("expected connection to wait")
	}

	msg := publish(t, store, "", "/a", 1)[0]
	m.Notify(msg)
	r := wait(t, c)
	if diff := cmp.Diff([]int64{msg.GlobalID}, globals(r.Messages)); diff != "" {
		t.Fatalf("delivered (-want +got):\n%s", diff)
	}
	if m.Stats().Index.Connections != 0 {
		t.Fatalf("index not cleaned: %+v", m.Stats())
	}
}

func TestNotifyIgnoresOtherPartitionsAndChannels(t *testing.T) {
	m, store := newManager(t, Options{})
	c := NewConnection("c1", Identity{PartitionKey: "p"}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), c)

	m.Notify(publish(t, store, "q", "/a", 1)[0])
	m.Notify(publish(t, store, "p", "/b", 1)[0])
	if !pending(c) {
		t.Fatalf("connection resolved by unrelated message: %+v", c.Result())
	}
	m.Notify(publish(t, store, "p", "/a", 1)[0])
	if r := wait(t, c); len(r.Messages) != 1 {
		t.Fatalf("got %+v", r.Messages)
	}
}

func TestDuplicateRegistrationCancelsPrevious(t *testing.T) {
	m, store := newManager(t, Options{})
	first := NewConnection("same", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), first)
	second := NewConnection("same", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), second)

	if r := wait(t, first); r.Outcome != OutcomeCancelled {
		t.Fatalf("first outcome = %v", r.Outcome)
	}
	if !pending(second) || m.ClientCount() != 1 {
		t.Fatalf("second should be waiting")
	}
	m.Notify(publish(t, store, "", "/a", 1)[0])
	if r := wait(t, second); r.Outcome != OutcomeData {
		t.Fatalf("second outcome = %v", r.Outcome)
	}
}

func TestDeadlineResolvesEmpty(t *testing.T) {
	m, _ := newManager(t, Options{LongPollingInterval: 30 * time.Millisecond})
	var writes atomic.Int32
	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 0})
	c.Responder = ResponderFunc(func(Response) error { writes.Add(1); return nil })
	_ = m.Register(context.Background(), c)

	r := wait(t, c)
	if r.Outcome != OutcomeTimeout || len(r.Messages) != 0 || r.Messages == nil {
		t.Fatalf("got %+v", r)
	}
	time.Sleep(20 * time.Millisecond)
	if writes.Load() != 1 {
		t.Fatalf("responder called %d times", writes.Load())
	}
	if m.ClientCount() != 0 {
		t.Fatalf("timed out connection still waiting")
	}
}

func TestFlushPartition(t *testing.T) {
	m, store := newManager(t, Options{})
	publish(t, store, "p", "/a", 3)
	c := NewConnection("c1", Identity{PartitionKey: "p"}, map[string]int64{"/a": 3})
	other := NewConnection("c2", Identity{PartitionKey: "q"}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), c)
	_ = m.Register(context.Background(), other)

	if err := store.Flush(context.Background(), "p"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	m.FlushPartition("p")
	r := wait(t, c)
	if r.Outcome != OutcomeFlushed {
		t.Fatalf("outcome = %v", r.Outcome)
	}
	if len(r.Messages) != 2 || r.Messages[0].Channel != wire.FlushChannel || r.Messages[1].Channel != wire.StatusChannel {
		t.Fatalf("messages = %+v", r.Messages)
	}
	pos, _ := r.Messages[1].Positions()
	if pos["/a"] != 0 {
		t.Fatalf("status after flush = %v", pos)
	}
	if !pending(other) {
		t.Fatalf("other partition resolved")
	}
}

func TestPositionAheadAfterFlushGetsStatus(t *testing.T) {
	m, store := newManager(t, Options{})
	publish(t, store, "", "/a", 1)
	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 9})
	_ = m.Register(context.Background(), c)
	r := wait(t, c)
	if len(r.Messages) != 1 || r.Messages[0].Channel != wire.StatusChannel {
		t.Fatalf("got %+v", r.Messages)
	}
}

func TestTargetedMessagesRespectIdentity(t *testing.T) {
	m, store := newManager(t, Options{})
	ctx := context.Background()
	alice := NewConnection("alice", Identity{UserID: "alice"}, map[string]int64{"/a": 0})
	staff := NewConnection("staff", Identity{UserID: "bob", GroupIDs: []string{"staff"}}, map[string]int64{"/a": 0})
	anon := NewConnection("anon", Identity{}, map[string]int64{"/a": 0})
	for _, c := range []*Connection{alice, staff, anon} {
		_ = m.Register(ctx, c)
	}

	msg, _ := store.Append(ctx, "", "/a", []byte(`1`), backlog.Targets{UserIDs: []string{"alice"}, GroupIDs: []string{"staff"}})
	m.Notify(msg)
	wait(t, alice)
	wait(t, staff)
	if !pending(anon) {
		t.Fatalf("anonymous connection received targeted message")
	}

	late := NewConnection("late", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(ctx, late)
	r := wait(t, late)
	if len(r.Messages) != 1 || r.Messages[0].Channel != wire.StatusChannel {
		t.Fatalf("replay leaked targeted message: %+v", r.Messages)
	}
}

func TestFilterRewritesPayload(t *testing.T) {
	m, store := newManager(t, Options{Hooks: Hooks{
		Filter: func(_ Identity, msg backlog.Message) ([]byte, bool) {
			if string(msg.Payload) == `"secret"` {
				return nil, false
			}
			return []byte(`"redacted"`), true
		},
	}})
	ctx := context.Background()
	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(ctx, c)

	secret, _ := store.Append(ctx, "", "/a", []byte(`"secret"`), backlog.Targets{})
	m.Notify(secret)
	if !pending(c) {
		t.Fatalf("filtered message resolved connection")
	}
	visible, _ := store.Append(ctx, "", "/a", []byte(`"hello"`), backlog.Targets{})
	m.Notify(visible)
	r := wait(t, c)
	if len(r.Messages) != 1 || r.Messages[0].MessageID != visible.MessageID {
		t.Fatalf("messages = %+v", r.Messages)
	}
	if got := string(r.Messages[0].Data); got != `"redacted"` {
		t.Fatalf("data = %s", got)
	}
}

func TestAroundBatchWrapsFanout(t *testing.T) {
	var gotUsers []string
	m, store := newManager(t, Options{Hooks: Hooks{
		AroundBatch: func(channel string) func(backlog.Message, []string, func()) {
			if channel != "/wrapped" {
				return nil
			}
			return func(_ backlog.Message, userIDs []string, work func()) {
				gotUsers = append([]string(nil), userIDs...)
				work()
			}
		},
	}})
	c := NewConnection("c1", Identity{UserID: "u1"}, map[string]int64{"/wrapped": 0})
	_ = m.Register(context.Background(), c)
	m.Notify(publish(t, store, "", "/wrapped", 1)[0])
	wait(t, c)
	if diff := cmp.Diff([]string{"u1"}, gotUsers); diff != "" {
		t.Fatalf("user ids (-want +got):\n%s", diff)
	}
}

func TestPanickingHookIsolated(t *testing.T) {
	m, store := newManager(t, Options{Hooks: Hooks{
		Allowed: func(ident Identity, _ backlog.Message) bool {
			if ident.UserID == "bad" {
				panic("boom")
			}
			return true
		},
	}})
	bad := NewConnection("a-bad", Identity{UserID: "bad"}, map[string]int64{"/a": 0})
	good := NewConnection("b-good", Identity{UserID: "good"}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), bad)
	_ = m.Register(context.Background(), good)
	m.Notify(publish(t, store, "", "/a", 1)[0])
	wait(t, good)
	if !pending(bad) {
		t.Fatalf("bad connection resolved")
	}
}

func TestMaxActiveFallsBackToImmediate(t *testing.T) {
	m, _ := newManager(t, Options{MaxActive: 1})
	first := NewConnection("c1", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), first)
	second := NewConnection("c2", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), second)
	r := wait(t, second)
	if r.Outcome != OutcomeImmediate || len(r.Messages) != 0 {
		t.Fatalf("got %+v", r)
	}
	if !pending(first) {
		t.Fatalf("first should still wait")
	}
}

func TestNoLongPollAnswersImmediately(t *testing.T) {
	m, _ := newManager(t, Options{})
	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 0})
	c.LongPoll = false
	_ = m.Register(context.Background(), c)
	b, _ := json.Marshal(wait(t, c).Messages)
	if string(b) != "[]" {
		t.Fatalf("body = %s", b)
	}
}

func TestResolutionIsExactlyOnce(t *testing.T) {
	m, store := newManager(t, Options{LongPollingInterval: 5 * time.Millisecond})
	for i := 0; i < 50; i++ {
		var writes atomic.Int32
		last, _ := store.Last(context.Background(), "", "/a")
		c := NewConnection("race", Identity{}, map[string]int64{"/a": last})
		c.Responder = ResponderFunc(func(Response) error { writes.Add(1); return nil })
		_ = m.Register(context.Background(), c)

		msg := publish(t, store, "", "/a", 1)[0]
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); m.Notify(msg) }()
		go func() { defer wg.Done(); m.Cancel("race") }()
		go func() { defer wg.Done(); m.FlushPartition("") }()
		wg.Wait()
		wait(t, c)
		if n := writes.Load(); n != 1 {
			t.Fatalf("iteration %d: responder called %d times", i, n)
		}
	}
}

func TestCloseAnswersWaiting(t *testing.T) {
	m, _ := newManager(t, Options{})
	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 0})
	_ = m.Register(context.Background(), c)
	_ = m.Close()
	if r := wait(t, c); r.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %v", r.Outcome)
	}
	late := NewConnection("c2", Identity{}, map[string]int64{"/a": 0})
	if err := m.Register(context.Background(), late); err != ErrManagerClosed {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestRemoveSkipsResponder(t *testing.T) {
	m, _ := newManager(t, Options{})
	called := false
	c := NewConnection("c1", Identity{}, map[string]int64{"/a": 0})
	c.Responder = ResponderFunc(func(Response) error { called = true; return nil })
	_ = m.Register(context.Background(), c)
	m.Remove(c)
	if r := wait(t, c); r.Outcome != OutcomeGone || called {
		t.Fatalf("outcome=%v called=%v", r.Outcome, called)
	}
	if m.ClientCount() != 0 {
		t.Fatalf("removed connection still waiting")
	}
}
