package proxy

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/pollbus/internal/wire"
)

func msg(channel string, id, global int64) wire.Message {
	return wire.Message{MessageID: id, GlobalID: global, Channel: channel, Data: json.RawMessage(`null`)}
}

func ids(msgs []wire.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageID)
	}
	return out
}

func TestCachePushDedupes(t *testing.T) {
	c := make(cache)
	c.push(msg("/a", 2, 20))
	c.push(msg("/a", 1, 10))
	c.push(msg("/a", 2, 20))
	c.push(msg("/a", 3, 30))

	e := c["/a"]
	if e.last != 3 {
		t.Fatalf("last %d", e.last)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, ids(e.messages)); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
}

func TestCacheSetPosition(t *testing.T) {
	c := make(cache)
	c.push(msg("/a", 1, 1))
	c.push(msg("/a", 2, 2))
	c.setPosition("/a", 1)
	if e := c["/a"]; e.last != 1 || len(e.messages) != 1 {
		t.Fatalf("entry %+v", e)
	}
	c.setPosition("/b", 7)
	if !c.hasData(map[string]int64{"/b": 6}) || c.hasData(map[string]int64{"/b": 7}) {
		t.Fatal("hasData mismatch")
	}
}

func TestCacheReplyFor(t *testing.T) {
	c := make(cache)
	c.push(msg("/a", 1, 10))
	c.push(msg("/a", 2, 12))
	c.push(msg("/b", 1, 11))

	got := c.replyFor(map[string]int64{"/a": 0, "/b": 0, "/c": 0}, false)
	if diff := cmp.Diff([]int64{2, 1, 1}, ids(got)); diff != "" {
		t.Fatalf("reply (-want +got):\n%s", diff)
	}
	if got[0].GlobalID != 12 || got[1].GlobalID != 11 {
		t.Fatalf("not newest first: %+v", got)
	}

	got = c.replyFor(map[string]int64{"/a": -1}, false)
	if len(got) != 1 || got[0].Channel != wire.StatusChannel {
		t.Fatalf("reply %+v", got)
	}
	pos, _ := got[0].Positions()
	if diff := cmp.Diff(map[string]int64{"/a": 2}, pos); diff != "" {
		t.Fatalf("status (-want +got):\n%s", diff)
	}

	got = c.replyFor(map[string]int64{"/a": 1, "/b": 0}, true)
	if len(got) != 2 || got[0].Channel != wire.FlushChannel || got[1].Channel != wire.StatusChannel {
		t.Fatalf("flushed reply %+v", got)
	}

	if got := c.replyFor(map[string]int64{"/a": 5}, false); len(got) != 0 {
		t.Fatalf("ahead position got %+v", got)
	}
}

func TestCacheBounded(t *testing.T) {
	c := make(cache)
	for i := int64(1); i <= maxCachedPerChannel+10; i++ {
		c.push(msg("/a", i, i))
	}
	e := c["/a"]
	if len(e.messages) != maxCachedPerChannel || e.messages[0].MessageID != 11 {
		t.Fatalf("len %d first %d", len(e.messages), e.messages[0].MessageID)
	}
}
