package filter

import (
	"testing"
	"time"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/internal/connmgr"
)

func TestCompileRejectsBadExpressions(t *testing.T) {
	cases := map[string]string{
		"syntax":   `user_id ==`,
		"unknown":  `nope == 1`,
		"non-bool": `size + 1`,
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Compile(map[string]string{"/c": expr}); err == nil {
				t.Fatalf("expected error for %q", expr)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	s, err := Compile(map[string]string{
		"/owned":  `json.owner == user_id || "admin" in group_ids`,
		"/small":  `size < 5`,
		"/recent": `now_ms - ts_ms < 1000`,
		"/blank":  `  `,
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }

	owned := backlog.Message{Channel: "/owned", Payload: []byte(`{"owner":"alice"}`)}
	cases := []struct {
		name  string
		ident connmgr.Identity
		msg   backlog.Message
		want  bool
	}{
		{"owner", connmgr.Identity{UserID: "alice"}, owned, true},
		{"stranger", connmgr.Identity{UserID: "bob"}, owned, false},
		{"admin group", connmgr.Identity{UserID: "bob", GroupIDs: []string{"admin"}}, owned, true},
		{"not json denies", connmgr.Identity{UserID: "alice"}, backlog.Message{Channel: "/owned", Payload: []byte(`oops`)}, false},
		{"small", connmgr.Identity{}, backlog.Message{Channel: "/small", Payload: []byte(`1`)}, true},
		{"large", connmgr.Identity{}, backlog.Message{Channel: "/small", Payload: []byte(`123456`)}, false},
		{"recent", connmgr.Identity{}, backlog.Message{Channel: "/recent", PublishedAt: now.Add(-500 * time.Millisecond)}, true},
		{"stale", connmgr.Identity{}, backlog.Message{Channel: "/recent", PublishedAt: now.Add(-time.Hour)}, false},
		{"unfiltered channel", connmgr.Identity{}, backlog.Message{Channel: "/blank"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Allowed(tc.ident, tc.msg); got != tc.want {
				t.Fatalf("Allowed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNilSetAllowsEverything(t *testing.T) {
	var s *Set
	if !s.Allowed(connmgr.Identity{}, backlog.Message{Channel: "/x"}) {
		t.Fatalf("nil set should allow")
	}
}
