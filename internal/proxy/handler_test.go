package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/internal/client"
	cfgpkg "github.com/rzbill/pollbus/internal/config"
	"github.com/rzbill/pollbus/internal/runtime"
	httpserver "github.com/rzbill/pollbus/internal/server/http"
	"github.com/rzbill/pollbus/internal/wire"
	logpkg "github.com/rzbill/pollbus/pkg/log"
)

func TestSettingsEndpoint(t *testing.T) {
	p, _ := newTestProxy(t, time.Second)
	req := httptest.NewRequest(http.MethodPost, "/message-bus/settings.json",
		strings.NewReader("baseUrl=%2Fx%2F&long_polling_interval=1000"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestHandlerPoll(t *testing.T) {
	p, fu := newTestProxy(t, 5*time.Second)
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/message-bus/"+idA+"/poll", "application/x-www-form-urlencoded",
			strings.NewReader(wire.EncodePositions(map[string]int64{"/a": 0})))
		if err != nil {
			t.Errorf("post: %v", err)
			done <- nil
			return
		}
		done <- resp
	}()
	fu.next(t).respond([]wire.Message{msg("/a", 1, 1)})

	var resp *http.Response
	select {
	case resp = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("no response")
	}
	if resp == nil {
		t.FailNow()
	}
	defer resp.Body.Close()
	var msgs []wire.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(msgs) != 1 || msgs[0].MessageID != 1 {
		t.Fatalf("got %d %+v", resp.StatusCode, msgs)
	}
}

func TestHandlerPassthrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin "+r.URL.Path)
	}))
	defer origin.Close()

	p := New(Options{BaseURL: origin.URL + "/", Transport: &fakeUpstream{calls: make(chan upstreamCall, 1)}})
	defer p.Close()

	for _, target := range []string{
		"/message-bus/" + idA + "/poll?worker=f",
		"/message-bus/not-a-client/poll",
	} {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(""))
		w := httptest.NewRecorder()
		p.Handler().ServeHTTP(w, req)
		if !strings.HasPrefix(w.Body.String(), "origin /message-bus/") {
			t.Fatalf("%s: got %d %q", target, w.Code, w.Body.String())
		}
	}
}

func TestClientThroughProxy(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Server.LongPollingIntervalMs = 500
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	defer rt.Close()
	origin := httptest.NewServer(httpserver.New(rt, logpkg.NewNopLogger()).Handler())
	defer origin.Close()

	p := New(Options{
		BaseURL:             origin.URL + "/",
		LongPollingInterval: 500 * time.Millisecond,
		WaitForClients:      50 * time.Millisecond,
	})
	defer p.Close()
	front := httptest.NewServer(p.Handler())
	defer front.Close()

	c := client.New(client.Options{BaseURL: front.URL, CallbackInterval: 50 * time.Millisecond})
	defer c.Close()
	got := make(chan wire.Message, 4)
	c.Subscribe("/chat", func(m wire.Message) { got <- m }, -1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		d := c.Diagnostics()
		if len(d.Subscriptions) == 1 && d.Subscriptions[0].Last == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status handshake not completed: %+v", d)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := rt.Bus().Publish(ctx, "", "/chat", []byte(`"hi"`), backlog.Targets{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-got:
		if m.MessageID != 1 || string(m.Data) != `"hi"` {
			t.Fatalf("message %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered through proxy")
	}
}
