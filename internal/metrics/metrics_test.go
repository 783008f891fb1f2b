package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(false)
	m.ObservePublish("/a")
	m.ObservePublish("/b")
	m.ObserveResponse("data")
	m.ObserveResponse("timeout")
	m.ObserveResponse("data")
	m.SetWaiting(3)
	m.ObserveBatchCommit(time.Millisecond, 2, 128)
	m.ObserveUpstream("ok")

	if got := testutil.ToFloat64(m.published); got != 2 {
		t.Fatalf("published = %v", got)
	}
	if got := testutil.ToFloat64(m.responses.WithLabelValues("data")); got != 2 {
		t.Fatalf("data responses = %v", got)
	}
	if got := testutil.ToFloat64(m.waiting); got != 3 {
		t.Fatalf("waiting = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"pollbus_published_total 2",
		`pollbus_responses_total{outcome="timeout"} 1`,
		`pollbus_store_bytes_total{op="batch"} 128`,
		`pollbus_proxy_upstream_requests_total{result="ok"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %q:\n%s", name, body)
		}
	}
}
