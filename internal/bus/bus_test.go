package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/pollbus/internal/backlog"
)

type recorder struct {
	mu      sync.Mutex
	ids     []int64
	flushed []string
}

func (r *recorder) msg(m backlog.Message) {
	r.mu.Lock()
	r.ids = append(r.ids, m.GlobalID)
	r.mu.Unlock()
}

func (r *recorder) flush(p string) {
	r.mu.Lock()
	r.flushed = append(r.flushed, p)
	r.mu.Unlock()
}

func TestPublishDispatchesInOrder(t *testing.T) {
	b := New(backlog.NewMemoryStore(backlog.Options{}), Options{})
	rec := &recorder{}
	b.OnMessage(rec.msg)

	var want []int64
	for i := 0; i < 100; i++ {
		m, err := b.Publish(context.Background(), "", "/c", []byte(`1`), backlog.Targets{})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		want = append(want, m.GlobalID)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if diff := cmp.Diff(want, rec.ids); diff != "" {
		t.Fatalf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestFlushNotifiesAfterStoreFlush(t *testing.T) {
	store := backlog.NewMemoryStore(backlog.Options{})
	b := New(store, Options{})
	rec := &recorder{}
	seen := make(chan int64, 1)
	b.OnFlush(func(p string) {
		rec.flush(p)
		last, _ := store.Last(context.Background(), p, "/c")
		seen <- last
	})
	_, _ = b.Publish(context.Background(), "p1", "/c", []byte(`1`), backlog.Targets{})
	if err := b.Flush(context.Background(), "p1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	select {
	case last := <-seen:
		if last != 0 {
			t.Fatalf("listener saw last=%d", last)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("flush listener not called")
	}
	_ = b.Close()
	if diff := cmp.Diff([]string{"p1"}, rec.flushed); diff != "" {
		t.Fatalf("flushed (-want +got):\n%s", diff)
	}
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	b := New(backlog.NewMemoryStore(backlog.Options{}), Options{})
	rec := &recorder{}
	b.OnMessage(func(backlog.Message) { panic("boom") })
	b.OnMessage(rec.msg)
	for i := 0; i < 3; i++ {
		_, _ = b.Publish(context.Background(), "", "/c", nil, backlog.Targets{})
	}
	_ = b.Close()
	if len(rec.ids) != 3 {
		t.Fatalf("second listener got %d messages", len(rec.ids))
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(backlog.NewMemoryStore(backlog.Options{}), Options{})
	_ = b.Close()
	if _, err := b.Publish(context.Background(), "", "/c", nil, backlog.Targets{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseDeliversRacingPublishes(t *testing.T) {
	for round := 0; round < 20; round++ {
		b := New(backlog.NewMemoryStore(backlog.Options{}), Options{})
		rec := &recorder{}
		b.OnMessage(rec.msg)

		var (
			mu     sync.Mutex
			stored []int64
			wg     sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					m, err := b.Publish(context.Background(), "", "/c", []byte(`1`), backlog.Targets{})
					if err == ErrClosed {
						return
					}
					if err != nil {
						t.Errorf("publish: %v", err)
						return
					}
					mu.Lock()
					stored = append(stored, m.GlobalID)
					mu.Unlock()
				}
			}()
		}
		time.Sleep(time.Millisecond)
		_ = b.Close()
		wg.Wait()

		rec.mu.Lock()
		got := len(rec.ids)
		rec.mu.Unlock()
		if got != len(stored) {
			t.Fatalf("round %d: %d stored, %d delivered", round, len(stored), got)
		}
	}
}
