package serverrun

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/pollbus/internal/config"
	httpserver "github.com/rzbill/pollbus/internal/server/http"
	logpkg "github.com/rzbill/pollbus/pkg/log"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestRunStopsOnCancel(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cfgpkg.Config, string)
	}{
		{name: "memory store", mutate: func(*cfgpkg.Config, string) {}},
		{name: "pebble store", mutate: func(c *cfgpkg.Config, dir string) {
			c.Server.Store = cfgpkg.StorePebble
			c.Server.DataDir = filepath.Join(dir, "store")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cfgpkg.Default()
			cfg.Server.HTTPAddr = freeAddr(t)
			tt.mutate(&cfg, t.TempDir())

			ctx, cancel := context.WithCancel(context.Background())
			ready := make(chan *httpserver.Server, 1)
			errCh := make(chan error, 1)
			go func() {
				errCh <- Run(ctx, Options{
					Config: cfg,
					Logger: logpkg.NewNopLogger(),
					Ready:  func(s *httpserver.Server) { ready <- s },
				})
			}()

			select {
			case <-ready:
			case err := <-errCh:
				t.Fatalf("run exited early: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("server not ready")
			}
			cancel()
			select {
			case err := <-errCh:
				if err != nil {
					t.Fatalf("run: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("run did not stop")
			}
		})
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Server.Store = "sqlite"
	if err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNopLogger()}); err == nil {
		t.Fatal("expected error")
	}
}
