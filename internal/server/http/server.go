package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rzbill/pollbus/internal/runtime"
	"github.com/rzbill/pollbus/pkg/log"
)

// Lookups resolve the identity of a poll request. Nil fields fall back to
// the X-User-ID, X-Group-IDs and X-Partition-Key headers.
type Lookups struct {
	UserID       func(*http.Request) string
	GroupIDs     func(*http.Request) []string
	PartitionKey func(*http.Request) string
	// ExtraHeaders are added to every poll response.
	ExtraHeaders func(*http.Request) http.Header
}

// Option customizes a Server.
type Option func(*Server)

// WithLookups sets the identity lookups.
func WithLookups(l Lookups) Option { return func(s *Server) { s.lookups = l } }

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

type Server struct {
	rt      *runtime.Runtime
	srv     *http.Server
	lis     net.Listener
	logger  log.Logger
	lookups Lookups
	metrics http.Handler
}

func New(rt *runtime.Runtime, logger log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{rt: rt, logger: logger.WithComponent("http")}
	for _, o := range opts {
		o(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/message-bus/", s.handleMessageBus)
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/flush", s.handleFlush)
	mux.HandleFunc("/v1/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	s.srv = &http.Server{Handler: cors(mux), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the root handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// cors answers preflights for the JSON API. Poll preflights reach the poll
// handler, which replies with the poll headers.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Shared-Session-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions && !strings.HasPrefix(r.URL.Path, "/message-bus/") {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
