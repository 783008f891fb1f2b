package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"github.com/rzbill/pollbus/internal/wire"
	"github.com/rzbill/pollbus/pkg/log"
)

var pollPath = regexp.MustCompile(`/message-bus/([0-9a-f]{32})/poll$`)

// Handler serves consumer polls and settings updates. Requests the proxy does
// not capture, including polls marked worker=f, are forwarded upstream.
func (p *Proxy) Handler() http.Handler {
	passthrough := p.passthrough()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/message-bus/settings.json") {
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			p.ApplySettings(r.Form)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "ok")
			return
		}
		m := pollPath.FindStringSubmatch(r.URL.Path)
		if m == nil || r.Method != http.MethodPost || (r.URL.RawQuery != "" && r.URL.RawQuery != "dlp=t") {
			passthrough.ServeHTTP(w, r)
			return
		}
		p.servePoll(w, r, m[1])
	})
}

func (p *Proxy) servePoll(w http.ResponseWriter, r *http.Request, id string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	positions, err := wire.DecodePositions(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := p.Serve(r.Context(), id, positions)
	if err != nil {
		if r.Context().Err() == nil {
			writeReply(w, brokenReply())
		}
		return
	}
	writeReply(w, reply)
}

func writeReply(w http.ResponseWriter, reply Reply) {
	h := w.Header()
	h.Set("Cache-Control", "must-revalidate, private, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	if reply.StatusCode == http.StatusBadRequest {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, wire.CancelledBody)
		return
	}
	msgs := reply.Messages
	if msgs == nil {
		msgs = []wire.Message{}
	}
	h.Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(reply.StatusCode)
	_ = json.NewEncoder(w).Encode(msgs)
}

func (p *Proxy) passthrough() http.Handler {
	target, err := url.Parse(p.opts.BaseURL)
	if err != nil || !target.IsAbs() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		})
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.FlushInterval = -1
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn("passthrough failed", log.Str("path", r.URL.Path), log.Err(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return rp
}
