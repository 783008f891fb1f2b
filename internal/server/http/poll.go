package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rzbill/pollbus/internal/connmgr"
	"github.com/rzbill/pollbus/internal/wire"
	"github.com/rzbill/pollbus/pkg/log"
)

const settingsPath = "/message-bus/settings.json"

func (s *Server) identity(r *http.Request) connmgr.Identity {
	var id connmgr.Identity
	if s.lookups.UserID != nil {
		id.UserID = s.lookups.UserID(r)
	} else {
		id.UserID = r.Header.Get("X-User-ID")
	}
	if s.lookups.GroupIDs != nil {
		id.GroupIDs = s.lookups.GroupIDs(r)
	} else {
		id.GroupIDs = splitList(r.Header.Get("X-Group-IDs"))
	}
	if s.lookups.PartitionKey != nil {
		id.PartitionKey = s.lookups.PartitionKey(r)
	} else {
		id.PartitionKey = r.Header.Get("X-Partition-Key")
	}
	return id
}

func (s *Server) pollHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Cache-Control", "must-revalidate, private, max-age=0")
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	if s.lookups.ExtraHeaders != nil {
		for k, vs := range s.lookups.ExtraHeaders(r) {
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
}

// handleMessageBus serves POST /message-bus/{id}/poll.
func (s *Server) handleMessageBus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == settingsPath {
		http.Error(w, "Request must be captured by service worker.", http.StatusBadRequest)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/message-bus/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "poll" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	s.pollHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := wire.DecodePositions(r.PostForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn := connmgr.NewConnection(id, s.identity(r), positions)
	conn.LongPoll = r.URL.Query().Get("dlp") != "t"
	mgr := s.rt.Connections()
	if err := mgr.Register(r.Context(), conn); err != nil && !errors.Is(err, connmgr.ErrManagerClosed) {
		s.logger.Warn("register failed", log.Str("id", id), log.Err(err))
	}

	select {
	case <-conn.Done():
	case <-r.Context().Done():
		mgr.Remove(conn)
		return
	}
	resp := conn.Result()
	switch resp.Outcome {
	case connmgr.OutcomeGone:
		return
	case connmgr.OutcomeCancelled:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(wire.CancelledBody))
		return
	}
	msgs := resp.Messages
	if msgs == nil {
		msgs = []wire.Message{}
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		s.logger.Debug("poll write failed", log.Str("id", id), log.Err(err))
	}
}
