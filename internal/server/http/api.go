package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rzbill/pollbus/internal/backlog"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type publishReq struct {
	Partition string          `json:"partition"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	UserIDs   []string        `json:"user_ids,omitempty"`
	GroupIDs  []string        `json:"group_ids,omitempty"`
}

type publishResp struct {
	MessageID int64 `json:"message_id"`
	GlobalID  int64 `json:"global_id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" || strings.HasPrefix(req.Channel, "/__") {
		writeError(w, http.StatusBadRequest, "channel is required and must not use the reserved /__ prefix")
		return
	}
	data := []byte(req.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	msg, err := s.rt.Bus().Publish(r.Context(), req.Partition, req.Channel, data,
		backlog.Targets{UserIDs: req.UserIDs, GroupIDs: req.GroupIDs})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, publishResp{MessageID: msg.MessageID, GlobalID: msg.GlobalID})
}

type flushReq struct {
	Partition string `json:"partition"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req flushReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := s.rt.Bus().Flush(r.Context(), req.Partition); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.rt.Connections().Stats()
	writeJSON(w, http.StatusOK, map[string]int{
		"waiting":    st.Waiting,
		"partitions": st.Index.Partitions,
		"channels":   st.Index.Channels,
	})
}
