package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/models"
)

// logFrame is the SSE payload: a LogEntry tagged with the frame type so the
// client can distinguish the connected handshake from log lines.
type logFrame struct {
	Type string `json:"type"`
	models.LogEntry
}

// streamLogs serves GET /logs/stream/{runId}: a connected frame, then every
// entry of the run's stream from the beginning, following live until the
// client disconnects.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(mux.Vars(r)["runId"])
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid run id", err.Error())

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, http.StatusInternalServerError, "streaming unsupported", "")

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, map[string]string{
		"type":  "connected",
		"runId": runID.String(),
	})
	flusher.Flush()

	// Resume support: Last-Event-ID (or ?from=) skips already-seen entries.
	fromID := r.Header.Get("Last-Event-ID")
	if v := r.URL.Query().Get("from"); v != "" {
		fromID = v
	}

	entries, err := s.deps.Bus.Tail(r.Context(), runID, fromID)
	if err != nil {
		writeFrame(w, apiError{Error: "log stream unavailable"})
		flusher.Flush()

		return
	}

	for e := range entries {
		fmt.Fprintf(w, "id: %s\n", e.ID)
		writeFrame(w, logFrame{Type: "log", LogEntry: e})
		flusher.Flush()
	}
}

func writeFrame(w http.ResponseWriter, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// logHistory serves GET /logs/history/{runId}: the most recent entries,
// oldest first, wrapped as {logs: [...]}.
func (s *Server) logHistory(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(mux.Vars(r)["runId"])
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid run id", err.Error())

		return
	}

	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := s.deps.Bus.History(r.Context(), runID, limit)
	if err != nil {
		s.deps.Logger.Error("log history failed", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "failed to read log history", "")

		return
	}

	if logs == nil {
		logs = []models.LogEntry{}
	}

	renderJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
