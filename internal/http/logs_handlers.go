package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/logs"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/ws"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/logger"
)

func (r *Router) handleReadLogs(w http.ResponseWriter, req *http.Request) {
	buildID := req.PathValue("id")
	if _, err := r.builds.Get(req.Context(), buildID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	var after int64
	if raw := strings.TrimSpace(req.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}
	lines, err := r.logs.ReadSince(req.Context(), buildID, after)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if lines == nil {
		lines = []domain.LogLine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buildId": buildID,
		"logs":    lines,
	})
}

func (r *Router) handleClearLogs(w http.ResponseWriter, req *http.Request) {
	buildID := req.PathValue("id")
	if _, err := r.builds.Get(req.Context(), buildID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if err := r.logs.Clear(req.Context(), buildID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamLogs serves a build's log as server-sent events: the stored
// lines first, then live lines until the client disconnects.
func (r *Router) handleStreamLogs(w http.ResponseWriter, req *http.Request) {
	buildID := req.PathValue("id")
	build, err := r.builds.Get(req.Context(), buildID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	log := logger.FromContext(req.Context(), r.logger).With("build_id", buildID)
	client := ws.NewSSEClient(w, flusher, log, streamBuffer)
	snapshot, unsubscribe, err := r.logs.Subscribe(req.Context(), buildID, client)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer unsubscribe()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSeq, err := writeSnapshot(buildID, snapshot, client.Write)
	if err != nil {
		return
	}
	if build.Status.IsTerminal() {
		return
	}
	client.SetSkip(func(payload []byte) bool { return logs.SeqOf(payload) <= lastSeq })
	client.SetEnd(logs.IsEnd)
	client.SetFinishedCheck(func() bool {
		current, err := r.builds.Get(req.Context(), buildID)
		return err == nil && current.Status.IsTerminal()
	})
	if err := client.Serve(req.Context(), sseHeartbeat); err != nil && req.Context().Err() == nil {
		log.Debug("log stream ended", "error", err)
	}
}

// handleLogsWS streams a build's log over a websocket with the same
// snapshot-then-live ordering as the SSE stream.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	buildID := strings.TrimSpace(req.URL.Query().Get("build_id"))
	if buildID == "" {
		writeError(w, http.StatusBadRequest, "build_id query parameter required")
		return
	}
	if _, err := r.builds.Get(req.Context(), buildID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	log := logger.FromContext(req.Context(), r.logger).With("build_id", buildID)
	client := ws.NewClient(conn, log, streamBuffer)
	snapshot, unsubscribe, err := r.logs.Subscribe(req.Context(), buildID, client)
	if err != nil {
		log.Warn("log subscription failed", "error", err)
		client.Close()
		return
	}
	defer unsubscribe()

	lastSeq, err := writeSnapshot(buildID, snapshot, client.Write)
	if err != nil {
		client.Close()
		return
	}
	client.SetSkip(func(payload []byte) bool { return logs.SeqOf(payload) <= lastSeq })
	client.Serve()
}

func writeSnapshot(buildID string, lines []domain.LogLine, write func([]byte) error) (int64, error) {
	var lastSeq int64
	for _, line := range lines {
		data, err := logs.MarshalLine(buildID, line)
		if err != nil {
			continue
		}
		if err := write(data); err != nil {
			return lastSeq, err
		}
		lastSeq = line.Seq
	}
	return lastSeq, nil
}
