package httpx

import (
	"net/http"
	"strings"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/notify"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/ws"
)

// handleSiteEventsWS streams deploy notifications for one site.
func (r *Router) handleSiteEventsWS(w http.ResponseWriter, req *http.Request) {
	siteID := strings.TrimSpace(req.URL.Query().Get("site_id"))
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "site_id query parameter required")
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger.With("site_id", siteID), streamBuffer)
	topic := notify.SiteTopic(siteID)
	hub.Register(topic, client)
	defer hub.Unregister(topic, client)
	client.Serve()
}
