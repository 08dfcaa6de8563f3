package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/trigger"
)

type triggerBuildRequest struct {
	Branch        string `json:"branch"`
	CommitSHA     string `json:"commitSha"`
	CommitMessage string `json:"commitMessage"`
	ClearCache    bool   `json:"clearCache"`
	Source        string `json:"source"`
}

func (r *Router) handleTriggerBuild(w http.ResponseWriter, req *http.Request) {
	var payload triggerBuildRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	source := domain.TriggerSource(strings.ToLower(strings.TrimSpace(payload.Source)))
	switch source {
	case "":
		source = domain.TriggerManual
	case domain.TriggerManual, domain.TriggerAPI:
	default:
		writeError(w, http.StatusBadRequest, "source must be manual or api")
		return
	}
	info, _ := authInfoFromContext(req.Context())
	build, err := r.builds.Trigger(req.Context(), trigger.Request{
		SiteID:        req.PathValue("siteId"),
		Branch:        payload.Branch,
		CommitSHA:     payload.CommitSHA,
		CommitMessage: payload.CommitMessage,
		ClearCache:    payload.ClearCache,
		Source:        source,
		User:          info.UserID,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, build)
}

func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request) {
	page, limit, err := pageParams(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	builds, pagination, err := r.builds.List(req.Context(), req.PathValue("siteId"), page, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if builds == nil {
		builds = []domain.Build{}
	}
	for i := range builds {
		builds[i].BuildLogs = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"builds":     builds,
		"pagination": pagination,
	})
}

func (r *Router) handleDeleteSiteBuilds(w http.ResponseWriter, req *http.Request) {
	removed, err := r.builds.DeleteBySite(req.Context(), req.PathValue("siteId"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": removed})
}

func (r *Router) handleGetBuild(w http.ResponseWriter, req *http.Request) {
	build, err := r.builds.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (r *Router) handleCancelBuild(w http.ResponseWriter, req *http.Request) {
	build, err := r.builds.Cancel(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (r *Router) handleRetryBuild(w http.ResponseWriter, req *http.Request) {
	info, _ := authInfoFromContext(req.Context())
	build, err := r.builds.Retry(req.Context(), req.PathValue("id"), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, build)
}
