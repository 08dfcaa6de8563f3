package httpx

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	signature := strings.TrimSpace(req.Header.Get("X-Webhook-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(req.Header.Get("X-Hub-Signature-256"))
	}
	result, err := r.webhooks.HandlePush(req.Context(), req.PathValue("siteId"), body, signature)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if result.Ignored {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "ignored",
			"reason": result.Reason,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "triggered",
		"build":  result.Build,
	})
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.webhooks.UpsertSecret(req.Context(), req.PathValue("siteId"), payload.Secret); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
