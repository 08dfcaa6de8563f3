package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/trigger"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/webhook"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/logger"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trigger.ErrSiteNotFound),
		errors.Is(err, trigger.ErrBuildNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trigger.ErrSiteArchived),
		errors.Is(err, trigger.ErrBuildInProgress),
		errors.Is(err, trigger.ErrNotRetryable),
		errors.Is(err, trigger.ErrNotCancellable),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, trigger.ErrInvalidRequest),
		errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, webhook.ErrInvalidPayload),
		errors.Is(err, webhook.ErrSecretRequired):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrMissingSignature),
		errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, trigger.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err and hides internal details from clients.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(req.Context(), r.logger).Error("request failed", "path", req.URL.Path, "error", err)
		msg := "internal error"
		if status == http.StatusServiceUnavailable {
			msg = "service busy, retry shortly"
		}
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}
