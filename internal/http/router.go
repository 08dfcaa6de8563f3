package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/logs"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/trigger"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/webhook"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/logger"
)

// BuildService is the build surface the router exposes.
type BuildService interface {
	Trigger(ctx context.Context, req trigger.Request) (*domain.Build, error)
	Retry(ctx context.Context, buildID, user string) (*domain.Build, error)
	Cancel(ctx context.Context, buildID string) (*domain.Build, error)
	Get(ctx context.Context, buildID string) (*domain.Build, error)
	List(ctx context.Context, siteID string, page, limit int) ([]domain.Build, domain.Pagination, error)
	DeleteBySite(ctx context.Context, siteID string) (int, error)
}

// WebhookService handles git provider deliveries.
type WebhookService interface {
	HandlePush(ctx context.Context, siteID string, payload []byte, signature string) (webhook.Result, error)
	UpsertSecret(ctx context.Context, siteID string, secret string) error
}

// Dependencies bundles what NewRouter wires into handlers.
type Dependencies struct {
	Builds        BuildService
	Logs          logs.Service
	Webhooks      WebhookService
	JWTSecret     string
	InternalToken string
	Limiter       RateLimiter
	DBHealth      func(context.Context) error
	Registerer    prometheus.Registerer
	Gatherer      prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	builds        BuildService
	logs          logs.Service
	webhooks      WebhookService
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	metrics       *httpMetrics
	gatherer      prometheus.Gatherer
	jwtSecret     string
	internalToken string
	dbHealth      func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitTrigger   = 30
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 120
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	streamBuffer       = 256
	maxWebhookBody     = 1 << 20
	defaultPageLimit   = 20
	maxPageLimit       = 100
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		builds:   deps.Builds,
		logs:     deps.Logs,
		webhooks: deps.Webhooks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       deps.Limiter,
		metrics:       newHTTPMetrics(deps.Registerer),
		gatherer:      deps.Gatherer,
		jwtSecret:     deps.JWTSecret,
		internalToken: strings.TrimSpace(deps.InternalToken),
		dbHealth:      deps.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.handle("POST /sites/{siteId}/builds", r.handlerAuthRate("trigger", rateLimitTrigger, rateWindowDefault, r.handleTriggerBuild))
	r.handle("GET /sites/{siteId}/builds", r.handlerAuthRate("list_builds", rateLimitUserRead, rateWindowDefault, r.handleListBuilds))
	r.handle("DELETE /sites/{siteId}/builds", r.requireInternalToken(r.handleDeleteSiteBuilds))

	r.handle("GET /builds/{id}", r.handlerAuthRate("get_build", rateLimitUserRead, rateWindowDefault, r.handleGetBuild))
	r.handle("POST /builds/{id}/cancel", r.handlerAuthRate("cancel", rateLimitUserWrite, rateWindowDefault, r.handleCancelBuild))
	r.handle("POST /builds/{id}/retry", r.handlerAuthRate("retry", rateLimitTrigger, rateWindowDefault, r.handleRetryBuild))
	r.handle("GET /builds/{id}/logs", r.handlerAuthRate("read_logs", rateLimitUserRead, rateWindowDefault, r.handleReadLogs))
	r.handle("DELETE /builds/{id}/logs", r.handlerAuthRate("clear_logs", rateLimitUserWrite, rateWindowDefault, r.handleClearLogs))
	r.handle("GET /builds/{id}/logs/stream", r.handlerAuthRate("stream_logs", rateLimitWebsocket, rateWindowRealtime, r.handleStreamLogs))
	r.handle("GET /ws/builds", r.handlerAuthRate("ws_logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS))
	r.handle("GET /ws/sites", r.handlerAuthRate("ws_sites", rateLimitWebsocket, rateWindowRealtime, r.handleSiteEventsWS))

	r.handle("POST /webhook/{siteId}", r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook))
	r.handle("POST /webhook/{siteId}/secret", r.handlerAuthRate("webhook_secret", rateLimitUserWrite, rateWindowDefault, r.handleWebhookSecret))
}

// handle registers pattern wrapped in request auditing labelled by pattern.
func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, h))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	code := http.StatusOK
	components := map[string]string{"api": "ok"}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			logger.FromContext(req.Context(), r.logger).Warn("database health check failed", "error", err)
			components["database"] = "unavailable"
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			components["database"] = "ok"
		}
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

// audit assigns a request id, logs the outcome and records metrics.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		req = req.WithContext(logger.WithRequestID(req.Context(), reqID))

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"route", route,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.TeamID != "" {
				fields = append(fields, "team_id", info.TeamID)
			}
		} else if req.Header.Get("X-Internal-Token") != "" {
			actor = "internal"
		} else if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "git"
		}
		fields = append(fields, "actor", actor)

		log := logger.FromContext(req.Context(), r.logger)
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := max(limit-decision.count, 0)
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// pageParams reads page and limit, clamping limit to maxPageLimit.
func pageParams(req *http.Request) (int, int, error) {
	page, limit := 1, defaultPageLimit
	q := req.URL.Query()
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		page = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(v, maxPageLimit)
	}
	return page, limit, nil
}
