// Package httpx exposes the orchestrator over HTTP: preview CRUD, webhook
// intake, log streaming and the activity feed.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solhaug/previewd/internal/azdo"
	"github.com/solhaug/previewd/internal/docker"
	"github.com/solhaug/previewd/internal/dokploy"
	"github.com/solhaug/previewd/internal/domain"
	"github.com/solhaug/previewd/internal/service/activity"
	"github.com/solhaug/previewd/internal/service/hooks"
	"github.com/solhaug/previewd/internal/service/logstream"
	"github.com/solhaug/previewd/internal/service/preview"
	"github.com/solhaug/previewd/internal/ws"
)

// AuthService authorizes caller credentials.
type AuthService interface {
	Authorize(ctx context.Context, credential string) error
}

// PreviewService drives preview lifecycle operations on behalf of a caller
// credential.
type PreviewService interface {
	CreateOrUpdate(ctx context.Context, apiKey, branch, prID string) (preview.CreateResult, error)
	Delete(ctx context.Context, apiKey, branch, prID string) (bool, error)
	List(ctx context.Context, apiKey string) ([]domain.Preview, error)
	Get(ctx context.Context, apiKey, identifier string) (domain.PreviewDetail, error)
}

// HookService routes webhook events.
type HookService interface {
	PRComment(ctx context.Context, apiKey string, event azdo.PRCommentEvent) (hooks.CommentOutcome, error)
	PRUpdated(ctx context.Context, apiKey string, event azdo.PRUpdatedEvent) (hooks.UpdateOutcome, error)
	BuildCompleted(ctx context.Context, event azdo.BuildCompletedEvent) (bool, error)
}

// LogStreamService opens relayed log streams.
type LogStreamService interface {
	TailContainer(ctx context.Context, apiKey, identifier, service string, tail int, follow bool) (<-chan logstream.Line, error)
	TailDeployment(ctx context.Context, apiKey, identifier, deploymentID string, follow bool) (<-chan logstream.Line, error)
}

// ActivityService serves the journal and its live feed.
type ActivityService interface {
	Recent(ctx context.Context, limit, offset int) ([]domain.ActivityEvent, error)
	Hub() *ws.Hub
}

// ContainerLister reports live runtime containers. Nil when the runtime
// socket is not available.
type ContainerLister interface {
	ListContainers(ctx context.Context, name string) ([]docker.ContainerInfo, error)
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitWrite     = 30
	rateLimitWebhook   = 60
	rateLimitStream    = 30

	defaultTailLines  = 100
	heartbeatInterval = 15 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	auth       AuthService
	previews   PreviewService
	hooks      HookService
	streams    LogStreamService
	activity   ActivityService
	containers ContainerLister
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	heartbeat  time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	activeStreams      prometheus.Gauge
}

// NewRouter assembles routes with dependencies. containers may be nil.
func NewRouter(logger *slog.Logger, authSvc AuthService, previewSvc PreviewService, hookSvc HookService, streamSvc LogStreamService, activitySvc ActivityService, containers ContainerLister, limiter RateLimiter) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		auth:       authSvc,
		previews:   previewSvc,
		hooks:      hookSvc,
		streams:    streamSvc,
		activity:   activitySvc,
		containers: containers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		heartbeat: heartbeatInterval,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
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
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/previews", r.audit("previews", r.handlePreviews))
	r.mux.HandleFunc("/previews/", r.audit("preview-detail", r.handlePreviewSubroutes))
	r.mux.HandleFunc("/containers", r.audit("containers", r.handlerAuthRate("containers", rateLimitRead, rateWindowDefault, r.handleContainers)))
	r.mux.HandleFunc("/activity", r.audit("activity", r.handlerAuthRate("activity", rateLimitRead, rateWindowDefault, r.handleActivity)))
	r.mux.HandleFunc("/ws/activity", r.audit("ws-activity", r.handlerAuthRate("ws-activity", rateLimitStream, rateWindowRealtime, r.handleActivityWS)))
	r.mux.HandleFunc("/webhooks/azure/pr-comment", r.audit("pr-comment", r.handlerAuthRate("pr-comment", rateLimitWebhook, rateWindowDefault, r.handlePRComment)))
	r.mux.HandleFunc("/webhooks/azure/pr-updated", r.audit("pr-updated", r.handlerAuthRate("pr-updated", rateLimitWebhook, rateWindowDefault, r.handlePRUpdated)))
	r.mux.HandleFunc("/webhooks/azure/build-completed", r.audit("build-completed", r.handlerAuthRate("build-completed", rateLimitWebhook, rateWindowDefault, r.handleBuildCompleted)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handlePreviews(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handlerAuthRate("previews", rateLimitRead, rateWindowDefault, r.handlePreviewList)(w, req)
	case http.MethodPost:
		r.handlerAuthRate("previews", rateLimitWrite, rateWindowDefault, r.handlePreviewCreate)(w, req)
	case http.MethodDelete:
		r.handlerAuthRate("previews", rateLimitWrite, rateWindowDefault, r.handlePreviewDelete)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePreviewList(w http.ResponseWriter, req *http.Request) {
	key, _ := credentialFromContext(req.Context())
	previews, err := r.previews.List(req.Context(), key)
	if err != nil {
		r.writePlatformError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, previews)
}

// previewRequest is the body of preview create and delete calls. The
// branch historically travelled as gitBranch; plain branch is accepted too.
type previewRequest struct {
	GitBranch string `json:"gitBranch"`
	Branch    string `json:"branch"`
	PRID      string `json:"prId"`
}

func (p previewRequest) branch() string {
	if p.GitBranch != "" {
		return p.GitBranch
	}
	return p.Branch
}

func (r *Router) handlePreviewCreate(w http.ResponseWriter, req *http.Request) {
	var payload previewRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.branch() == "" {
		writeError(w, http.StatusBadRequest, "gitBranch is required")
		return
	}
	key, _ := credentialFromContext(req.Context())
	result, err := r.previews.CreateOrUpdate(req.Context(), key, payload.branch(), payload.PRID)
	if err != nil {
		r.writePlatformError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handlePreviewDelete(w http.ResponseWriter, req *http.Request) {
	var payload previewRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.branch() == "" {
		writeError(w, http.StatusBadRequest, "gitBranch is required")
		return
	}
	key, _ := credentialFromContext(req.Context())
	deleted, err := r.previews.Delete(req.Context(), key, payload.branch(), payload.PRID)
	if err != nil {
		r.writePlatformError(w, req, err)
		return
	}
	if !deleted {
		r.logger.Info("delete requested for absent preview", "branch", payload.branch(), "pr", payload.PRID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handlePreviewSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/previews/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	identifier := parts[0]

	switch {
	case len(parts) == 1:
		r.handlerAuthRate("preview-detail", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handlePreviewGet(w, req, identifier)
		})(w, req)
	case len(parts) == 4 && parts[1] == "containers" && parts[3] == "logs" && parts[2] != "":
		r.handlerAuthRate("container-logs", rateLimitStream, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleContainerLogs(w, req, identifier, parts[2])
		})(w, req)
	case len(parts) == 4 && parts[1] == "deployments" && parts[3] == "logs" && parts[2] != "":
		r.handlerAuthRate("deployment-logs", rateLimitStream, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentLogs(w, req, identifier, parts[2])
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePreviewGet(w http.ResponseWriter, req *http.Request, identifier string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	key, _ := credentialFromContext(req.Context())
	detail, err := r.previews.Get(req.Context(), key, identifier)
	if err != nil {
		r.writePlatformError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleContainers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.containers == nil {
		writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
		return
	}
	containers, err := r.containers.ListContainers(req.Context(), req.URL.Query().Get("name"))
	if err != nil {
		r.logger.Warn("container listing failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	events, err := r.activity.Recent(req.Context(), limit, offset)
	if err != nil {
		if errors.Is(err, activity.ErrDisabled) {
			writeError(w, http.StatusServiceUnavailable, "activity journal not configured")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleActivityWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.activity.Hub()
	hub.Register(activity.Topic, client)
	go func() {
		defer func() {
			hub.Unregister(activity.Topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handlePRComment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var event azdo.PRCommentEvent
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		r.logger.Warn("malformed pr-comment payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, _ := credentialFromContext(req.Context())
	outcome, err := r.hooks.PRComment(req.Context(), key, event)
	if err != nil {
		r.writeHookError(w, req, err)
		return
	}
	if !outcome.Acted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if outcome.Command == hooks.CommandPreview {
		writeJSON(w, http.StatusOK, outcome.Result)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": outcome.Deleted})
}

func (r *Router) handlePRUpdated(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var event azdo.PRUpdatedEvent
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		r.logger.Warn("malformed pr-updated payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, _ := credentialFromContext(req.Context())
	outcome, err := r.hooks.PRUpdated(req.Context(), key, event)
	if err != nil {
		r.writeHookError(w, req, err)
		return
	}
	if !outcome.Acted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"deleted":    outcome.Deleted,
		"redeployed": outcome.Redeployed,
	})
}

func (r *Router) handleBuildCompleted(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var event azdo.BuildCompletedEvent
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		r.logger.Warn("malformed build-completed payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	alerted, err := r.hooks.BuildCompleted(req.Context(), event)
	if err != nil {
		r.writeHookError(w, req, err)
		return
	}
	if !alerted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alerted": true})
}

// writePlatformError maps orchestrator failures onto response codes: the
// platform not knowing the preview is 404, the platform being unreachable
// is 503, anything else it rejected is a gateway failure.
func (r *Router) writePlatformError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, preview.ErrNotFound), errors.Is(err, logstream.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dokploy.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "platform rejected credential")
	case dokploy.IsUnavailable(err):
		r.logger.Error("deployment platform unavailable", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "deployment platform unavailable")
	default:
		r.logger.Error("platform request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (r *Router) writeHookError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, hooks.ErrBadEvent):
		r.logger.Warn("webhook payload incomplete", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, hooks.ErrUpstream):
		r.logger.Error("webhook collaborator failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		r.writePlatformError(w, req, err)
	}
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
