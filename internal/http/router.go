// Package httpx exposes the deploy API and socket gateway over HTTP.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/internal/service/deploy"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitDeploy    = 10
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxDeployBodyBytes = 64 << 10

	provisioningFailedMessage = "Failed to start deployment task."
)

// Deployer submits deployments.
type Deployer interface {
	Submit(ctx context.Context, projectID, repoURL string) (deploy.Result, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    Deployer
	gateway   http.Handler
	limiter   RateLimiter
	busHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

type deployRequest struct {
	ProjectID string `json:"PROJECT_ID"`
	RepoURL   string `json:"USER_GIT_REPOSITORY_URL"`
}

type deployResponse struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId"`
	TaskArn   string `json:"taskArn"`
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc Deployer, gateway http.Handler, limiter RateLimiter, busHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		deploy:    deploySvc,
		gateway:   gateway,
		limiter:   limiter,
		busHealth: busHealth,
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
	r.mux.HandleFunc("/", r.audit(r.instrument("/", r.handleRoot)))
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.HandleFunc("/deploy", r.audit(r.cors(r.instrument("/deploy", r.withRateLimit("/deploy", rateLimitDeploy, rateWindowDefault, rateLimitKeyIP, r.handleDeploy)))))
	if r.gateway != nil {
		r.mux.HandleFunc("/ws", r.audit(r.withRateLimit("/ws", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.gateway.ServeHTTP)))
	}
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Server is working :)"))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deployRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxDeployBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := r.deploy.Submit(req.Context(), payload.ProjectID, payload.RepoURL)
	if err != nil {
		var vErr *domain.ValidationError
		var pErr *deploy.ProvisioningError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, vErr.Error())
		case errors.Is(err, deploy.ErrDeploymentInProgress):
			writeError(w, http.StatusConflict, "a deployment for this project is already in progress")
		case errors.As(err, &pErr):
			r.logger.Error("worker provisioning failed", "project_id", payload.ProjectID, "backend", pErr.Backend, "error", pErr.Err)
			writeError(w, http.StatusInternalServerError, provisioningFailedMessage)
		default:
			r.logger.Error("deploy submit failed", "project_id", payload.ProjectID, "error", err)
			writeError(w, http.StatusInternalServerError, provisioningFailedMessage)
		}
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{
		Message:   "Deployment started successfully",
		ProjectID: result.ProjectID,
		TaskArn:   result.Task.ID,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.busHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.busHealth(ctx); err != nil {
			status = "degraded"
			r.logger.Warn("log bus health check failed", "error", err)
			components["log_bus"] = map[string]any{"status": "down"}
		} else {
			components["log_bus"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// cors allows browser dashboards on other origins to call the API.
func (r *Router) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		headers := w.Header()
		headers.Set("Access-Control-Allow-Origin", "*")
		headers.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		headers.Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, req)
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if recorder.hijacked {
			status = http.StatusSwitchingProtocols
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
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

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.hijacked = true
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
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
