// Package api provides the HTTP API handlers and routing for the provisioner.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"provisioner/internal/apperrors"
	"provisioner/internal/dispatcher"
	"provisioner/internal/health"
	"provisioner/internal/job"
	"provisioner/internal/lab"
	"provisioner/internal/provision"
	"provisioner/pkg/circuitbreaker"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// ProviderStatus reports provider health for the providers endpoint.
type ProviderStatus interface {
	HealthStatus() map[string]provision.HealthStatus
	BreakerStats() circuitbreaker.Stats
}

// ProvidersResponse is the body of GET /v1/providers.
type ProvidersResponse struct {
	Providers map[string]provision.HealthStatus `json:"providers"`
	Breakers  circuitbreaker.Stats              `json:"breakers"`
}

// Handler contains HTTP handlers for the provisioner API
type Handler struct {
	svc        *job.Service
	providers  ProviderStatus
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
	lab        *lab.Service
	logger     *zap.SugaredLogger
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, providers ProviderStatus, healthChecker *health.Checker, d dispatcher.Dispatcher, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		svc:        svc,
		providers:  providers,
		health:     healthChecker,
		dispatcher: d,
		logger:     logger,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	v, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, v)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListUserJobs handles GET /v1/users/{userId}/jobs?limit=N
func (h *Handler) ListUserJobs(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "User ID must be an integer")
		return
	}

	limit := job.DefaultUserJobsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
	}

	jobs, err := h.svc.UserJobs(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// QueueStatus handles GET /v1/queue
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.QueueStatus(r.Context()))
}

// Providers handles GET /v1/providers
func (h *Handler) Providers(w http.ResponseWriter, _ *http.Request) {
	if h.providers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "provider manager not configured")
		return
	}
	h.writeJSON(w, http.StatusOK, ProvidersResponse{
		Providers: h.providers.HealthStatus(),
		Breakers:  h.providers.BreakerStats(),
	})
}

// Webhooks handles GET /v1/webhooks - webhook delivery statistics.
func (h *Handler) Webhooks(w http.ResponseWriter, _ *http.Request) {
	if h.dispatcher == nil {
		h.writeJSON(w, http.StatusOK, dispatcher.Stats{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic, including when
// degraded. Returns 503 if a required dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Errorw("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.logger.Errorw("Internal error", "error", err, "path", r.URL.Path)
	} else {
		h.logger.Warnw("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
