package api

import (
	"net/http"

	"go.uber.org/zap"

	"provisioner/internal/dispatcher"
	"provisioner/internal/health"
	"provisioner/internal/job"
	"provisioner/internal/lab"
	"provisioner/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Providers     ProviderStatus
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	Lab           *lab.Service
	Logger        *zap.SugaredLogger
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("http")
	handler := NewHandler(cfg.JobService, cfg.Providers, cfg.HealthChecker, cfg.Dispatcher, logger)
	handler.lab = cfg.Lab

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// API endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("GET /v1/users/{userId}/jobs", auth(http.HandlerFunc(handler.ListUserJobs)))
	mux.Handle("GET /v1/queue", auth(http.HandlerFunc(handler.QueueStatus)))
	mux.Handle("GET /v1/providers", auth(http.HandlerFunc(handler.Providers)))
	mux.Handle("GET /v1/webhooks", auth(http.HandlerFunc(handler.Webhooks)))

	// Catalog and user lifecycle endpoints
	mux.Handle("GET /v1/templates", auth(http.HandlerFunc(handler.ListTemplates)))
	mux.Handle("POST /v1/templates", auth(http.HandlerFunc(handler.CreateTemplate)))
	mux.Handle("GET /v1/provider-templates", auth(http.HandlerFunc(handler.ProviderTemplates)))
	mux.Handle("GET /v1/chains", auth(http.HandlerFunc(handler.ListChains)))
	mux.Handle("POST /v1/chains", auth(http.HandlerFunc(handler.CreateChain)))
	mux.Handle("GET /v1/users/{userId}/instances", auth(http.HandlerFunc(handler.ListUserInstances)))
	mux.Handle("POST /v1/users/{userId}/instances", auth(http.HandlerFunc(handler.StartInstance)))
	mux.Handle("DELETE /v1/users/{userId}/instances/{instanceId}", auth(http.HandlerFunc(handler.StopInstance)))
	mux.Handle("GET /v1/users/{userId}/chains", auth(http.HandlerFunc(handler.ListUserChains)))
	mux.Handle("POST /v1/users/{userId}/chains", auth(http.HandlerFunc(handler.StartChain)))
	mux.Handle("DELETE /v1/users/{userId}/chains/{chainInstanceId}", auth(http.HandlerFunc(handler.StopChain)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware(logger)(h)
	h = RecoveryMiddleware(logger)(h)

	return h
}
