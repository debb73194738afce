package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/nicktill/minerstats/pkg/delivery"
	"github.com/nicktill/minerstats/pkg/export"
	"github.com/nicktill/minerstats/pkg/httpx"
	"github.com/nicktill/minerstats/pkg/live"
	"github.com/nicktill/minerstats/pkg/monitor"
	"github.com/nicktill/minerstats/pkg/pipeline"
	"github.com/nicktill/minerstats/pkg/query"
	"github.com/nicktill/minerstats/pkg/tracing"
)

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// LiveStatus describes the websocket fan-out.
type LiveStatus struct {
	Clients int   `json:"clients"`
	Dropped int64 `json:"dropped"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status          string              `json:"status"`
	Version         string              `json:"version"`
	Uptime          string              `json:"uptime"`
	Backend         string              `json:"backend"`
	Retention       monitor.SweepStatus `json:"retention"`
	Pipeline        pipeline.Stats      `json:"pipeline"`
	TriggerFailures int64               `json:"trigger_failures"`
	Live            LiveStatus          `json:"live"`
}

// Routes bundles the handlers SetupRoutes mounts.
type Routes struct {
	Delivery *delivery.Handler
	Query    *query.Handler
	Export   *export.Handler
	Hub      *live.Hub
	Health   http.HandlerFunc
	Usage    http.HandlerFunc
	Metrics  http.HandlerFunc
}

// handleHealth reports degraded when retention sweeps keep failing.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	sweeps := a.sweeper.Monitor()
	status, code := "healthy", http.StatusOK
	if !sweeps.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:          status,
		Version:         a.version,
		Uptime:          time.Since(a.started).Round(time.Second).String(),
		Backend:         a.cfg.Storage.Backend,
		Retention:       sweeps.Status(),
		Pipeline:        a.pipeline.Stats(),
		TriggerFailures: a.triggered.Failures(),
		Live:            LiveStatus{Clients: a.hub.Clients(), Dropped: a.hub.Dropped()},
	})
}

// handleStorageUsage returns current storage usage. Only on-disk badger
// stores are measured.
func handleStorageUsage(m *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			httpx.RespondErrorString(w, http.StatusNotFound, "storage usage is only tracked for on-disk badger stores")
			return
		}

		usedBytes, err := m.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  m.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, routes Routes, corsOrigins string, tracer trace.Tracer) {
	router.Use(corsMiddleware(corsOrigins))
	if tracer != nil {
		router.Use(tracing.HTTPMiddleware(tracer))
	}

	api := router.PathPrefix("/v1").Subrouter()

	// Delivery
	api.HandleFunc("/updates", routes.Delivery.HandleUpdates).Methods("POST", "OPTIONS")

	// Reads
	api.HandleFunc("/pools/{pool}/latest", routes.Query.HandleLatest).Methods("GET")
	api.HandleFunc("/series", routes.Query.HandleSeries).Methods("GET")

	// Backup and restore
	api.HandleFunc("/export", routes.Export.HandleExport).Methods("GET")
	api.HandleFunc("/import", routes.Export.HandleImport).Methods("POST")

	// Operations
	api.HandleFunc("/health", routes.Health).Methods("GET")
	api.HandleFunc("/storage", routes.Usage).Methods("GET")

	// WebSocket for latest values
	api.Handle("/ws", routes.Hub).Methods("GET")

	// Prometheus-compatible metrics endpoint (standard /metrics path)
	router.HandleFunc("/metrics", routes.Metrics).Methods("GET")
}

// corsMiddleware allows the configured origins. "*" allows any origin;
// otherwise origins are a comma-separated allowlist.
func corsMiddleware(origins string) func(http.Handler) http.Handler {
	allowAll := strings.TrimSpace(origins) == "*"
	allowed := make(map[string]bool)
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Traceparent")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
