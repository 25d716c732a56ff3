package v0

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pulsedesk/feedback-sync-server/internal/logger"
	"github.com/pulsedesk/feedback-sync-server/internal/service"
)

// HealthResponse reports overall service health
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(svc service.FeedbackService) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		// The cache is healthy when the store is reachable; stale data is a
		// status concern, not a liveness failure.
		if _, err := svc.GetStatus(req.Context()); err != nil {
			logger.Errorf("Health check failed: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}
