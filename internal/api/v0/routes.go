// Package v0 provides the REST API handlers for the feedback cache.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pulsedesk/feedback-sync-server/internal/logger"
	"github.com/pulsedesk/feedback-sync-server/internal/refresh"
	"github.com/pulsedesk/feedback-sync-server/internal/service"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
)

// Refresher triggers refresh operations on behalf of manual API requests.
// The refresh engine satisfies this interface.
type Refresher interface {
	RefreshFull(ctx context.Context) (*refresh.Result, error)
	RefreshIncremental(ctx context.Context) (*refresh.Result, error)
}

// RecordsResponse wraps the list of cached records
type RecordsResponse struct {
	Records []store.Record `json:"records"`
	Count   int            `json:"count"`
}

// RefreshResponse reports the outcome of a manual refresh trigger
type RefreshResponse struct {
	Message string          `json:"message"`
	Result  *refresh.Result `json:"result,omitempty"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the cache API with dependency injection
type Routes struct {
	service   service.FeedbackService
	refresher Refresher
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(svc service.FeedbackService, refresher Refresher) *Routes {
	return &Routes{
		service:   svc,
		refresher: refresher,
	}
}

// Router creates a new router for the cache API
func Router(svc service.FeedbackService, refresher Refresher) http.Handler {
	routes := NewRoutes(svc, refresher)

	r := chi.NewRouter()

	r.Get("/status", routes.getStatus)
	r.Get("/records", routes.listRecords)
	r.Get("/records/{id}", routes.getRecord)
	r.Post("/refresh/full", routes.triggerFullRefresh)
	r.Post("/refresh/incremental", routes.triggerIncrementalRefresh)

	return r
}

// getStatus handles GET /api/v0/status
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rr.service.GetStatus(r.Context())
	if err != nil {
		logger.Errorf("Failed to get cache status: %v", err)
		rr.writeErrorResponse(w, "Failed to get cache status", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, status)
}

// listRecords handles GET /api/v0/records
func (rr *Routes) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := rr.service.ListRecords(r.Context())
	if err != nil {
		logger.Errorf("Failed to list records: %v", err)
		rr.writeErrorResponse(w, "Failed to list records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	rr.writeJSONResponse(w, RecordsResponse{Records: records, Count: len(records)})
}

// getRecord handles GET /api/v0/records/{id}
func (rr *Routes) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := rr.service.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		rr.writeErrorResponse(w, "Record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("Failed to get record %s: %v", id, err)
		rr.writeErrorResponse(w, "Failed to get record", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, record)
}

// triggerFullRefresh handles POST /api/v0/refresh/full
func (rr *Routes) triggerFullRefresh(w http.ResponseWriter, r *http.Request) {
	rr.triggerRefresh(w, r, refresh.ModeFull, rr.refresher.RefreshFull)
}

// triggerIncrementalRefresh handles POST /api/v0/refresh/incremental
func (rr *Routes) triggerIncrementalRefresh(w http.ResponseWriter, r *http.Request) {
	rr.triggerRefresh(w, r, refresh.ModeIncremental, rr.refresher.RefreshIncremental)
}

func (rr *Routes) triggerRefresh(
	w http.ResponseWriter,
	r *http.Request,
	mode string,
	run func(context.Context) (*refresh.Result, error),
) {
	result, err := run(r.Context())
	if errors.Is(err, refresh.ErrRefreshInProgress) {
		rr.writeErrorResponse(w, "A refresh is already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		logger.Errorf("Manual %s refresh failed: %v", mode, err)
		rr.writeErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, RefreshResponse{
		Message: "Refresh completed successfully",
		Result:  result,
	})
}

// writeJSONResponse writes a JSON response with proper headers
func (rr *Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeErrorResponse writes a standardized error response
func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		logger.Errorf("Failed to encode error response: %v", err)
	}
}
