// Package service provides the read facade over the feedback cache. It serves
// last-known-good data regardless of whether a refresh is in progress or the
// most recent one failed.
package service

import (
	"context"

	"github.com/pulsedesk/feedback-sync-server/internal/refresh"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
)

// StatusInfo is the cache health view exposed to API consumers: the persisted
// status record plus the live refresh phase.
type StatusInfo struct {
	store.Status
	Phase refresh.Phase `json:"phase"`
}

// FeedbackService provides read access to cached feedback records and status.
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go FeedbackService
type FeedbackService interface {
	// GetStatus returns the cache health view
	GetStatus(ctx context.Context) (*StatusInfo, error)

	// ListRecords returns all cached records
	ListRecords(ctx context.Context) ([]store.Record, error)

	// GetRecord returns a single record by id, or store.ErrNotFound
	GetRecord(ctx context.Context, id string) (*store.Record, error)
}

type feedbackService struct {
	store  *store.Store
	engine *refresh.Engine
}

// NewService creates the read facade over the given store and engine.
func NewService(st *store.Store, engine *refresh.Engine) FeedbackService {
	return &feedbackService{store: st, engine: engine}
}

func (s *feedbackService) GetStatus(ctx context.Context) (*StatusInfo, error) {
	status, err := s.store.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		Status: *status,
		Phase:  s.engine.Phase(),
	}, nil
}

func (s *feedbackService) ListRecords(ctx context.Context) ([]store.Record, error) {
	return s.store.ListRecords(ctx)
}

func (s *feedbackService) GetRecord(ctx context.Context, id string) (*store.Record, error) {
	return s.store.GetRecord(ctx, id)
}
