package run

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/series-ingest/internal/apperror"
)

const defaultLimit = 100

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewRunID returns a fresh identifier for a run.
func NewRunID() string { return uuid.NewString() }

// Record persists a dataset result. Ledger failures are logged, not returned:
// the data has already landed and the run summary still carries the result.
func (s *Service) Record(ctx context.Context, r *Result) {
	if s == nil || s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, r); err != nil {
		slog.Error("failed to record result", "run", r.RunID, "dataset", r.DatasetID, "error", err)
	}
}

func (s *Service) GetRun(ctx context.Context, req GetRunRequest) (*Summary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	results, err := s.repo.ListByRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, apperror.New(apperror.NotFound, "run not found")
	}
	return Summarize(req.RunID, results), nil
}

func (s *Service) List(ctx context.Context, req ListResultsRequest) ([]Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	return s.repo.List(ctx, req.Dataset, limit)
}

// Latest returns the most recent result of every dataset.
func (s *Service) Latest(ctx context.Context) ([]Result, error) {
	return s.repo.Latest(ctx)
}
