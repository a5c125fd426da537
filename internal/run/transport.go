package run

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/series-ingest/internal/apperror"
)

type GetRunRequest struct {
	RunID string
}

func (r GetRunRequest) Validate() *apperror.AppError {
	if strings.TrimSpace(r.RunID) == "" {
		return apperror.New(apperror.BadRequest, "run id is required")
	}
	if _, err := uuid.Parse(r.RunID); err != nil {
		return apperror.New(apperror.BadRequest, "invalid run id")
	}
	return nil
}

type ListResultsRequest struct {
	Dataset string
	Limit   int
}

func (r ListResultsRequest) Validate() *apperror.AppError {
	if r.Limit < 0 || r.Limit > 1000 {
		return apperror.New(apperror.BadRequest, "limit must be between 0 and 1000")
	}
	return nil
}
