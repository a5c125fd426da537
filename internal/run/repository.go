package run

import "context"

type Repository interface {
	Save(ctx context.Context, r *Result) error
	ListByRun(ctx context.Context, runID string) ([]Result, error)
	List(ctx context.Context, dataset string, limit int) ([]Result, error)
	Latest(ctx context.Context) ([]Result, error)
}
