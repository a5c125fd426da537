package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/ahmethakanbesel/series-ingest/internal/run"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectColumns = `id, run_id, dataset, status, rows_loaded, windows_planned, windows_skipped,
		failed_windows, coercions, note, range_start, range_end, started_at, finished_at`

func (r *Repository) Save(ctx context.Context, res *domain.Result) error {
	const query = `INSERT INTO results (run_id, dataset, status, rows_loaded, windows_planned,
		windows_skipped, failed_windows, coercions, note, range_start, range_end, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	failed := res.FailedWindows
	if failed == nil {
		failed = []domain.FailedWindow{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("encode failed windows: %w", err)
	}
	coercions := res.Coercions
	if coercions == nil {
		coercions = map[string]string{}
	}
	coercionsJSON, err := json.Marshal(coercions)
	if err != nil {
		return fmt.Errorf("encode coercions: %w", err)
	}

	var note sql.NullString
	if res.Note != "" {
		note = sql.NullString{String: res.Note, Valid: true}
	}

	out, err := r.db.ExecContext(ctx, query,
		res.RunID, res.DatasetID, string(res.Status), res.RowsLoaded,
		res.WindowsPlanned, res.WindowsSkipped, string(failedJSON), string(coercionsJSON), note,
		formatTime(res.RangeStart), formatTime(res.RangeEnd),
		formatTime(res.StartedAt), formatTime(res.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	res.ID, _ = out.LastInsertId()
	return nil
}

func (r *Repository) ListByRun(ctx context.Context, runID string) ([]domain.Result, error) {
	query := `SELECT ` + selectColumns + ` FROM results WHERE run_id = ? ORDER BY dataset ASC`
	return r.query(ctx, query, runID)
}

func (r *Repository) List(ctx context.Context, dataset string, limit int) ([]domain.Result, error) {
	query := `SELECT ` + selectColumns + ` FROM results WHERE 1=1`

	var args []any
	if dataset != "" {
		query += " AND dataset = ?"
		args = append(args, dataset)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	return r.query(ctx, query, args...)
}

func (r *Repository) Latest(ctx context.Context) ([]domain.Result, error) {
	query := `SELECT ` + selectColumns + ` FROM results
		WHERE id IN (SELECT MAX(id) FROM results GROUP BY dataset)
		ORDER BY dataset ASC`
	return r.query(ctx, query)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domain.Result, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []domain.Result
	for rows.Next() {
		var (
			res                                  domain.Result
			status, failedJSON, coercionsJSON    string
			rangeStart, rangeEnd, started, ended string
			note                                 sql.NullString
		)
		if err := rows.Scan(
			&res.ID, &res.RunID, &res.DatasetID, &status, &res.RowsLoaded,
			&res.WindowsPlanned, &res.WindowsSkipped, &failedJSON, &coercionsJSON, &note,
			&rangeStart, &rangeEnd, &started, &ended,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}

		res.Status = domain.Status(status)
		if note.Valid {
			res.Note = note.String
		}
		if err := json.Unmarshal([]byte(failedJSON), &res.FailedWindows); err != nil {
			return nil, fmt.Errorf("decode failed windows: %w", err)
		}
		if err := json.Unmarshal([]byte(coercionsJSON), &res.Coercions); err != nil {
			return nil, fmt.Errorf("decode coercions: %w", err)
		}
		res.RangeStart, _ = time.Parse(time.RFC3339, rangeStart)
		res.RangeEnd, _ = time.Parse(time.RFC3339, rangeEnd)
		res.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		res.FinishedAt, _ = time.Parse(time.RFC3339Nano, ended)
		results = append(results, res)
	}

	return results, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
