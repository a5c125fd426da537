package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/apperror"
	"github.com/ahmethakanbesel/series-ingest/internal/run"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

func writeAppError(w http.ResponseWriter, e *apperror.AppError) {
	writeError(w, e.HTTPStatus(), e.Message())
}

func writeCSV(w http.ResponseWriter, results []run.Result) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=results.csv")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprintln(w, "RunID,Dataset,Status,RowsLoaded,WindowsPlanned,WindowsSkipped,FailedWindows,RangeStart,RangeEnd,FinishedAt")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s,%s,%s,%d,%d,%d,%d,%s,%s,%s\n", //nolint:gosec // CSV output from ledger rows, not user input
			r.RunID,
			r.DatasetID,
			r.Status,
			r.RowsLoaded,
			r.WindowsPlanned,
			r.WindowsSkipped,
			len(r.FailedWindows),
			r.RangeStart.UTC().Format(time.RFC3339),
			r.RangeEnd.UTC().Format(time.RFC3339),
			r.FinishedAt.UTC().Format(time.RFC3339),
		)
	}
}
