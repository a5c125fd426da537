package server

import (
	"net/http"

	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
	"github.com/ahmethakanbesel/series-ingest/internal/metrics"
	"github.com/ahmethakanbesel/series-ingest/internal/run"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(runSvc *run.Service, catalog *dataset.Catalog, rec *metrics.Recorder, ledger Pinger) http.Handler {
	return newMux(runSvc, catalog, rec, ledger)
}

func newMux(runSvc *run.Service, catalog *dataset.Catalog, rec *metrics.Recorder, ledger Pinger) http.Handler {
	h := &handler{
		runSvc:  runSvc,
		catalog: catalog,
		ledger:  ledger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/v1/datasets", h.listDatasets)
	mux.HandleFunc("GET /api/v1/results", h.listResults)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)
	if rec != nil {
		mux.Handle("GET /metrics", rec.Handler())
	}

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
