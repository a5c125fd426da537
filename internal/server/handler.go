package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmethakanbesel/series-ingest/internal/apperror"
	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
	"github.com/ahmethakanbesel/series-ingest/internal/run"
)

// Pinger checks that the run ledger is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type handler struct {
	runSvc  *run.Service
	catalog *dataset.Catalog
	ledger  Pinger
}

type datasetView struct {
	ID        string            `json:"id"`
	MaxWindow string            `json:"maxWindow"`
	Offline   bool              `json:"offline"`
	KeyFields []string          `json:"keyFields,omitempty"`
	Pinned    map[string]string `json:"pinned,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.ledger != nil {
		if err := h.ledger.PingContext(r.Context()); err != nil {
			writeAppError(w, apperror.New(apperror.Unavailable, "run ledger unavailable"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listDatasets(w http.ResponseWriter, _ *http.Request) {
	ids := h.catalog.IDs()
	out := make([]datasetView, 0, len(ids))
	for _, id := range ids {
		d := h.catalog.Lookup(id)
		v := datasetView{
			ID:        d.ID,
			MaxWindow: d.MaxWindow.String(),
			Offline:   d.Offline,
			KeyFields: d.KeyFields,
		}
		if len(d.Pinned) > 0 {
			v.Pinned = make(map[string]string, len(d.Pinned))
			for col, t := range d.Pinned {
				v.Pinned[col] = string(t)
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) listResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		results []run.Result
		err     error
	)
	if q.Get("latest") == "true" {
		results, err = h.runSvc.Latest(r.Context())
	} else {
		req := run.ListResultsRequest{Dataset: strings.ToUpper(q.Get("dataset"))}
		if v := q.Get("limit"); v != "" {
			req.Limit, err = strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}
		results, err = h.runSvc.List(r.Context(), req)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if q.Get("format") == "csv" {
		writeCSV(w, results)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	req := run.GetRunRequest{RunID: r.PathValue("id")}
	if appErr := req.Validate(); appErr != nil {
		writeAppError(w, appErr)
		return
	}

	sum, err := h.runSvc.GetRun(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		writeAppError(w, ae)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
