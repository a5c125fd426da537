// Package ingest drives the per-dataset window loop: plan, skip what is
// already loaded, fetch, normalize, enrich, batch and load, then report one
// terminal status per dataset.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
	"github.com/ahmethakanbesel/series-ingest/internal/loader"
	"github.com/ahmethakanbesel/series-ingest/internal/metrics"
	"github.com/ahmethakanbesel/series-ingest/internal/record"
	"github.com/ahmethakanbesel/series-ingest/internal/run"
	"github.com/ahmethakanbesel/series-ingest/internal/source"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

// Fetcher retrieves the payload of one window.
type Fetcher interface {
	Fetch(ctx context.Context, datasetID string, w window.Window) (record.Payload, error)
}

// BatchLoader writes one batch of enriched rows.
type BatchLoader interface {
	Load(ctx context.Context, table string, rows []record.Row, pins record.TypeMap) (loader.Result, error)
}

// RangeStore is the part of the destination the orchestrator queries directly.
type RangeStore interface {
	WindowIndex
	DeleteRange(ctx context.Context, table, dataset string, from, to time.Time) (int64, error)
}

// ResultRecorder persists terminal dataset results.
type ResultRecorder interface {
	Record(ctx context.Context, r *run.Result)
}

// Config holds the run-wide settings.
type Config struct {
	Start          time.Time
	End            time.Time
	TablePrefix    string
	Overwrite      bool
	IncludeOffline bool
	Workers        int
	BatchWindows   int
	FlushInterval  time.Duration
}

type Service struct {
	cfg     Config
	fetcher Fetcher
	loader  BatchLoader
	store   RangeStore
	tracker *Tracker
	ledger  ResultRecorder
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLedger persists every terminal result through rec.
func WithLedger(rec ResultRecorder) Option {
	return func(s *Service) { s.ledger = rec }
}

// WithMetrics reports window, batch and dataset outcomes to m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg Config, fetcher Fetcher, ld BatchLoader, store RangeStore, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchWindows <= 0 {
		cfg.BatchWindows = 10
	}
	s := &Service{
		cfg:     cfg,
		fetcher: fetcher,
		loader:  ld,
		store:   store,
		tracker: NewTracker(store),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ingests every descriptor over the configured range. Datasets run in
// parallel up to Workers; windows within a dataset are sequential. The
// returned summary holds exactly one result per descriptor.
func (s *Service) Run(ctx context.Context, datasets []dataset.Descriptor) (*run.Summary, error) {
	if err := ValidateRange(s.cfg.Start, s.cfg.End); err != nil {
		return nil, err
	}
	if err := CheckTables(s.cfg.TablePrefix, datasets); err != nil {
		return nil, err
	}

	runID := run.NewRunID()
	slog.Info("run started",
		"run", runID,
		"datasets", len(datasets),
		"start", s.cfg.Start.UTC().Format(window.Layout),
		"end", s.cfg.End.UTC().Format(window.Layout),
		"overwrite", s.cfg.Overwrite,
		"workers", s.cfg.Workers,
	)

	results := make([]run.Result, len(datasets))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, d := range datasets {
		g.Go(func() error {
			results[i] = s.ingestDataset(ctx, runID, d)
			return nil
		})
	}
	_ = g.Wait()

	sum := run.Summarize(runID, results)
	slog.Info("run finished",
		"run", runID,
		"ok", sum.Counts[run.StatusOK],
		"partial", sum.Counts[run.StatusPartial],
		"skip", sum.Counts[run.StatusSkip],
		"err", sum.Counts[run.StatusErr],
		"rows", sum.RowsLoaded,
	)
	return sum, nil
}

// datasetRun carries the mutable state of one dataset through the window loop.
type datasetRun struct {
	d     dataset.Descriptor
	table string
	res   *run.Result
	acc   *loader.Accumulator
}

func (s *Service) ingestDataset(ctx context.Context, runID string, d dataset.Descriptor) run.Result {
	res := run.Result{
		RunID:         runID,
		DatasetID:     d.ID,
		RangeStart:    s.cfg.Start.UTC(),
		RangeEnd:      s.cfg.End.UTC(),
		StartedAt:     s.now().UTC(),
		FailedWindows: []run.FailedWindow{},
	}
	s.process(ctx, d, &res)
	res.FinishedAt = s.now().UTC()

	level := slog.LevelInfo
	if res.Status == run.StatusErr {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "dataset finished",
		"dataset", d.ID,
		"status", res.Status,
		"rows", res.RowsLoaded,
		"planned", res.WindowsPlanned,
		"skipped", res.WindowsSkipped,
		"failed", len(res.FailedWindows),
		"note", res.Note,
	)

	s.metrics.ObserveDataset(string(res.Status))
	if s.ledger != nil {
		s.ledger.Record(context.WithoutCancel(ctx), &res)
	}
	return res
}

func (s *Service) process(ctx context.Context, d dataset.Descriptor, res *run.Result) {
	if d.Offline && !s.cfg.IncludeOffline {
		res.Status, res.Note = run.StatusSkip, "dataset is marked offline"
		return
	}

	plan := window.Plan(d.MaxWindow, s.cfg.Start, s.cfg.End)
	res.WindowsPlanned = len(plan)
	if len(plan) == 0 {
		res.Status, res.Note = run.StatusSkip, "empty window plan"
		return
	}

	table := warehouse.TableName(s.cfg.TablePrefix, d.ID)
	pending := plan
	if s.cfg.Overwrite {
		n, err := s.store.DeleteRange(ctx, table, d.ID, s.cfg.Start, s.cfg.End)
		if err != nil {
			res.Status, res.Note = run.StatusErr, fmt.Sprintf("overwrite delete failed: %v", err)
			return
		}
		slog.Info("cleared range", "dataset", d.ID, "table", table, "rows", n)
	} else {
		done, err := s.tracker.AlreadyIngested(ctx, table, d.ID, plan)
		if err != nil {
			slog.Warn("resume lookup failed, fetching full plan", "dataset", d.ID, "table", table, "error", err)
		} else {
			pending = window.Exclude(plan, done)
		}
	}
	res.WindowsSkipped = len(plan) - len(pending)
	if len(pending) == 0 {
		res.Status, res.Note = run.StatusOK, "all windows already ingested"
		return
	}

	slog.Info("dataset started",
		"dataset", d.ID,
		"table", table,
		"max_window", d.MaxWindow,
		"windows", len(pending),
		"skipped", res.WindowsSkipped,
	)

	dr := &datasetRun{
		d:     d,
		table: table,
		res:   res,
		acc:   loader.NewAccumulator(s.cfg.BatchWindows, s.cfg.FlushInterval),
	}

	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			res.Status, res.Note = run.StatusErr, fmt.Sprintf("interrupted: %v", err)
			return
		}
		s.ingestWindow(ctx, dr, w)
		if dr.acc.Ready() {
			if err := s.flush(ctx, dr); err != nil {
				res.Status, res.Note = run.StatusErr, err.Error()
				return
			}
		}
	}
	if dr.acc.Windows() > 0 {
		if err := s.flush(ctx, dr); err != nil {
			res.Status, res.Note = run.StatusErr, err.Error()
			return
		}
	}

	failed := len(res.FailedWindows)
	switch {
	case failed == 0:
		res.Status = run.StatusOK
	case res.RowsLoaded > 0:
		res.Status = run.StatusPartial
		res.Note = fmt.Sprintf("%d of %d windows failed", failed, len(pending))
	case failed == len(pending):
		res.Status = run.StatusErr
		res.Note = fmt.Sprintf("all %d windows failed", failed)
	default:
		// The remaining windows were empty.
		res.Status = run.StatusErr
		res.Note = fmt.Sprintf("%d of %d windows failed, no rows loaded", failed, len(pending))
	}
}

func (s *Service) ingestWindow(ctx context.Context, dr *datasetRun, w window.Window) {
	started := time.Now()
	payload, err := s.fetcher.Fetch(ctx, dr.d.ID, w)
	elapsed := time.Since(started)
	if err != nil {
		fw := failedWindow(w, err)
		dr.res.FailedWindows = append(dr.res.FailedWindows, fw)
		s.metrics.ObserveWindow(dr.d.ID, metrics.WindowFailed, elapsed)
		slog.Warn("window failed",
			"dataset", dr.d.ID,
			"window", w.String(),
			"kind", fw.Kind,
			"status", fw.Status,
			"attempts", fw.Attempts,
			"error", err,
		)
		return
	}

	rows := record.Normalize(payload)
	if len(rows) == 0 {
		s.metrics.ObserveWindow(dr.d.ID, metrics.WindowEmpty, elapsed)
		slog.Debug("window empty", "dataset", dr.d.ID, "window", w.String(), "payload", payload.Kind)
		return
	}

	rows = record.Enrich(rows, record.Lineage{
		Dataset:    dr.d.ID,
		Window:     w,
		IngestedAt: s.now(),
		KeyFields:  dr.d.KeyFields,
	})
	dr.acc.Add(rows)
	s.metrics.ObserveWindow(dr.d.ID, metrics.WindowOK, elapsed)
	slog.Debug("window fetched", "dataset", dr.d.ID, "window", w.String(), "rows", len(rows), "payload", payload.Kind)
}

func (s *Service) flush(ctx context.Context, dr *datasetRun) error {
	windows := dr.acc.Windows()
	rows := dr.acc.Take()

	lr, err := s.loader.Load(ctx, dr.table, rows, dr.d.Pinned)
	if err != nil {
		s.metrics.ObserveBatch(dr.d.ID, metrics.BatchFailed, 0)
		slog.Error("batch load failed",
			"dataset", dr.d.ID,
			"table", dr.table,
			"windows", windows,
			"rows", len(rows),
			"error", err,
		)
		return fmt.Errorf("batch load failed: %w", err)
	}

	dr.res.RowsLoaded += lr.Rows
	for col, change := range lr.Report.Coerced() {
		if dr.res.Coercions == nil {
			dr.res.Coercions = make(map[string]string)
		}
		dr.res.Coercions[col] = change
	}

	outcome := metrics.BatchMerged
	switch {
	case lr.Fresh:
		outcome = metrics.BatchCreated
	case lr.Fallback:
		outcome = metrics.BatchAppended
	}
	s.metrics.ObserveBatch(dr.d.ID, outcome, lr.Rows)
	slog.Info("batch loaded",
		"dataset", dr.d.ID,
		"table", dr.table,
		"windows", windows,
		"rows", lr.Rows,
		"outcome", outcome,
		"added_columns", lr.Added,
	)
	return nil
}

func failedWindow(w window.Window, err error) run.FailedWindow {
	fw := run.FailedWindow{
		From:     w.From.UTC(),
		To:       w.To.UTC(),
		Kind:     "unknown",
		Attempts: 1,
		Error:    err.Error(),
	}
	var fe *source.FetchError
	if errors.As(err, &fe) {
		fw.Kind = fe.Kind.String()
		fw.Status = fe.Status
		fw.Attempts = fe.Attempts
	}
	return fw
}
