package run

import (
	"context"
	"testing"
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/series-ingest/internal/run"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.OpenLedger(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleResult(runID, dataset string, status domain.Status) *domain.Result {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.Result{
		RunID:          runID,
		DatasetID:      dataset,
		Status:         status,
		RowsLoaded:     42,
		WindowsPlanned: 3,
		RangeStart:     start,
		RangeEnd:       start.Add(72 * time.Hour),
		StartedAt:      time.Date(2024, 1, 5, 10, 0, 0, 123, time.UTC),
		FinishedAt:     time.Date(2024, 1, 5, 10, 1, 0, 0, time.UTC),
	}
}

func TestSave_And_ListByRun(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	partial := sampleResult("run-1", "FREQ", domain.StatusPartial)
	partial.FailedWindows = []domain.FailedWindow{{
		From:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		Kind:     "fatal_for_window",
		Status:   422,
		Attempts: 1,
		Error:    "unexpected status 422",
	}}
	partial.Coercions = map[string]string{"settlementDate": "INTEGER->STRING"}

	skip := sampleResult("run-1", "BOD", domain.StatusSkip)
	skip.Note = "dataset is offline"
	skip.RowsLoaded = 0

	for _, r := range []*domain.Result{partial, skip, sampleResult("run-2", "FREQ", domain.StatusOK)} {
		if err := repo.Save(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected non-zero id")
		}
	}

	got, err := repo.ListByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("list by run: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].DatasetID != "BOD" || got[0].Note != "dataset is offline" {
		t.Errorf("unexpected first result: %+v", got[0])
	}
	freq := got[1]
	if freq.Status != domain.StatusPartial || freq.RowsLoaded != 42 {
		t.Errorf("unexpected FREQ result: %+v", freq)
	}
	if len(freq.FailedWindows) != 1 || freq.FailedWindows[0].Status != 422 {
		t.Errorf("failed windows = %+v", freq.FailedWindows)
	}
	if freq.Coercions["settlementDate"] != "INTEGER->STRING" {
		t.Errorf("coercions = %v", freq.Coercions)
	}
	if !freq.StartedAt.Equal(partial.StartedAt) || !freq.RangeEnd.Equal(partial.RangeEnd) {
		t.Errorf("timestamps not preserved: %+v", freq)
	}
}

func TestList_And_Latest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	for _, r := range []*domain.Result{
		sampleResult("run-1", "FREQ", domain.StatusErr),
		sampleResult("run-1", "TEMP", domain.StatusOK),
		sampleResult("run-2", "FREQ", domain.StatusOK),
	} {
		if err := repo.Save(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	all, err := repo.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "run-2" {
		t.Errorf("expected newest first, got %+v", all)
	}

	freq, err := repo.List(ctx, "FREQ", 1)
	if err != nil {
		t.Fatalf("list FREQ: %v", err)
	}
	if len(freq) != 1 || freq[0].Status != domain.StatusOK {
		t.Errorf("unexpected FREQ list: %+v", freq)
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest results, got %d", len(latest))
	}
	if latest[0].DatasetID != "FREQ" || latest[0].RunID != "run-2" {
		t.Errorf("latest FREQ = %+v", latest[0])
	}
}

func TestSave_RejectsUnknownStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)

	if err := repo.Save(context.Background(), sampleResult("run-1", "FREQ", "RUNNING")); err == nil {
		t.Error("expected constraint error for unknown status")
	}
}
