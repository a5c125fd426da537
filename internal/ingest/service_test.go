package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
	"github.com/ahmethakanbesel/series-ingest/internal/loader"
	"github.com/ahmethakanbesel/series-ingest/internal/platform/sqlite"
	"github.com/ahmethakanbesel/series-ingest/internal/record"
	repo "github.com/ahmethakanbesel/series-ingest/internal/repository/warehouse"
	"github.com/ahmethakanbesel/series-ingest/internal/run"
	"github.com/ahmethakanbesel/series-ingest/internal/source"
	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan4 = time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	day  = 24 * time.Hour
)

// --- fake upstream ---
type upstream struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int // window from -> status
}

func (u *upstream) handler(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	u.mu.Lock()
	u.calls = append(u.calls, strings.TrimPrefix(r.URL.Path, "/")+"@"+from)
	status := u.fail[from]
	u.mu.Unlock()

	if status != 0 {
		http.Error(w, "window rejected", status)
		return
	}
	date := from[:10]
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"data":[
		{"settlementDate":%q,"settlementPeriod":1,"temperature":5.5},
		{"settlementDate":%q,"settlementPeriod":2,"temperature":6}
	]}`, date, date)
}

func (u *upstream) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = nil
	u.fail = nil
}

func (u *upstream) fetched() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

// --- mock ledger ---
type memLedger struct {
	mu      sync.Mutex
	results []run.Result
}

func (m *memLedger) Record(_ context.Context, r *run.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, *r)
}

type env struct {
	db    *sqlite.DB
	store *repo.SQLStore
	up    *upstream
	src   *source.Client
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	store := repo.NewSQLStore(db.DB, repo.SQLite)
	t.Cleanup(func() { _ = store.Close() })

	up := &upstream{}
	ts := httptest.NewServer(http.HandlerFunc(up.handler))
	t.Cleanup(ts.Close)

	src := source.New(
		source.WithClient(ts.Client()),
		source.WithBaseURL(ts.URL),
		source.WithRate(0),
		source.WithMaxAttempts(1),
	)
	return &env{db: db, store: store, up: up, src: src}
}

func (e *env) service(cfg Config, opts ...Option) *Service {
	if cfg.Start.IsZero() {
		cfg.Start, cfg.End = jan1, jan4
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = "bmrs"
	}
	return NewService(cfg, e.src, loader.New(e.store), e.store, opts...)
}

func (e *env) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := e.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func temp() dataset.Descriptor {
	return dataset.Descriptor{ID: "TEMP", MaxWindow: day}
}

func TestRun_FatalWindowGivesPartial(t *testing.T) {
	e := setup(t)
	e.up.fail = map[string]int{"2024-01-02T00:00:00Z": http.StatusUnprocessableEntity}

	sum, err := e.service(Config{}).Run(context.Background(), []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := sum.Results[0]
	if res.Status != run.StatusPartial {
		t.Fatalf("status = %s (%s), want PARTIAL", res.Status, res.Note)
	}
	if res.RowsLoaded != 4 || e.count(t, "bmrs_temp") != 4 {
		t.Errorf("rows loaded = %d, want 4", res.RowsLoaded)
	}
	if len(res.FailedWindows) != 1 {
		t.Fatalf("failed windows = %+v", res.FailedWindows)
	}
	fw := res.FailedWindows[0]
	if fw.Kind != "fatal_for_window" || fw.Status != 422 || fw.Attempts != 1 || !fw.From.Equal(jan1.Add(day)) {
		t.Errorf("failed window = %+v", fw)
	}

	// Planner order is newest first and the failing window does not block later ones.
	want := []string{
		"TEMP@2024-01-03T00:00:00Z",
		"TEMP@2024-01-02T00:00:00Z",
		"TEMP@2024-01-01T00:00:00Z",
	}
	if got := e.up.fetched(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("fetch order = %v, want %v", got, want)
	}
}

func TestRun_ResumeFetchesOnlyMissingWindows(t *testing.T) {
	e := setup(t)
	e.up.fail = map[string]int{"2024-01-02T00:00:00Z": http.StatusBadGateway}
	svc := e.service(Config{})
	ctx := context.Background()

	sum, err := svc.Run(ctx, []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if sum.Results[0].Status != run.StatusPartial {
		t.Fatalf("first run status = %s", sum.Results[0].Status)
	}
	if fw := sum.Results[0].FailedWindows[0]; fw.Kind != "retryable" {
		t.Errorf("502 kind = %s, want retryable", fw.Kind)
	}

	e.up.reset()
	sum, err = svc.Run(ctx, []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := e.up.fetched(); len(got) != 1 || got[0] != "TEMP@2024-01-02T00:00:00Z" {
		t.Errorf("second run fetched %v, want only Jan 2", got)
	}
	res := sum.Results[0]
	if res.Status != run.StatusOK || res.WindowsSkipped != 2 || res.RowsLoaded != 2 {
		t.Errorf("second run = %+v", res)
	}
	if n := e.count(t, "bmrs_temp"); n != 6 {
		t.Errorf("table rows = %d, want 6", n)
	}

	e.up.reset()
	sum, err = svc.Run(ctx, []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if got := e.up.fetched(); len(got) != 0 {
		t.Errorf("third run fetched %v, want nothing", got)
	}
	if res := sum.Results[0]; res.Status != run.StatusOK || res.Note != "all windows already ingested" {
		t.Errorf("third run = %+v", res)
	}
}

func TestRun_OverwriteIsIdempotent(t *testing.T) {
	e := setup(t)
	svc := e.service(Config{Overwrite: true})
	ctx := context.Background()

	keys := func() string {
		rows, err := e.db.Query("SELECT _dedup_key FROM bmrs_temp ORDER BY _dedup_key")
		if err != nil {
			t.Fatalf("query keys: %v", err)
		}
		defer func() { _ = rows.Close() }()
		var out []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				t.Fatalf("scan: %v", err)
			}
			out = append(out, k)
		}
		return strings.Join(out, ",")
	}

	if _, err := svc.Run(ctx, []dataset.Descriptor{temp()}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := keys()

	e.up.reset()
	sum, err := svc.Run(ctx, []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := len(e.up.fetched()); got != 3 {
		t.Errorf("overwrite run fetched %d windows, want 3", got)
	}
	if sum.Results[0].WindowsSkipped != 0 {
		t.Errorf("overwrite skipped %d windows", sum.Results[0].WindowsSkipped)
	}
	if n := e.count(t, "bmrs_temp"); n != 6 {
		t.Errorf("table rows = %d, want 6", n)
	}
	if second := keys(); second != first {
		t.Errorf("dedup keys changed between runs")
	}
}

func TestRun_SkipsOfflineAndEmptyPlans(t *testing.T) {
	e := setup(t)
	ledger := &memLedger{}
	svc := e.service(Config{Workers: 3}, WithLedger(ledger))

	sum, err := svc.Run(context.Background(), []dataset.Descriptor{
		{ID: "MILS", MaxWindow: day, Offline: true},
		{ID: "BROKEN", MaxWindow: 0},
		temp(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Counts[run.StatusSkip] != 2 || sum.Counts[run.StatusOK] != 1 {
		t.Errorf("counts = %v", sum.Counts)
	}
	if sum.Notes["MILS"] != "dataset is marked offline" || sum.Notes["BROKEN"] != "empty window plan" {
		t.Errorf("notes = %v", sum.Notes)
	}
	for _, c := range e.up.fetched() {
		if strings.HasPrefix(c, "MILS") {
			t.Errorf("offline dataset was fetched: %s", c)
		}
	}
	if len(ledger.results) != 3 {
		t.Errorf("ledger recorded %d results, want 3", len(ledger.results))
	}
	for _, r := range ledger.results {
		if r.RunID != sum.RunID || r.FinishedAt.Before(r.StartedAt) {
			t.Errorf("ledger result %+v", r)
		}
	}
}

func TestRun_IncludeOffline(t *testing.T) {
	e := setup(t)
	sum, err := e.service(Config{IncludeOffline: true}).Run(context.Background(),
		[]dataset.Descriptor{{ID: "MILS", MaxWindow: day, Offline: true}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Results[0].Status != run.StatusOK || len(e.up.fetched()) != 3 {
		t.Errorf("result = %+v, fetched %d", sum.Results[0], len(e.up.fetched()))
	}
}

func TestRun_AllWindowsFailed(t *testing.T) {
	e := setup(t)
	e.up.fail = map[string]int{
		"2024-01-01T00:00:00Z": http.StatusBadRequest,
		"2024-01-02T00:00:00Z": http.StatusBadRequest,
		"2024-01-03T00:00:00Z": http.StatusBadRequest,
	}
	sum, err := e.service(Config{}).Run(context.Background(), []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := sum.Results[0]; res.Status != run.StatusErr || len(res.FailedWindows) != 3 {
		t.Errorf("result = %+v", res)
	}
	if !sum.Failed() {
		t.Error("summary should report failure")
	}
}

func TestRun_InvalidRange(t *testing.T) {
	e := setup(t)
	_, err := e.service(Config{Start: jan4, End: jan1}).Run(context.Background(), []dataset.Descriptor{temp()})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if len(e.up.fetched()) != 0 {
		t.Error("invalid range must not fetch")
	}
}

// --- fake loader ---
type flakyLoader struct {
	calls  int
	failAt int
}

func (f *flakyLoader) Load(_ context.Context, table string, rows []record.Row, _ record.TypeMap) (loader.Result, error) {
	f.calls++
	if f.calls == f.failAt {
		return loader.Result{}, &loader.LoadError{Table: table, Op: "stage", Err: errors.New("disk full")}
	}
	return loader.Result{Rows: int64(len(rows)), Report: record.Report{
		Observed: record.TypeMap{"value": record.TypeInteger},
		Final:    record.TypeMap{"value": record.TypeFloat},
	}}, nil
}

func TestRun_LoadFailureEndsDataset(t *testing.T) {
	e := setup(t)
	ld := &flakyLoader{failAt: 2}
	svc := NewService(Config{Start: jan1, End: jan4, BatchWindows: 1}, e.src, ld, e.store)

	sum, err := svc.Run(context.Background(), []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := sum.Results[0]
	if res.Status != run.StatusErr {
		t.Fatalf("status = %s, want ERR", res.Status)
	}
	if !strings.Contains(res.Note, "batch load failed") || !strings.Contains(res.Note, "disk full") {
		t.Errorf("note = %q", res.Note)
	}
	if res.RowsLoaded != 2 {
		t.Errorf("rows loaded = %d, want rows of the first batch", res.RowsLoaded)
	}
	if got := len(e.up.fetched()); got != 2 {
		t.Errorf("fetched %d windows, want processing to stop after the failed batch", got)
	}
	if res.Coercions["value"] != "INTEGER->FLOAT" {
		t.Errorf("coercions = %v", res.Coercions)
	}
}

// --- fake fetcher ---
type stubFetcher struct {
	payload record.Payload
	err     error
}

func (s stubFetcher) Fetch(context.Context, string, window.Window) (record.Payload, error) {
	return s.payload, s.err
}

func TestRun_EmptyWindowsAreNotRecorded(t *testing.T) {
	e := setup(t)
	svc := NewService(Config{Start: jan1, End: jan4}, stubFetcher{}, loader.New(e.store), e.store)

	sum, err := svc.Run(context.Background(), []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := sum.Results[0]; res.Status != run.StatusOK || res.RowsLoaded != 0 {
		t.Errorf("result = %+v", res)
	}
	exists, err := e.store.TableExists(context.Background(), "temp")
	if err != nil || exists {
		t.Errorf("empty run created a table: exists=%v err=%v", exists, err)
	}
}

// --- fake fetcher failing selected windows ---
type windowFetcher struct {
	fail map[time.Time]error
}

func (f windowFetcher) Fetch(_ context.Context, _ string, w window.Window) (record.Payload, error) {
	return record.Payload{}, f.fail[w.From]
}

func TestRun_FailedAndEmptyWindowsGiveErr(t *testing.T) {
	e := setup(t)
	fetcher := windowFetcher{fail: map[time.Time]error{
		jan1.Add(day): &source.FetchError{Dataset: "TEMP", Kind: source.FatalForWindow, Status: 400, Attempts: 1, Err: errors.New("bad")},
	}}
	svc := NewService(Config{Start: jan1, End: jan4}, fetcher, loader.New(e.store), e.store)

	sum, err := svc.Run(context.Background(), []dataset.Descriptor{temp()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := sum.Results[0]
	if res.Status != run.StatusErr || res.RowsLoaded != 0 || len(res.FailedWindows) != 1 {
		t.Errorf("result = %+v, want ERR with one failed window", res)
	}
	if res.Note != "1 of 3 windows failed, no rows loaded" {
		t.Errorf("note = %q", res.Note)
	}
}

func TestRun_ConcurrentWorkersOnFileStore(t *testing.T) {
	e := setup(t)
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	store := repo.NewSQLStore(db.DB, repo.SQLite)
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{Start: jan1, End: jan4, TablePrefix: "bmrs", Workers: 2, BatchWindows: 1}
	svc := NewService(cfg, e.src, loader.New(store), store)
	datasets := []dataset.Descriptor{temp(), {ID: "FREQ", MaxWindow: day}, {ID: "INDO", MaxWindow: day}}

	sum, err := svc.Run(context.Background(), datasets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, res := range sum.Results {
		if res.Status != run.StatusOK || res.RowsLoaded != 6 {
			t.Errorf("%s = %s (%s), rows %d", res.DatasetID, res.Status, res.Note, res.RowsLoaded)
		}
	}
	for _, table := range []string{"bmrs_temp", "bmrs_freq", "bmrs_indo"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 6 {
			t.Errorf("%s rows = %d, want 6", table, n)
		}
	}
}

func TestRun_TableCollision(t *testing.T) {
	e := setup(t)
	_, err := e.service(Config{}).Run(context.Background(), []dataset.Descriptor{
		{ID: "A-B", MaxWindow: day},
		{ID: "A_B", MaxWindow: day},
	})
	if !errors.Is(err, ErrTableCollision) {
		t.Errorf("expected ErrTableCollision, got %v", err)
	}
	if len(e.up.fetched()) != 0 {
		t.Error("colliding datasets must not fetch")
	}
}

func TestRun_CanceledContext(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := e.service(Config{}).Run(ctx, []dataset.Descriptor{temp(), {ID: "FREQ", MaxWindow: day}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Results) != 2 || sum.Counts[run.StatusErr] != 2 {
		t.Errorf("canceled run = %+v", sum.Counts)
	}
}

func TestFailedWindow_UnknownError(t *testing.T) {
	w := window.Window{From: jan1, To: jan1.Add(day)}
	fw := failedWindow(w, errors.New("boom"))
	if fw.Kind != "unknown" || fw.Attempts != 1 || fw.Error != "boom" {
		t.Errorf("failedWindow = %+v", fw)
	}

	fw = failedWindow(w, &source.FetchError{Dataset: "X", Kind: source.Timeout, Attempts: 5, Exhausted: true, Err: context.DeadlineExceeded})
	if fw.Kind != "timeout" || fw.Attempts != 5 {
		t.Errorf("failedWindow = %+v", fw)
	}
}
