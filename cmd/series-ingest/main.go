package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ahmethakanbesel/series-ingest/internal/config"
	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
	"github.com/ahmethakanbesel/series-ingest/internal/ingest"
	"github.com/ahmethakanbesel/series-ingest/internal/loader"
	"github.com/ahmethakanbesel/series-ingest/internal/metrics"
	"github.com/ahmethakanbesel/series-ingest/internal/platform/duckdb"
	"github.com/ahmethakanbesel/series-ingest/internal/platform/postgres"
	"github.com/ahmethakanbesel/series-ingest/internal/platform/sqlite"
	runrepo "github.com/ahmethakanbesel/series-ingest/internal/repository/run"
	whrepo "github.com/ahmethakanbesel/series-ingest/internal/repository/warehouse"
	"github.com/ahmethakanbesel/series-ingest/internal/run"
	"github.com/ahmethakanbesel/series-ingest/internal/server"
	"github.com/ahmethakanbesel/series-ingest/internal/source"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfig
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// Root context: cancelled on SIGINT/SIGTERM so in-flight fetches and
	// loads stop promptly.
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		slog.Error("failed to load catalog", "error", err)
		return exitConfig
	}
	datasets := catalog.Select(cfg.Only, cfg.MaxWindow)

	if err := ingest.ValidateRange(cfg.Start, cfg.End); err != nil {
		slog.Error("invalid range", "error", err)
		return exitConfig
	}

	ledgerDB, err := sqlite.OpenLedger(rootCtx, cfg.LedgerPath)
	if err != nil {
		slog.Error("failed to open run ledger", "path", cfg.LedgerPath, "error", err)
		return exitFailed
	}
	defer func() { _ = ledgerDB.Close() }()

	store, err := openWarehouse(rootCtx, cfg.WarehouseDriver, cfg.WarehouseDSN)
	if err != nil {
		slog.Error("failed to open warehouse", "driver", cfg.WarehouseDriver, "error", err)
		return exitFailed
	}
	defer func() { _ = store.Close() }()

	rec, err := metrics.New()
	if err != nil {
		slog.Error("failed to register metrics", "error", err)
		return exitFailed
	}

	runSvc := run.NewService(runrepo.NewRepository(ledgerDB.DB))

	srcOpts := []source.Option{
		source.WithTimeout(cfg.FetchTimeout),
		source.WithMaxAttempts(cfg.MaxAttempts),
		source.WithBackoff(cfg.Backoff),
		source.WithRate(cfg.Rate),
	}
	if cfg.SourceURL != "" {
		srcOpts = append(srcOpts, source.WithBaseURL(cfg.SourceURL))
	}
	if cfg.ArchiveDir != "" {
		srcOpts = append(srcOpts, source.WithArchive(source.NewArchive(cfg.ArchiveDir)))
	}

	svc := ingest.NewService(ingest.Config{
		Start:          cfg.Start,
		End:            cfg.End,
		TablePrefix:    cfg.TablePrefix,
		Overwrite:      cfg.Overwrite,
		IncludeOffline: cfg.IncludeOffline,
		Workers:        cfg.Workers,
		BatchWindows:   cfg.BatchFrames,
		FlushInterval:  cfg.FlushInterval,
	}, source.New(srcOpts...), loader.New(store), store,
		ingest.WithLedger(runSvc),
		ingest.WithMetrics(rec),
	)

	var srv *server.Server
	if cfg.StatusAddr != "" {
		srv = server.New(rootCtx, cfg.StatusAddr, server.NewHandler(runSvc, catalog, rec, ledgerDB))
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status server error", "error", err)
			}
		}()
	}

	sum, err := svc.Run(rootCtx, datasets)
	if err != nil {
		slog.Error("run aborted", "error", err)
		if errors.Is(err, ingest.ErrInvalidRange) || errors.Is(err, ingest.ErrTableCollision) {
			return exitConfig
		}
		return exitFailed
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		slog.Error("failed to write summary", "error", err)
	}

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(rootCtx), 10*time.Second)
		if err := rec.Push(pushCtx, cfg.PushgatewayURL, "series_ingest"); err != nil {
			slog.Warn("failed to push metrics", "url", cfg.PushgatewayURL, "error", err)
		}
		cancel()
	}

	if srv != nil {
		// Keep serving the ledger until interrupted.
		slog.Info("run complete, status server still running", "addr", cfg.StatusAddr)
		<-rootCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		cancel()
	}

	if sum.Failed() {
		return exitFailed
	}
	return exitOK
}

func loadCatalog(path string) (*dataset.Catalog, error) {
	if path == "" {
		return dataset.Default()
	}
	return dataset.Load(path)
}

func openWarehouse(ctx context.Context, driver, dsn string) (warehouse.Store, error) {
	switch driver {
	case "sqlite":
		db, err := sqlite.Open(dsn)
		if err != nil {
			return nil, err
		}
		return whrepo.NewSQLStore(db.DB, whrepo.SQLite), nil
	case "duckdb":
		db, err := duckdb.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return whrepo.NewSQLStore(db, whrepo.DuckDB), nil
	case "postgres":
		pool, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return whrepo.NewPostgresStore(pool), nil
	}
	return nil, fmt.Errorf("unknown warehouse driver %q", driver)
}
