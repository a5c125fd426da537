// Package loader writes batches of ingestion records into a destination table.
//
// A fresh table is created by promoting a staging table into place. An
// existing table receives the batch through a staged merge keyed on
// (_dedup_key, _dataset); if the merge fails the staged rows are appended
// instead so new data is not lost.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
)

// LoadError is a destination failure that ends processing of a dataset.
type LoadError struct {
	Table string
	Op    string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Result describes one completed load.
type Result struct {
	Rows     int64
	Fresh    bool
	Fallback bool
	Added    []string
	Widened  []string
	Report   record.Report
}

// Loader loads batches through a warehouse.Store.
type Loader struct {
	store warehouse.Store
}

// New creates a Loader over store.
func New(store warehouse.Store) *Loader {
	return &Loader{store: store}
}

// Load writes rows into table. pins forces column types; any other column
// already in the destination is widened to hold the batch's values rather
// than converting them to the narrower declared type.
func (l *Loader) Load(ctx context.Context, table string, rows []record.Row, pins record.TypeMap) (Result, error) {
	rows = record.Dedup(rows)
	if len(rows) == 0 {
		return Result{}, nil
	}

	exists, err := l.store.TableExists(ctx, table)
	if err != nil {
		return Result{}, &LoadError{Table: table, Op: "inspect", Err: err}
	}

	effective := make(record.TypeMap, len(pins))
	var (
		existing record.TypeMap
		widen    []warehouse.Column
	)
	if exists {
		existing, err = l.store.Columns(ctx, table)
		if err != nil {
			return Result{}, &LoadError{Table: table, Op: "inspect", Err: err}
		}
		observed := record.Observe(rows)
		for col, t := range existing {
			obs, ok := observed[col]
			if _, pinned := pins[col]; pinned || !ok {
				continue
			}
			wide := record.Widen(t, obs)
			effective[col] = wide
			if wide != t {
				widen = append(widen, warehouse.Column{Name: col, Type: wide})
			}
		}
		sort.Slice(widen, func(i, j int) bool { return widen[i].Name < widen[j].Name })
	}
	for col, t := range pins {
		effective[col] = t
	}

	rows, report := record.Sanitize(rows, effective)
	cols := warehouse.ColumnsFor(rows, report.Final)

	staging, err := l.store.Stage(ctx, table, cols, rows)
	if err != nil {
		return Result{}, &LoadError{Table: table, Op: "stage", Err: err}
	}
	defer func() {
		// Promote consumed the staging table on the fresh path; Drop is a no-op then.
		if err := l.store.Drop(context.WithoutCancel(ctx), staging); err != nil {
			slog.Warn("failed to drop staging table", "table", staging, "error", err)
		}
	}()

	res := Result{Report: report}

	if !exists {
		if err := l.store.Promote(ctx, staging, table); err != nil {
			return Result{}, &LoadError{Table: table, Op: "promote", Err: err}
		}
		res.Fresh = true
		res.Rows = int64(len(rows))
		return res, nil
	}

	var missing []warehouse.Column
	for _, c := range cols {
		if _, ok := existing[c.Name]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		if err := l.store.AddColumns(ctx, table, missing); err != nil {
			return Result{}, &LoadError{Table: table, Op: "add columns", Err: err}
		}
		res.Added = warehouse.Names(missing)
		slog.Info("added columns", "table", table, "columns", res.Added)
	}

	if len(widen) > 0 {
		if err := l.store.WidenColumns(ctx, table, widen); err != nil {
			return Result{}, &LoadError{Table: table, Op: "widen columns", Err: err}
		}
		res.Widened = warehouse.Names(widen)
		slog.Info("widened columns", "table", table, "columns", warehouse.Names(widen))
	}

	names := warehouse.Names(cols)
	n, err := l.store.Merge(ctx, staging, table, names)
	if err == nil {
		res.Rows = n
		return res, nil
	}

	slog.Warn("merge failed, falling back to append", "table", table, "rows", len(rows), "error", err)
	n, err = l.store.Append(ctx, staging, table, names)
	if err != nil {
		return Result{}, &LoadError{Table: table, Op: "append", Err: err}
	}
	res.Rows = n
	res.Fallback = true
	return res, nil
}
