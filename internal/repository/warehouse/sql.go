// Package warehouse implements warehouse.Store for SQLite and DuckDB over
// database/sql, and for Postgres over pgx.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

// Rows per multi-row INSERT, reduced for wide batches so the bound
// parameters stay under SQLite's variable limit.
const (
	batchSize = 500
	maxParams = 30000
)

// Dialect captures the SQL differences between the database/sql drivers.
type Dialect struct {
	Name        string
	Types       map[record.Type]string
	tableExists string
	columns     string
	// indexes is false where secondary indexes would block ALTER TABLE.
	indexes bool
	// alterType is false where column affinity already keeps wider values.
	alterType bool
}

// SQLite stores INTEGER/REAL/BOOLEAN/TEXT and inspects tables through pragmas.
var SQLite = Dialect{
	Name: "sqlite",
	Types: map[record.Type]string{
		record.TypeInteger: "INTEGER",
		record.TypeFloat:   "REAL",
		record.TypeBoolean: "BOOLEAN",
		record.TypeString:  "TEXT",
	},
	tableExists: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
	columns:     `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`,
	indexes:     true,
}

// DuckDB stores BIGINT/DOUBLE/BOOLEAN/VARCHAR and uses information_schema.
var DuckDB = Dialect{
	Name: "duckdb",
	Types: map[record.Type]string{
		record.TypeInteger: "BIGINT",
		record.TypeFloat:   "DOUBLE",
		record.TypeBoolean: "BOOLEAN",
		record.TypeString:  "VARCHAR",
	},
	tableExists: `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?`,
	columns: `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_name = ? ORDER BY ordinal_position`,
	alterType: true,
}

var _ warehouse.Store = (*SQLStore)(nil)

// SQLStore is a warehouse.Store over a database/sql handle.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. The store owns db and closes it in Close.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.tableExists, table).Scan(&n); err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Columns(ctx context.Context, table string) (record.TypeMap, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.columns, table)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	types := make(record.TypeMap)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		t, err := record.ParseType(typ)
		if err != nil {
			slog.Debug("unrecognised column type, treating as string", "table", table, "column", name, "type", typ)
			t = record.TypeString
		}
		types[name] = t
	}
	return types, rows.Err()
}

func (s *SQLStore) Stage(ctx context.Context, target string, cols []warehouse.Column, rows []record.Row) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("stage %s: no columns", target)
	}
	staging := warehouse.StagingName(target)

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = warehouse.Quote(c.Name) + " " + s.sqlType(c.Type)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", warehouse.Quote(staging), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return "", fmt.Errorf("create staging: %w", err)
	}

	if err := s.insertRows(ctx, staging, warehouse.Names(cols), rows); err != nil {
		_ = s.Drop(context.WithoutCancel(ctx), staging)
		return "", err
	}
	return staging, nil
}

func (s *SQLStore) insertRows(ctx context.Context, table string, cols []string, rows []record.Row) error {
	per := batchSize
	if n := maxParams / len(cols); n < per {
		per = max(n, 1)
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	quoted := strings.Join(warehouse.QuoteAll(cols), ", ")

	for i := 0; i < len(rows); i += per {
		end := min(i+per, len(rows))
		batch := rows[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(cols))
		for j, r := range batch {
			placeholders[j] = rowPlaceholder
			for _, c := range cols {
				args = append(args, r[c])
			}
		}

		query := fmt.Sprintf( //nolint:gosec // identifiers are quoted, values bound
			"INSERT INTO %s (%s) VALUES %s",
			warehouse.Quote(table), quoted, strings.Join(placeholders, ", "),
		)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLStore) Promote(ctx context.Context, staging, target string) error {
	rename := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", warehouse.Quote(staging), warehouse.Quote(target))
	if _, err := s.db.ExecContext(ctx, rename); err != nil {
		return fmt.Errorf("promote %s: %w", target, err)
	}
	if !s.dialect.indexes {
		return nil
	}
	for _, idx := range indexStatements(target) {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("index %s: %w", target, err)
		}
	}
	return nil
}

func (s *SQLStore) Merge(ctx context.Context, staging, target string, cols []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf( //nolint:gosec // identifiers are quoted
		`DELETE FROM %[1]s WHERE EXISTS (
			SELECT 1 FROM %[2]s AS s
			WHERE s.%[3]s = %[1]s.%[3]s AND s.%[4]s = %[1]s.%[4]s)`,
		warehouse.Quote(target), warehouse.Quote(staging),
		warehouse.Quote(record.ColDedupKey), warehouse.Quote(record.ColDataset),
	)
	if _, err := tx.ExecContext(ctx, del); err != nil {
		return 0, fmt.Errorf("merge delete: %w", err)
	}

	res, err := tx.ExecContext(ctx, insertSelect(staging, target, cols))
	if err != nil {
		return 0, fmt.Errorf("merge insert: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Append(ctx context.Context, staging, target string, cols []string) (int64, error) {
	res, err := s.db.ExecContext(ctx, insertSelect(staging, target, cols))
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) AddColumns(ctx context.Context, target string, cols []warehouse.Column) error {
	for _, c := range cols {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			warehouse.Quote(target), warehouse.Quote(c.Name), s.sqlType(c.Type))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", target, c.Name, err)
		}
	}
	return nil
}

// WidenColumns retypes columns in place. SQLite keeps the declared type: a
// REAL or TEXT value stored in an INTEGER column is kept as is.
func (s *SQLStore) WidenColumns(ctx context.Context, target string, cols []warehouse.Column) error {
	if !s.dialect.alterType {
		return nil
	}
	for _, c := range cols {
		stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s",
			warehouse.Quote(target), warehouse.Quote(c.Name), s.sqlType(c.Type))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("widen column %s.%s: %w", target, c.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) Drop(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+warehouse.Quote(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) DeleteRange(ctx context.Context, table, dataset string, from, to time.Time) (int64, error) {
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}
	query := fmt.Sprintf( //nolint:gosec // identifiers are quoted
		"DELETE FROM %s WHERE %s = ? AND %s >= ? AND %s < ?",
		warehouse.Quote(table), warehouse.Quote(record.ColDataset),
		warehouse.Quote(record.ColWindowFrom), warehouse.Quote(record.ColWindowFrom),
	)
	res, err := s.db.ExecContext(ctx, query, dataset,
		from.UTC().Format(window.Layout), to.UTC().Format(window.Layout))
	if err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) WindowStarts(ctx context.Context, table, dataset string, from, to time.Time) (map[time.Time]bool, error) {
	starts := make(map[time.Time]bool)
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return starts, err
	}

	query := fmt.Sprintf( //nolint:gosec // identifiers are quoted
		"SELECT DISTINCT %s FROM %s WHERE %s = ? AND %s >= ? AND %s < ?",
		warehouse.Quote(record.ColWindowFrom), warehouse.Quote(table), warehouse.Quote(record.ColDataset),
		warehouse.Quote(record.ColWindowFrom), warehouse.Quote(record.ColWindowFrom),
	)
	rows, err := s.db.QueryContext(ctx, query, dataset,
		from.UTC().Format(window.Layout), to.UTC().Format(window.Layout))
	if err != nil {
		return nil, fmt.Errorf("window starts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan window start: %w", err)
		}
		if !v.Valid {
			continue
		}
		t, err := time.Parse(window.Layout, v.String)
		if err != nil {
			continue
		}
		starts[t.UTC()] = true
	}
	return starts, rows.Err()
}

func (s *SQLStore) sqlType(t record.Type) string {
	if name, ok := s.dialect.Types[t]; ok {
		return name
	}
	return s.dialect.Types[record.TypeString]
}

func insertSelect(staging, target string, cols []string) string {
	quoted := strings.Join(warehouse.QuoteAll(cols), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		warehouse.Quote(target), quoted, quoted, warehouse.Quote(staging))
}

// indexStatements returns the indexes every destination table carries: one
// for merge lookups and one for resume queries.
func indexStatements(table string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			warehouse.Quote(table+"_dedup_idx"), warehouse.Quote(table),
			warehouse.Quote(record.ColDedupKey), warehouse.Quote(record.ColDataset)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			warehouse.Quote(table+"_window_idx"), warehouse.Quote(table),
			warehouse.Quote(record.ColDataset), warehouse.Quote(record.ColWindowFrom)),
	}
}
