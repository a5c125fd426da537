package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

var postgresTypes = map[record.Type]string{
	record.TypeInteger: "BIGINT",
	record.TypeFloat:   "DOUBLE PRECISION",
	record.TypeBoolean: "BOOLEAN",
	record.TypeString:  "TEXT",
}

var _ warehouse.Store = (*PostgresStore)(nil)

// PostgresStore is a warehouse.Store backed by a pgx pool. Staging tables are
// filled with COPY and merged with DELETE ... USING followed by INSERT ... SELECT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool. The store owns pool and closes it in Close.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, warehouse.Quote(table)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return exists, nil
}

func (s *PostgresStore) Columns(ctx context.Context, table string) (record.TypeMap, error) {
	rows, err := s.pool.Query(ctx, `SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	defer rows.Close()

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

func (s *PostgresStore) Stage(ctx context.Context, target string, cols []warehouse.Column, rows []record.Row) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("stage %s: no columns", target)
	}
	staging := warehouse.StagingName(target)

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = warehouse.Quote(c.Name) + " " + pgType(c.Type)
	}
	create := fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)", warehouse.Quote(staging), strings.Join(defs, ", "))
	if _, err := s.pool.Exec(ctx, create); err != nil {
		return "", fmt.Errorf("create staging: %w", err)
	}

	names := warehouse.Names(cols)
	values := make([][]any, len(rows))
	for i, r := range rows {
		row := make([]any, len(names))
		for j, c := range names {
			row[j] = r[c]
		}
		values[i] = row
	}

	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{staging}, names, pgx.CopyFromRows(values)); err != nil {
		_ = s.Drop(context.WithoutCancel(ctx), staging)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return "", fmt.Errorf("copy into staging: %s (%s)", pgErr.Detail, pgErr.SQLState())
		}
		return "", fmt.Errorf("copy into staging: %w", err)
	}
	return staging, nil
}

func (s *PostgresStore) Promote(ctx context.Context, staging, target string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", warehouse.Quote(staging), warehouse.Quote(target)),
		fmt.Sprintf("ALTER TABLE %s SET LOGGED", warehouse.Quote(target)),
	}
	stmts = append(stmts, indexStatements(target)...)
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("promote %s: %w", target, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit promote: %w", err)
	}
	return nil
}

func (s *PostgresStore) Merge(ctx context.Context, staging, target string, cols []string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	del := fmt.Sprintf(
		`DELETE FROM %s AS t USING %s AS s
		 WHERE t.%s = s.%s AND t.%s = s.%s`,
		warehouse.Quote(target), warehouse.Quote(staging),
		warehouse.Quote(record.ColDedupKey), warehouse.Quote(record.ColDedupKey),
		warehouse.Quote(record.ColDataset), warehouse.Quote(record.ColDataset),
	)
	if _, err := tx.Exec(ctx, del); err != nil {
		return 0, fmt.Errorf("merge delete: %w", err)
	}

	tag, err := tx.Exec(ctx, insertSelect(staging, target, cols))
	if err != nil {
		return 0, fmt.Errorf("merge insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Append(ctx context.Context, staging, target string, cols []string) (int64, error) {
	tag, err := s.pool.Exec(ctx, insertSelect(staging, target, cols))
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AddColumns(ctx context.Context, target string, cols []warehouse.Column) error {
	for _, c := range cols {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			warehouse.Quote(target), warehouse.Quote(c.Name), pgType(c.Type))
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", target, c.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) WidenColumns(ctx context.Context, target string, cols []warehouse.Column) error {
	for _, c := range cols {
		typ := pgType(c.Type)
		stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
			warehouse.Quote(target), warehouse.Quote(c.Name), typ, warehouse.Quote(c.Name), typ)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("widen column %s.%s: %w", target, c.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Drop(ctx context.Context, table string) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+warehouse.Quote(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) DeleteRange(ctx context.Context, table, dataset string, from, to time.Time) (int64, error) {
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND %s >= $2 AND %s < $3",
		warehouse.Quote(table), warehouse.Quote(record.ColDataset),
		warehouse.Quote(record.ColWindowFrom), warehouse.Quote(record.ColWindowFrom))
	tag, err := s.pool.Exec(ctx, query, dataset,
		from.UTC().Format(window.Layout), to.UTC().Format(window.Layout))
	if err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) WindowStarts(ctx context.Context, table, dataset string, from, to time.Time) (map[time.Time]bool, error) {
	starts := make(map[time.Time]bool)
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return starts, err
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s = $1 AND %s >= $2 AND %s < $3",
		warehouse.Quote(record.ColWindowFrom), warehouse.Quote(table), warehouse.Quote(record.ColDataset),
		warehouse.Quote(record.ColWindowFrom), warehouse.Quote(record.ColWindowFrom))
	rows, err := s.pool.Query(ctx, query, dataset,
		from.UTC().Format(window.Layout), to.UTC().Format(window.Layout))
	if err != nil {
		return nil, fmt.Errorf("window starts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v *string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan window start: %w", err)
		}
		if v == nil {
			continue
		}
		t, err := time.Parse(window.Layout, *v)
		if err != nil {
			continue
		}
		starts[t.UTC()] = true
	}
	return starts, rows.Err()
}

func pgType(t record.Type) string {
	if name, ok := postgresTypes[t]; ok {
		return name
	}
	return postgresTypes[record.TypeString]
}
