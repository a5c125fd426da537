// Package warehouse defines the destination store contract the loader and
// resume tracker depend on, plus naming helpers shared by its implementations.
package warehouse

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
)

// Column is a destination column with its logical type.
type Column struct {
	Name string
	Type record.Type
}

// Store is a destination for ingested rows. Timestamps in lineage columns are
// RFC3339 UTC text, so range predicates compare them as strings.
type Store interface {
	// TableExists reports whether table is present.
	TableExists(ctx context.Context, table string) (bool, error)
	// Columns returns the logical type of every column in table.
	Columns(ctx context.Context, table string) (record.TypeMap, error)
	// Stage creates a uniquely named table shaped by cols, fills it with rows
	// and returns its name. The caller drops it.
	Stage(ctx context.Context, target string, cols []Column, rows []record.Row) (string, error)
	// Promote renames a staging table to target, which must not exist.
	Promote(ctx context.Context, staging, target string) error
	// Merge upserts staging into target on (_dedup_key, _dataset) in one
	// transaction and returns the number of rows written.
	Merge(ctx context.Context, staging, target string, cols []string) (int64, error)
	// Append inserts staging into target without matching existing rows.
	Append(ctx context.Context, staging, target string, cols []string) (int64, error)
	// AddColumns adds missing columns to target.
	AddColumns(ctx context.Context, target string, cols []Column) error
	// WidenColumns changes existing columns of target to the given wider
	// types. Stores whose columns already accept any value may do nothing.
	WidenColumns(ctx context.Context, target string, cols []Column) error
	// Drop removes table if it exists.
	Drop(ctx context.Context, table string) error
	// DeleteRange removes rows of dataset whose window starts in [from, to).
	DeleteRange(ctx context.Context, table, dataset string, from, to time.Time) (int64, error)
	// WindowStarts returns the distinct window starts stored for dataset in [from, to).
	WindowStarts(ctx context.Context, table, dataset string, from, to time.Time) (map[time.Time]bool, error)
	Close() error
}

// TableName derives the destination table for a dataset: prefix_<id>, lowercased
// with accents stripped and anything outside [a-z0-9_] folded to underscores.
func TableName(prefix, datasetID string) string {
	name := Identifier(datasetID)
	if strings.TrimSpace(prefix) != "" {
		name = Identifier(prefix) + "_" + name
	}
	return name
}

// Identifier converts arbitrary text into a lowercase ASCII SQL identifier.
// It never returns an empty string.
func Identifier(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(t, s)
	if err != nil {
		ascii = s
	}

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// StagingName returns a fresh staging table name for target.
func StagingName(target string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return target + "_staging_" + id[:16]
}

// Quote quotes an identifier with double quotes, which every supported
// driver accepts.
func Quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// QuoteAll quotes each identifier.
func QuoteAll(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = Quote(id)
	}
	return out
}

// ColumnsFor returns the batch columns in load order with their final types.
func ColumnsFor(rows []record.Row, types record.TypeMap) []Column {
	names := record.Columns(rows)
	cols := make([]Column, len(names))
	for i, n := range names {
		t, ok := types[n]
		if !ok {
			t = record.TypeString
		}
		cols[i] = Column{Name: n, Type: t}
	}
	return cols
}

// Names returns the column names.
func Names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
