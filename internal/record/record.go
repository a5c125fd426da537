// Package record turns fetched payloads into flat, typed rows ready for the
// destination store: normalization, lineage enrichment, type sanitization and
// intra-batch de-duplication.
package record

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Lineage columns appended to every row.
const (
	ColDataset    = "_dataset"
	ColWindowFrom = "_window_from_utc"
	ColWindowTo   = "_window_to_utc"
	ColIngested   = "_ingested_utc"
	ColDedupKey   = "_dedup_key"
)

// MetadataColumns lists the lineage columns in the order they are appended.
var MetadataColumns = []string{ColDataset, ColWindowFrom, ColWindowTo, ColIngested, ColDedupKey}

// Row is one flat record. Values are nil, bool, int64, float64 or string.
type Row map[string]any

// IsMetadata reports whether col is a lineage column rather than source data.
func IsMetadata(col string) bool { return strings.HasPrefix(col, "_") }

// Columns returns the union of column names across rows: source columns
// sorted by name, followed by metadata columns.
func Columns(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}

	var data, meta []string
	for k := range seen {
		if IsMetadata(k) {
			meta = append(meta, k)
		} else {
			data = append(data, k)
		}
	}
	sort.Strings(data)
	sort.Strings(meta)
	return append(data, meta...)
}

// FormatValue renders a row value as text. The output is stable for equal
// inputs, which both the dedup key and string coercion rely on.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		if math.Abs(val) < 1e21 {
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
