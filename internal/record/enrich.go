package record

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

// Lineage describes where a batch of rows came from.
type Lineage struct {
	Dataset    string
	Window     window.Window
	IngestedAt time.Time
	// KeyFields, when set, restricts the dedup key to these source fields so
	// revised values for the same logical row replace the old ones.
	KeyFields []string
}

// Enrich appends the lineage columns to every row in place and returns rows.
func Enrich(rows []Row, l Lineage) []Row {
	if len(rows) == 0 {
		return rows
	}

	from := l.Window.From.UTC().Format(window.Layout)
	to := l.Window.To.UTC().Format(window.Layout)
	ingested := l.IngestedAt.UTC().Format(time.RFC3339)

	for _, r := range rows {
		key := DedupKey(r, l.KeyFields)
		r[ColDataset] = l.Dataset
		r[ColWindowFrom] = from
		r[ColWindowTo] = to
		r[ColIngested] = ingested
		r[ColDedupKey] = key
	}
	return rows
}

// DedupKey hashes the canonical form of a row's source fields. Metadata
// columns and nil values never contribute, so the key survives re-fetches and
// the addition of empty columns.
//
// With keyFields set only those fields count; a row carrying none of them
// falls back to its full content.
func DedupKey(r Row, keyFields []string) string {
	canon := canonical(r, keyFields)
	if canon == "" && len(keyFields) > 0 {
		canon = canonical(r, nil)
	}
	h := xxh3.HashString128(canon)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

func canonical(r Row, keyFields []string) string {
	var keys []string
	if len(keyFields) > 0 {
		keys = append(keys, keyFields...)
	} else {
		keys = make([]string, 0, len(r))
		for k := range r {
			if !IsMetadata(k) {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(FormatValue(v))
	}
	return b.String()
}
