package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

var (
	// ErrInvalidRange aborts a run whose global range is empty or inverted.
	ErrInvalidRange = errors.New("invalid range")
	// ErrTableCollision aborts a run where two datasets share a destination table.
	ErrTableCollision = errors.New("table name collision")
)

// ValidateRange checks that [start, end) is a non-empty interval.
func ValidateRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRange,
			end.UTC().Format(window.Layout), start.UTC().Format(window.Layout))
	}
	return nil
}

// CheckTables rejects descriptor sets where two ids fold to the same table.
func CheckTables(prefix string, datasets []dataset.Descriptor) error {
	owner := make(map[string]string, len(datasets))
	for _, d := range datasets {
		table := warehouse.TableName(prefix, d.ID)
		if prev, ok := owner[table]; ok && prev != d.ID {
			return fmt.Errorf("%w: %s and %s both map to %s", ErrTableCollision, prev, d.ID, table)
		}
		owner[table] = d.ID
	}
	return nil
}
