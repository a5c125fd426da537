package ingest

import (
	"context"
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

// WindowIndex reports which window starts a destination table already holds.
type WindowIndex interface {
	WindowStarts(ctx context.Context, table, dataset string, from, to time.Time) (map[time.Time]bool, error)
}

// Tracker answers which planned windows were loaded by an earlier run.
type Tracker struct {
	idx WindowIndex
}

func NewTracker(idx WindowIndex) *Tracker {
	return &Tracker{idx: idx}
}

// AlreadyIngested returns the From of every planned window present in table
// for datasetID. A missing table yields an empty set.
func (t *Tracker) AlreadyIngested(ctx context.Context, table, datasetID string, plan []window.Window) (map[time.Time]bool, error) {
	if len(plan) == 0 {
		return map[time.Time]bool{}, nil
	}

	from, to := plan[0].From, plan[0].To
	for _, w := range plan[1:] {
		if w.From.Before(from) {
			from = w.From
		}
		if w.To.After(to) {
			to = w.To
		}
	}

	stored, err := t.idx.WindowStarts(ctx, table, datasetID, from, to)
	if err != nil {
		return nil, err
	}

	done := make(map[time.Time]bool, len(stored))
	for _, w := range plan {
		if stored[w.From.UTC()] {
			done[w.From.UTC()] = true
		}
	}
	return done, nil
}
