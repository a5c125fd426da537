package loader

import (
	"time"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
)

// Accumulator collects the rows of consecutive windows until the batch holds
// maxWindows non-empty windows or has been open for maxAge.
type Accumulator struct {
	maxWindows int
	maxAge     time.Duration
	now        func() time.Time

	rows    []record.Row
	windows int
	opened  time.Time
}

// NewAccumulator returns an empty Accumulator. maxAge <= 0 disables the age trigger.
func NewAccumulator(maxWindows int, maxAge time.Duration) *Accumulator {
	if maxWindows <= 0 {
		maxWindows = 1
	}
	return &Accumulator{maxWindows: maxWindows, maxAge: maxAge, now: time.Now}
}

// Add appends one window's rows. Windows without rows are not counted.
func (a *Accumulator) Add(rows []record.Row) {
	if len(rows) == 0 {
		return
	}
	if a.windows == 0 {
		a.opened = a.now()
	}
	a.rows = append(a.rows, rows...)
	a.windows++
}

// Ready reports whether the open batch should be flushed now.
func (a *Accumulator) Ready() bool {
	if a.windows == 0 {
		return false
	}
	if a.windows >= a.maxWindows {
		return true
	}
	return a.maxAge > 0 && a.now().Sub(a.opened) >= a.maxAge
}

// Windows returns the number of windows in the open batch.
func (a *Accumulator) Windows() int { return a.windows }

// Len returns the number of rows in the open batch.
func (a *Accumulator) Len() int { return len(a.rows) }

// Take returns the open batch and starts a new one.
func (a *Accumulator) Take() []record.Row {
	rows := a.rows
	a.rows = nil
	a.windows = 0
	a.opened = time.Time{}
	return rows
}
