package run

import (
	"sort"
	"time"
)

// Status is the terminal state of one dataset in a run.
type Status string

const (
	StatusOK      Status = "OK"
	StatusPartial Status = "PARTIAL"
	StatusSkip    Status = "SKIP"
	StatusErr     Status = "ERR"
)

// Valid reports whether s is one of the terminal statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusPartial, StatusSkip, StatusErr:
		return true
	}
	return false
}

// FailedWindow records one window that could not be ingested.
type FailedWindow struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Kind     string    `json:"kind"`
	Status   int       `json:"status,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
}

// Result is the outcome for one dataset in one run.
type Result struct {
	ID             int64             `json:"id"`
	RunID          string            `json:"runId"`
	DatasetID      string            `json:"dataset"`
	Status         Status            `json:"status"`
	RowsLoaded     int64             `json:"rowsLoaded"`
	WindowsPlanned int               `json:"windowsPlanned"`
	WindowsSkipped int               `json:"windowsSkipped"`
	FailedWindows  []FailedWindow    `json:"failedWindows"`
	Coercions      map[string]string `json:"coercions,omitempty"`
	Note           string            `json:"note,omitempty"`
	RangeStart     time.Time         `json:"rangeStart"`
	RangeEnd       time.Time         `json:"rangeEnd"`
	StartedAt      time.Time         `json:"startedAt"`
	FinishedAt     time.Time         `json:"finishedAt"`
}

// Summary aggregates the results of a run.
type Summary struct {
	RunID      string         `json:"runId"`
	Counts     map[Status]int `json:"counts"`
	RowsLoaded int64          `json:"rowsLoaded"`
	// Notes holds the note of every ERR or SKIP dataset, keyed by dataset id.
	Notes   map[string]string `json:"notes"`
	Results []Result          `json:"results"`
}

// Summarize builds a Summary from results, sorted by dataset id.
func Summarize(runID string, results []Result) *Summary {
	s := &Summary{
		RunID: runID,
		Counts: map[Status]int{
			StatusOK: 0, StatusPartial: 0, StatusSkip: 0, StatusErr: 0,
		},
		Notes:   make(map[string]string),
		Results: append([]Result(nil), results...),
	}
	sort.Slice(s.Results, func(i, j int) bool { return s.Results[i].DatasetID < s.Results[j].DatasetID })

	for _, r := range s.Results {
		s.Counts[r.Status]++
		s.RowsLoaded += r.RowsLoaded
		if r.Status == StatusErr || r.Status == StatusSkip {
			s.Notes[r.DatasetID] = r.Note
		}
	}
	return s
}

// Failed reports whether any dataset ended in ERR.
func (s *Summary) Failed() bool { return s.Counts[StatusErr] > 0 }
