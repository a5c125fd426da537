package window

import (
	"fmt"
	"time"
)

// Layout is the wire and storage format for window bounds.
const Layout = "2006-01-02T15:04:05Z"

// Window is the half-open interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Duration() time.Duration { return w.To.Sub(w.From) }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.UTC().Format(Layout), w.To.UTC().Format(Layout))
}

// Plan splits [start, end) into windows no longer than maxWindow, most recent
// first. It returns nil when end <= start or maxWindow <= 0.
func Plan(maxWindow time.Duration, start, end time.Time) []Window {
	if !end.After(start) || maxWindow <= 0 {
		return nil
	}

	var windows []Window
	for cur := end; cur.After(start); {
		from := cur.Add(-maxWindow)
		if from.Before(start) {
			from = start
		}
		windows = append(windows, Window{From: from, To: cur})
		cur = from
	}
	return windows
}

// Exclude drops windows whose From is present in done, keeping plan order.
func Exclude(plan []Window, done map[time.Time]bool) []Window {
	if len(done) == 0 {
		return plan
	}
	out := make([]Window, 0, len(plan))
	for _, w := range plan {
		if done[w.From.UTC()] {
			continue
		}
		out = append(out, w)
	}
	return out
}
