package window

import (
	"testing"
	"time"
)

func date(m, d int) time.Time {
	return time.Date(2024, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		maxWindow time.Duration
		wantLen   int
		wantFirst Window
		wantLast  Window
	}{
		{
			name:      "daily windows most recent first",
			start:     date(1, 1),
			end:       date(1, 4),
			maxWindow: 24 * time.Hour,
			wantLen:   3,
			wantFirst: Window{From: date(1, 3), To: date(1, 4)},
			wantLast:  Window{From: date(1, 1), To: date(1, 2)},
		},
		{
			name:      "last window clamped to start",
			start:     date(1, 1),
			end:       date(1, 10),
			maxWindow: 7 * 24 * time.Hour,
			wantLen:   2,
			wantFirst: Window{From: date(1, 3), To: date(1, 10)},
			wantLast:  Window{From: date(1, 1), To: date(1, 3)},
		},
		{
			name:      "range shorter than window",
			start:     date(1, 1),
			end:       date(1, 1).Add(15 * time.Minute),
			maxWindow: time.Hour,
			wantLen:   1,
			wantFirst: Window{From: date(1, 1), To: date(1, 1).Add(15 * time.Minute)},
			wantLast:  Window{From: date(1, 1), To: date(1, 1).Add(15 * time.Minute)},
		},
		{
			name:      "end before start returns nil",
			start:     date(3, 1),
			end:       date(1, 1),
			maxWindow: time.Hour,
			wantLen:   0,
		},
		{
			name:      "empty range returns nil",
			start:     date(1, 1),
			end:       date(1, 1),
			maxWindow: time.Hour,
			wantLen:   0,
		},
		{
			name:      "zero window returns nil",
			start:     date(1, 1),
			end:       date(1, 2),
			maxWindow: 0,
			wantLen:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.maxWindow, tt.start, tt.end)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if tt.wantLen == 0 {
				return
			}
			if got[0] != tt.wantFirst {
				t.Errorf("first = %v, want %v", got[0], tt.wantFirst)
			}
			if got[len(got)-1] != tt.wantLast {
				t.Errorf("last = %v, want %v", got[len(got)-1], tt.wantLast)
			}
		})
	}
}

func TestPlan_Coverage(t *testing.T) {
	spans := []time.Duration{
		15 * time.Minute,
		time.Hour,
		7 * time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
	}
	start := time.Date(2023, 12, 30, 6, 30, 0, 0, time.UTC)
	ends := []time.Time{
		start.Add(time.Minute),
		start.Add(59 * time.Minute),
		start.Add(25 * time.Hour),
		start.Add(31*24*time.Hour + 17*time.Minute),
	}

	for _, span := range spans {
		for _, end := range ends {
			plan := Plan(span, start, end)
			if len(plan) == 0 {
				t.Fatalf("span=%s end=%s: empty plan", span, end)
			}
			if !plan[0].To.Equal(end) {
				t.Errorf("span=%s: first window ends %s, want %s", span, plan[0].To, end)
			}
			if !plan[len(plan)-1].From.Equal(start) {
				t.Errorf("span=%s: last window starts %s, want %s", span, plan[len(plan)-1].From, start)
			}
			var total time.Duration
			for i, w := range plan {
				if !w.To.After(w.From) {
					t.Errorf("span=%s: window %v is empty", span, w)
				}
				if w.Duration() > span {
					t.Errorf("span=%s: window %v longer than span", span, w)
				}
				if i > 0 && !plan[i-1].From.Equal(w.To) {
					t.Errorf("span=%s: gap or overlap between %v and %v", span, plan[i-1], w)
				}
				total += w.Duration()
			}
			if total != end.Sub(start) {
				t.Errorf("span=%s: covered %s, want %s", span, total, end.Sub(start))
			}
		}
	}
}

func TestExclude(t *testing.T) {
	plan := Plan(24*time.Hour, date(1, 1), date(1, 4))
	done := map[time.Time]bool{date(1, 2): true}

	got := Exclude(plan, done)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].From != date(1, 3) || got[1].From != date(1, 1) {
		t.Errorf("unexpected order: %v", got)
	}

	if all := Exclude(plan, nil); len(all) != 3 {
		t.Errorf("nil set should keep plan, got %d", len(all))
	}
}

func TestWindowString(t *testing.T) {
	w := Window{From: date(1, 2), To: date(1, 3)}
	want := "[2024-01-02T00:00:00Z, 2024-01-03T00:00:00Z)"
	if w.String() != want {
		t.Errorf("String() = %q, want %q", w.String(), want)
	}
}
