package compute

import (
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// Standard rolling windows reported by Overview.
const (
	WindowHour = time.Hour
	WindowDay  = 24 * time.Hour
	WindowWeek = 7 * 24 * time.Hour
)

// Stats is the execution breakdown for one rolling window.
type Stats struct {
	Window    string `json:"window"`
	Count     int    `json:"count"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Running   int    `json:"running"`
	Pending   int    `json:"pending"` // pending + queued
	Cancelled int    `json:"cancelled"`

	// Percentages in 0–100, rounded to one decimal place. 0 when Count is 0.
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

// Overview is the set of standard windows.
type Overview struct {
	LastHour Stats `json:"last_hour"`
	LastDay  Stats `json:"last_24h"`
	LastWeek Stats `json:"last_7d"`
}

// WindowStats counts executions created strictly after now-d.
// It is a pure function of its inputs.
func WindowStats(execs []*types.Execution, now time.Time, d time.Duration) Stats {
	s := Stats{Window: d.String()}
	cutoff := now.Add(-d)
	for _, e := range execs {
		if e == nil || !e.CreatedAt.After(cutoff) {
			continue
		}
		s.Count++
		switch e.Status {
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		case types.StatusRunning:
			s.Running++
		case types.StatusPending, types.StatusQueued:
			s.Pending++
		case types.StatusCancelled:
			s.Cancelled++
		}
	}
	s.SuccessRate = Percent(s.Completed, s.Count)
	s.FailureRate = Percent(s.Failed, s.Count)
	return s
}

// BuildOverview computes the 1h, 24h and 7d windows.
func BuildOverview(execs []*types.Execution, now time.Time) Overview {
	return Overview{
		LastHour: WindowStats(execs, now, WindowHour),
		LastDay:  WindowStats(execs, now, WindowDay),
		LastWeek: WindowStats(execs, now, WindowWeek),
	}
}

// Percent returns part/total*100 rounded to one decimal, halves away from
// zero, or 0 when total is 0. Rounding is done on the exact ratio in integer
// arithmetic; part and total are non-negative counts.
func Percent(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	q, r := part*1000/total, part*1000%total
	if 2*r >= total {
		q++
	}
	return float64(q) / 10
}
