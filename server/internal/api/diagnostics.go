package api

import (
	"fmt"
	"sort"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/reconcile"
)

// DiagnosticHint is one human-readable note about a single execution. The UI
// shows these as chips on the execution detail; Detail is the explanation
// shown on click.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier (used for dedup/ordering).
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	// Value is an optional number behind the hint, e.g. seconds or a count.
	Value *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 3, "warning": 2, "info": 1, "ok": 0}

// computeDiagnostics derives hints for one execution from its entry, its
// log lines and the long-running threshold. Critical hints come first.
func computeDiagnostics(e reconcile.Entry[*types.Execution], logs []reconcile.Entry[*types.LogEntry], longRunning float64, now time.Time) []DiagnosticHint {
	ex := e.Value
	var hints []DiagnosticHint

	switch e.Sync {
	case reconcile.SyncPending:
		hints = append(hints, DiagnosticHint{
			Key:   "awaiting_confirmation",
			Level: "info",
			Title: "Waiting for storage",
			Detail: "This execution was created here and is shown right away, but storage has not " +
				"confirmed it yet. It will switch to its permanent id as soon as the write lands.",
		})
	case reconcile.SyncFailed:
		hints = append(hints, DiagnosticHint{
			Key:   "unconfirmed",
			Level: "warning",
			Title: "Never confirmed",
			Detail: "Storage did not confirm this execution within the confirmation timeout. " +
				"It may not have been created. Check the pipeline's executions before triggering it again.",
		})
	}

	for _, st := range ex.Stages {
		if st.Status != types.StatusFailed {
			continue
		}
		detail := fmt.Sprintf("Stage %q failed.", st.StageName)
		if st.Error != nil && *st.Error != "" {
			detail = fmt.Sprintf("Stage %q failed with: %q.", st.StageName, *st.Error)
		}
		hints = append(hints, DiagnosticHint{
			Key:    "stage_failed:" + st.StageName,
			Level:  "critical",
			Title:  st.StageName + " failed",
			Detail: detail + " Later stages did not get a chance to run.",
		})
	}

	var errCount int
	var lastErr *types.LogEntry
	for _, l := range logs {
		if l.Value.Level == types.LevelError || l.Value.Level == types.LevelCritical {
			errCount++
			if lastErr == nil || l.Value.CreatedAt.After(lastErr.CreatedAt) {
				lastErr = l.Value
			}
		}
	}
	if errCount > 0 {
		v := float64(errCount)
		hints = append(hints, DiagnosticHint{
			Key:   "error_logs",
			Level: "warning",
			Title: fmt.Sprintf("%d error log lines", errCount),
			Detail: fmt.Sprintf("The execution logged %d error or critical lines. The most recent one says: %q.",
				errCount, lastErr.Message),
			Value: &v,
		})
	}

	if longRunning > 0 {
		if secs, ok := elapsed(ex, now); ok && secs > longRunning {
			v := secs
			verb := "took"
			if ex.CompletedAt == nil {
				verb = "has been running for"
			}
			hints = append(hints, DiagnosticHint{
				Key:   "long_running",
				Level: "warning",
				Title: "Long-running",
				Detail: fmt.Sprintf("This execution %s %.0fs, above the %.0fs threshold. "+
					"Slow stages often mean cold caches or steps that could run in parallel.", verb, secs, longRunning),
				Value: &v,
			})
		}
	}

	if len(hints) == 0 && ex.Status == types.StatusCompleted {
		hints = append(hints, DiagnosticHint{
			Key:    "healthy",
			Level:  "ok",
			Title:  "Completed cleanly",
			Detail: "All stages finished and nothing was logged at error level.",
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] > levelRank[hints[j].Level]
	})
	return hints
}

// elapsed is completed-started for finished executions and now-started for
// running ones.
func elapsed(e *types.Execution, now time.Time) (float64, bool) {
	if d, ok := e.Duration(); ok {
		return d.Seconds(), true
	}
	if e.StartedAt != nil && e.CompletedAt == nil {
		return now.Sub(*e.StartedAt).Seconds(), true
	}
	return 0, false
}
