package reconcile

import (
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// Snapshot is an immutable, ordered view of all watched collections.
// Slices are shared between snapshots and must be treated as read-only.
type Snapshot struct {
	Seq         uint64
	PublishedAt time.Time
	Executions  []Entry[*types.Execution]
	Logs        []Entry[*types.LogEntry]
	Pipelines   []Entry[*types.Pipeline]
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Executions: []Entry[*types.Execution]{},
		Logs:       []Entry[*types.LogEntry]{},
		Pipelines:  []Entry[*types.Pipeline]{},
	}
}

// ConfirmedExecutions returns the server-backed executions in snapshot order.
// Optimistic entries are excluded; they have not happened yet as far as the
// statistics are concerned.
func (s *Snapshot) ConfirmedExecutions() []*types.Execution {
	out := make([]*types.Execution, 0, len(s.Executions))
	for _, e := range s.Executions {
		if e.Sync == SyncConfirmed {
			out = append(out, e.Value)
		}
	}
	return out
}

// Execution looks up an execution by server or local id.
func (s *Snapshot) Execution(id string) (Entry[*types.Execution], bool) {
	for _, e := range s.Executions {
		if e.Value.ID == id {
			return e, true
		}
	}
	return Entry[*types.Execution]{}, false
}

// FilterExecutions returns the entries matching f (nil matches all), capped
// at limit when limit > 0.
func (s *Snapshot) FilterExecutions(f *types.Filter, limit int) []Entry[*types.Execution] {
	return filterEntries(s.Executions, executionRecord, f, limit)
}

// FilterLogs returns the log entries matching f, capped at limit when limit > 0.
func (s *Snapshot) FilterLogs(f *types.Filter, limit int) []Entry[*types.LogEntry] {
	return filterEntries(s.Logs, logRecord, f, limit)
}

// PipelineMap indexes the snapshot pipelines by id.
func (s *Snapshot) PipelineMap() map[string]*types.Pipeline {
	out := make(map[string]*types.Pipeline, len(s.Pipelines))
	for _, e := range s.Pipelines {
		out[e.Value.ID] = e.Value
	}
	return out
}

// Pending counts optimistic executions by sync state.
func (s *Snapshot) Pending() (pending, failed int) {
	for _, e := range s.Executions {
		switch e.Sync {
		case SyncPending:
			pending++
		case SyncFailed:
			failed++
		}
	}
	return pending, failed
}

func filterEntries[T any](in []Entry[T], record func(T) types.Record, f *types.Filter, limit int) []Entry[T] {
	out := make([]Entry[T], 0)
	for _, e := range in {
		if !record(e.Value).Matches(f) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
