package reconcile

import (
	"reflect"
	"sort"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// SyncState tracks whether an entry is backed by a server row.
type SyncState string

const (
	SyncConfirmed SyncState = "confirmed"
	SyncPending   SyncState = "pending-confirmation"
	SyncFailed    SyncState = "failed-unconfirmed"
)

// Entry is one element of a published collection. LocalID is set only for
// optimistic entries, in which case it is also the entry's id.
type Entry[T any] struct {
	Value   T         `json:"value"`
	LocalID string    `json:"local_id,omitempty"`
	Sync    SyncState `json:"sync"`
}

// outcome of applying one change to a collection.
type outcome string

const (
	applied outcome = "applied"
	noop    outcome = "noop"
	stale   outcome = "stale"
)

// collection is a writer-owned keyed set with a lazily sorted view.
// Values are never mutated after insertion; replacing an entry swaps the
// pointer, so sorted slices handed to earlier snapshots stay valid.
type collection[T any] struct {
	table types.Table
	// record wraps a value for id, created_at and filter access.
	record func(T) types.Record
	// advance reports the sign of version(next) - version(cur).
	advance func(cur, next T) int

	entries map[string]Entry[T]
	sorted  []Entry[T]
	dirty   bool
}

func newCollection[T any](table types.Table, record func(T) types.Record, advance func(cur, next T) int) *collection[T] {
	return &collection[T]{
		table:   table,
		record:  record,
		advance: advance,
		entries: make(map[string]Entry[T]),
		sorted:  []Entry[T]{},
	}
}

func (c *collection[T]) get(id string) (Entry[T], bool) {
	e, ok := c.entries[id]
	return e, ok
}

func (c *collection[T]) put(id string, e Entry[T]) {
	c.entries[id] = e
	c.dirty = true
}

func (c *collection[T]) len() int { return len(c.entries) }

// insert adds v or replaces the stored entry, unless the stored version is
// more advanced. Re-inserting identical content is a no-op.
func (c *collection[T]) insert(v T) outcome {
	id := c.record(v).ID()
	cur, ok := c.entries[id]
	if !ok {
		c.put(id, Entry[T]{Value: v, Sync: SyncConfirmed})
		return applied
	}
	if cur.Sync == SyncConfirmed && reflect.DeepEqual(cur.Value, v) {
		return noop
	}
	if c.advance(cur.Value, v) < 0 {
		return stale
	}
	c.put(id, Entry[T]{Value: v, Sync: SyncConfirmed})
	return applied
}

// update replaces the stored entry only when v is strictly more advanced.
// A missing id is treated as an upsert.
func (c *collection[T]) update(v T) outcome {
	id := c.record(v).ID()
	cur, ok := c.entries[id]
	if !ok {
		c.put(id, Entry[T]{Value: v, Sync: SyncConfirmed})
		return applied
	}
	if c.advance(cur.Value, v) <= 0 {
		if reflect.DeepEqual(cur.Value, v) {
			return noop
		}
		return stale
	}
	c.put(id, Entry[T]{Value: v, Sync: SyncConfirmed})
	return applied
}

func (c *collection[T]) remove(id string) outcome {
	if _, ok := c.entries[id]; !ok {
		return noop
	}
	delete(c.entries, id)
	c.dirty = true
	return applied
}

// removeWhere deletes every entry for which drop returns true and reports
// how many were removed.
func (c *collection[T]) removeWhere(drop func(id string, e Entry[T]) bool) int {
	n := 0
	for id, e := range c.entries {
		if drop(id, e) {
			delete(c.entries, id)
			n++
		}
	}
	if n > 0 {
		c.dirty = true
	}
	return n
}

// list returns the entries ordered by created_at desc, id asc. The returned
// slice is shared with published snapshots and must not be modified.
func (c *collection[T]) list() []Entry[T] {
	if !c.dirty {
		return c.sorted
	}
	out := make([]Entry[T], 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := c.record(out[i].Value), c.record(out[j].Value)
		ci, cj := ri.CreatedAt(), rj.CreatedAt()
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return ri.ID() < rj.ID()
	})
	c.sorted = out
	c.dirty = false
	return out
}

// --- per-table codecs -------------------------------------------------------

func executionRecord(e *types.Execution) types.Record {
	return types.Record{Table: types.TableExecutions, Execution: e}
}

func logRecord(l *types.LogEntry) types.Record {
	return types.Record{Table: types.TableLogs, Log: l}
}

func pipelineRecord(p *types.Pipeline) types.Record {
	return types.Record{Table: types.TablePipelines, Pipeline: p}
}

// executionAdvance compares updated_at first and falls back to status rank
// when either side lacks an updated_at or both carry the same one.
func executionAdvance(cur, next *types.Execution) int {
	if !cur.UpdatedAt.IsZero() && !next.UpdatedAt.IsZero() && !cur.UpdatedAt.Equal(next.UpdatedAt) {
		if next.UpdatedAt.After(cur.UpdatedAt) {
			return 1
		}
		return -1
	}
	return sign(next.Status.Rank() - cur.Status.Rank())
}

// Logs are immutable: no incoming log is ever more advanced.
func logAdvance(_, _ *types.LogEntry) int { return 0 }

func pipelineAdvance(cur, next *types.Pipeline) int {
	switch {
	case next.UpdatedAt.After(cur.UpdatedAt):
		return 1
	case next.UpdatedAt.Before(cur.UpdatedAt):
		return -1
	}
	return 0
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
