package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
)

const (
	defaultConfirmTimeout = 30 * time.Second
	defaultQueueSize      = 1024
	defaultPruneInterval  = time.Minute
)

// Options configures a Reconciler. Zero values select the defaults.
type Options struct {
	// ConfirmTimeout bounds how long an optimistic insert waits for its
	// server row before it is marked failed-unconfirmed.
	ConfirmTimeout time.Duration
	// LogRetention drops logs older than now minus the retention. 0 keeps all.
	LogRetention time.Duration
	// MaxLogs caps the log collection, oldest first. 0 is unlimited.
	MaxLogs int
	// PruneInterval is the retention tick. Ignored when no retention is set.
	PruneInterval time.Duration
	// QueueSize bounds the writer channel.
	QueueSize int

	Metrics *telemetry.Metrics
}

// op is one unit of work executed on the writer goroutine.
type op func(now time.Time)

// Reconciler owns the merged state of the executions, logs and pipelines
// tables. Create it with New and start the writer with Run.
type Reconciler struct {
	opts    Options
	ops     chan op
	stopped chan struct{}
	snap    atomic.Pointer[Snapshot]
	now     func() time.Time // injectable for deterministic tests

	// Owned by the writer goroutine.
	execs   *collection[*types.Execution]
	logs    *collection[*types.LogEntry]
	pipes   *collection[*types.Pipeline]
	pending map[string]*optimistic // local id -> optimistic insert
	byKey   map[string]string      // correlation key -> local id
	seq     uint64

	subMu   sync.Mutex
	subs    map[int]chan uint64
	nextSub int
}

// New creates a Reconciler. Operations submitted before Run starts are
// buffered up to Options.QueueSize.
func New(opts Options) *Reconciler {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	r := &Reconciler{
		opts:    opts,
		ops:     make(chan op, opts.QueueSize),
		stopped: make(chan struct{}),
		now:     time.Now,
		execs:   newCollection(types.TableExecutions, executionRecord, executionAdvance),
		logs:    newCollection(types.TableLogs, logRecord, logAdvance),
		pipes:   newCollection(types.TablePipelines, pipelineRecord, pipelineAdvance),
		pending: make(map[string]*optimistic),
		byKey:   make(map[string]string),
		subs:    make(map[int]chan uint64),
	}
	r.snap.Store(emptySnapshot())
	return r
}

// Snapshot returns the latest published snapshot. It never blocks and never
// returns nil.
func (r *Reconciler) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Subscribe returns a channel that receives the sequence number of each
// newly published snapshot. Notifications coalesce: a slow reader only sees
// the latest sequence. cancel unregisters and closes the channel.
func (r *Reconciler) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			close(ch)
			r.subMu.Unlock()
		})
	}
}

// Run executes submitted operations until ctx is cancelled. After each batch
// it publishes at most one snapshot. Pending optimistic tickets are resolved
// with ErrStopped on exit.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.stopped)

	var tick <-chan time.Time
	if r.opts.LogRetention > 0 || r.opts.MaxLogs > 0 {
		t := time.NewTicker(r.opts.PruneInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case fn := <-r.ops:
			now := r.now()
			fn(now)
			// Drain what is already queued so a burst becomes one snapshot.
			for n := len(r.ops); n > 0; n-- {
				fn = <-r.ops
				fn(now)
			}
			r.publish(now)
		case now := <-tick:
			if n := r.prune(now); n > 0 {
				slog.Debug("reconcile: pruned logs", "count", n)
				r.publish(now)
			}
		}
	}
}

// submit queues fn for the writer. It blocks while the queue is full.
func (r *Reconciler) submit(ctx context.Context, fn op) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	select {
	case r.ops <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
}

// call queues fn and waits until the writer has run it and published any
// resulting snapshot.
func (r *Reconciler) call(ctx context.Context, fn func(now time.Time) error) error {
	errc := make(chan error, 1)
	err := r.submit(ctx, func(now time.Time) {
		err := fn(now)
		r.publish(now)
		errc <- err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		// The op may have run just before shutdown.
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// Sync waits until every operation submitted before it has been applied and
// published.
func (r *Reconciler) Sync(ctx context.Context) error {
	return r.call(ctx, func(time.Time) error { return nil })
}

// ApplyServerEvent queues one change-feed event.
func (r *Reconciler) ApplyServerEvent(ctx context.Context, ch types.Change) error {
	if err := checkRecord(ch.Record); err != nil {
		return err
	}
	return r.submit(ctx, func(time.Time) {
		r.applyChange(ch)
	})
}

// Resync describes the result of a full refetch of one table.
type Resync struct {
	Table  types.Table
	Filter *types.Filter
	// Records holds the fetched rows, newest first.
	Records []types.Record
	// Complete is true when the fetch reached the end of the collection.
	// Otherwise only entries no older than the oldest fetched row are
	// considered for deletion.
	Complete bool
}

// Resync upserts the fetched records and deletes confirmed entries matching
// the filter that the fetch no longer returned. Optimistic entries are kept.
func (r *Reconciler) Resync(ctx context.Context, rs Resync) error {
	if !rs.Table.Valid() {
		return fmt.Errorf("reconcile: resync: unknown table %q", rs.Table)
	}
	for _, rec := range rs.Records {
		if rec.Table != rs.Table {
			return fmt.Errorf("reconcile: resync %s: record of table %q", rs.Table, rec.Table)
		}
		if err := checkRecord(rec); err != nil {
			return err
		}
	}
	return r.submit(ctx, func(time.Time) {
		r.applyResync(rs)
	})
}

func checkRecord(rec types.Record) error {
	if !rec.Table.Valid() {
		return fmt.Errorf("reconcile: unknown table %q", rec.Table)
	}
	ok := false
	switch rec.Table {
	case types.TableExecutions:
		ok = rec.Execution != nil
	case types.TableLogs:
		ok = rec.Log != nil
	case types.TablePipelines:
		ok = rec.Pipeline != nil
	}
	if !ok || rec.ID() == "" {
		return fmt.Errorf("reconcile: %s record without payload or id", rec.Table)
	}
	return nil
}

// --- writer-side ------------------------------------------------------------

func (r *Reconciler) applyChange(ch types.Change) {
	rec := ch.Record
	var res outcome
	switch rec.Table {
	case types.TableExecutions:
		switch ch.Kind {
		case types.ChangeDelete:
			res = r.execs.remove(rec.ID())
		case types.ChangeInsert, types.ChangeUpdate:
			if r.matchOptimistic(rec.Execution) {
				res = applied
			} else if ch.Kind == types.ChangeInsert {
				res = r.execs.insert(rec.Execution)
			} else {
				res = r.execs.update(rec.Execution)
			}
		}
	case types.TableLogs:
		res = applyKind(r.logs, ch.Kind, rec.ID(), rec.Log)
	case types.TablePipelines:
		res = applyKind(r.pipes, ch.Kind, rec.ID(), rec.Pipeline)
	}
	if res == "" {
		slog.Warn("reconcile: ignoring change with unknown kind", "table", rec.Table, "kind", ch.Kind)
		return
	}
	if res == stale {
		slog.Debug("reconcile: dropped stale change", "table", rec.Table, "kind", ch.Kind, "id", rec.ID())
	}
	r.opts.Metrics.EventApplied(string(rec.Table), string(ch.Kind), string(res))
}

func applyKind[T any](c *collection[T], kind types.ChangeKind, id string, v T) outcome {
	switch kind {
	case types.ChangeInsert:
		return c.insert(v)
	case types.ChangeUpdate:
		return c.update(v)
	case types.ChangeDelete:
		return c.remove(id)
	}
	return ""
}

func (r *Reconciler) applyResync(rs Resync) {
	seen := make(map[string]bool, len(rs.Records))
	var oldest time.Time
	for i, rec := range rs.Records {
		seen[rec.ID()] = true
		if c := rec.CreatedAt(); i == 0 || c.Before(oldest) {
			oldest = c
		}
		switch rs.Table {
		case types.TableExecutions:
			if !r.matchOptimistic(rec.Execution) {
				r.execs.insert(rec.Execution)
			}
		case types.TableLogs:
			r.logs.insert(rec.Log)
		case types.TablePipelines:
			r.pipes.insert(rec.Pipeline)
		}
	}

	if !rs.Complete && len(rs.Records) == 0 {
		return
	}
	var removed int
	switch rs.Table {
	case types.TableExecutions:
		removed = removeMissing(r.execs, rs, seen, oldest)
	case types.TableLogs:
		removed = removeMissing(r.logs, rs, seen, oldest)
	case types.TablePipelines:
		removed = removeMissing(r.pipes, rs, seen, oldest)
	}
	if removed > 0 {
		slog.Info("reconcile: resync removed vanished rows", "table", rs.Table, "count", removed)
	}
}

func removeMissing[T any](c *collection[T], rs Resync, seen map[string]bool, oldest time.Time) int {
	return c.removeWhere(func(id string, e Entry[T]) bool {
		if e.Sync != SyncConfirmed || seen[id] {
			return false
		}
		rec := c.record(e.Value)
		if !rec.Matches(rs.Filter) {
			return false
		}
		return rs.Complete || !rec.CreatedAt().Before(oldest)
	})
}

// prune applies log retention and returns the number of logs removed.
func (r *Reconciler) prune(now time.Time) int {
	n := 0
	if r.opts.LogRetention > 0 {
		cutoff := now.Add(-r.opts.LogRetention)
		n += r.logs.removeWhere(func(_ string, e Entry[*types.LogEntry]) bool {
			return e.Value.CreatedAt.Before(cutoff)
		})
	}
	if limit := r.opts.MaxLogs; limit > 0 && r.logs.len() > limit {
		for _, e := range r.logs.list()[limit:] {
			r.logs.remove(e.Value.ID)
			n++
		}
	}
	return n
}

// publish stores a new snapshot when any collection changed since the last
// one and notifies subscribers.
func (r *Reconciler) publish(now time.Time) {
	if !r.execs.dirty && !r.logs.dirty && !r.pipes.dirty {
		return
	}
	r.seq++
	s := &Snapshot{
		Seq:         r.seq,
		PublishedAt: now,
		Executions:  r.execs.list(),
		Logs:        r.logs.list(),
		Pipelines:   r.pipes.list(),
	}
	r.snap.Store(s)
	r.opts.Metrics.Sizes(map[string]int{
		string(types.TableExecutions): len(s.Executions),
		string(types.TableLogs):       len(s.Logs),
		string(types.TablePipelines):  len(s.Pipelines),
	})
	r.notify(s.Seq)
}

func (r *Reconciler) notify(seq uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- seq:
		default:
			// Replace the unread notification with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
}

func (r *Reconciler) shutdown() {
	for id, p := range r.pending {
		p.stop()
		p.ticket.resolve(nil, ErrStopped)
		delete(r.pending, id)
	}
}
