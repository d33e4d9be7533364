package reconcile

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// LocalIDPrefix marks ids assigned to optimistic entries.
const LocalIDPrefix = "local-"

// Ticket tracks one optimistic insert until it is confirmed, times out,
// is discarded or the reconciler stops.
type Ticket struct {
	LocalID        string
	CorrelationKey string

	once   sync.Once
	done   chan struct{}
	result *types.Execution
	err    error
}

func newTicket(localID, key string) *Ticket {
	return &Ticket{LocalID: localID, CorrelationKey: key, done: make(chan struct{})}
}

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the confirmed server execution, or the error that resolved
// the ticket. It is only meaningful after Done is closed.
func (t *Ticket) Result() (*types.Execution, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, nil
	}
}

// Wait blocks until the ticket resolves or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (*types.Execution, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) resolve(e *types.Execution, err error) {
	t.once.Do(func() {
		t.result, t.err = e, err
		close(t.done)
	})
}

// optimistic is the writer-side bookkeeping of one local insert.
type optimistic struct {
	key    string
	ticket *Ticket
	timer  *time.Timer
}

func (p *optimistic) stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// ApplyOptimisticInsert places a copy of e in the executions collection
// immediately, under a fresh local id and in the pending-confirmation state.
// A server insert whose trigger carries the same correlation key, or an
// explicit ConfirmOptimistic, replaces it. An empty correlationKey defaults
// to the local id.
func (r *Reconciler) ApplyOptimisticInsert(ctx context.Context, e *types.Execution, correlationKey string) (*Ticket, error) {
	localID := LocalIDPrefix + uuid.NewString()
	if correlationKey == "" {
		correlationKey = localID
	}
	local := cloneExecution(e)
	local.ID = localID
	if local.Trigger == nil {
		local.Trigger = make(map[string]string, 1)
	}
	local.Trigger[types.CorrelationKeyField] = correlationKey
	if local.Status == "" {
		local.Status = types.StatusPending
	}

	t := newTicket(localID, correlationKey)
	err := r.submit(ctx, func(now time.Time) {
		if local.CreatedAt.IsZero() {
			local.CreatedAt = now
		}
		if local.UpdatedAt.IsZero() {
			local.UpdatedAt = now
		}
		if prev, ok := r.byKey[correlationKey]; ok {
			slog.Warn("reconcile: correlation key reused, replacing earlier optimistic insert",
				"key", correlationKey, "previous", prev)
			r.dropOptimistic(prev, ErrDiscarded)
		}
		r.execs.put(localID, Entry[*types.Execution]{Value: local, LocalID: localID, Sync: SyncPending})
		p := &optimistic{key: correlationKey, ticket: t}
		p.timer = time.AfterFunc(r.opts.ConfirmTimeout, func() {
			// Runs off the writer; hand the timeout back to it.
			_ = r.submit(context.Background(), func(time.Time) { r.expire(localID) })
		})
		r.pending[localID] = p
		r.byKey[correlationKey] = localID
		r.opts.Metrics.OptimisticOutcome("inserted")
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ConfirmOptimistic replaces the optimistic entry localID with the server
// execution. The server execution is applied even when localID is unknown,
// in which case ErrUnknownLocalID is returned.
func (r *Reconciler) ConfirmOptimistic(ctx context.Context, localID string, server *types.Execution) error {
	if err := checkRecord(executionRecord(server)); err != nil {
		return err
	}
	return r.call(ctx, func(time.Time) error {
		if _, ok := r.pending[localID]; ok {
			r.confirm(localID, server)
			return nil
		}
		r.execs.insert(server)
		return ErrUnknownLocalID
	})
}

// Discard removes an optimistic entry, typically one that failed
// confirmation. A still-pending ticket resolves with ErrDiscarded.
func (r *Reconciler) Discard(ctx context.Context, localID string) error {
	return r.call(ctx, func(time.Time) error {
		if !r.dropOptimistic(localID, ErrDiscarded) {
			return ErrUnknownLocalID
		}
		r.opts.Metrics.OptimisticOutcome("discarded")
		return nil
	})
}

// matchOptimistic confirms the optimistic insert sharing e's correlation key,
// if any, and reports whether it did.
func (r *Reconciler) matchOptimistic(e *types.Execution) bool {
	key := e.CorrelationKey()
	if key == "" {
		return false
	}
	localID, ok := r.byKey[key]
	if !ok {
		return false
	}
	r.confirm(localID, e)
	return true
}

// confirm swaps the local entry for the server row within the current batch,
// so no snapshot ever holds both.
func (r *Reconciler) confirm(localID string, server *types.Execution) {
	p := r.pending[localID]
	late := false
	if e, ok := r.execs.get(localID); ok && e.Sync == SyncFailed {
		late = true
	}
	r.execs.remove(localID)
	r.execs.insert(server)
	p.stop()
	delete(r.pending, localID)
	delete(r.byKey, p.key)
	p.ticket.resolve(server, nil)
	r.opts.Metrics.OptimisticOutcome("confirmed")
	if late {
		slog.Info("reconcile: late confirmation of optimistic insert", "local_id", localID, "id", server.ID)
	}
}

// expire moves a still-pending entry to failed-unconfirmed. It is a no-op if
// the entry was confirmed or discarded in the meantime.
func (r *Reconciler) expire(localID string) {
	p, ok := r.pending[localID]
	if !ok {
		return
	}
	e, ok := r.execs.get(localID)
	if !ok || e.Sync != SyncPending {
		return
	}
	p.timer = nil
	e.Sync = SyncFailed
	r.execs.put(localID, e)
	err := &ConfirmationTimeoutError{LocalID: localID, CorrelationKey: p.key, Timeout: r.opts.ConfirmTimeout}
	p.ticket.resolve(nil, err)
	r.opts.Metrics.OptimisticOutcome("unconfirmed")
	slog.Warn("reconcile: optimistic insert unconfirmed", "local_id", localID, "key", p.key, "timeout", r.opts.ConfirmTimeout)
}

func (r *Reconciler) dropOptimistic(localID string, reason error) bool {
	p, ok := r.pending[localID]
	if !ok {
		return false
	}
	p.stop()
	r.execs.remove(localID)
	delete(r.pending, localID)
	delete(r.byKey, p.key)
	p.ticket.resolve(nil, reason)
	return true
}

func cloneExecution(e *types.Execution) *types.Execution {
	c := *e
	c.Trigger = maps.Clone(e.Trigger)
	c.Stages = slices.Clone(e.Stages)
	return &c
}
