package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/reconcile"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
)

const (
	defaultPageSize   = 500
	defaultMaxRefetch = 10000
)

// Subscription names the watched table and an optional equality filter.
type Subscription struct {
	Table  types.Table   `json:"table"`
	Filter *types.Filter `json:"filter,omitempty"`
}

func (s Subscription) String() string {
	if s.Filter == nil {
		return string(s.Table)
	}
	return fmt.Sprintf("%s[%s=%s]", s.Table, s.Filter.Column, s.Filter.Value)
}

// Transport opens change-feed streams.
type Transport interface {
	Subscribe(ctx context.Context, sub Subscription) (Stream, error)
}

// Stream delivers raw wire events until it fails or is closed.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Fetcher reads one page of a table, newest first.
type Fetcher interface {
	FetchPage(ctx context.Context, q types.Query) ([]types.Record, error)
}

// Sink receives decoded events and refetch results. *reconcile.Reconciler
// implements it.
type Sink interface {
	ApplyServerEvent(ctx context.Context, ch types.Change) error
	Resync(ctx context.Context, rs reconcile.Resync) error
}

// Options tunes a Subscriber. Zero values select the defaults.
type Options struct {
	PageSize   int // rows per FetchPage call
	MaxRefetch int // cap on rows fetched by one refetch
	Backoff    Backoff
	Metrics    *telemetry.Metrics
}

// State is the lifecycle position of a Subscriber.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is a point-in-time report of a Subscriber for health endpoints.
type Status struct {
	Subscription string    `json:"subscription"`
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	Reconnects   int       `json:"reconnects"`
	Malformed    int       `json:"malformed"`
	LastError    string    `json:"last_error,omitempty"`
}

// Subscriber keeps one subscription alive and feeds a Sink.
type Subscriber struct {
	transport Transport
	fetcher   Fetcher
	sink      Sink
	sub       Subscription
	opts      Options

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
	now   func() time.Time

	mu     sync.Mutex
	status Status
}

// New creates a Subscriber. Nothing happens until Start.
func New(t Transport, f Fetcher, sink Sink, sub Subscription, opts Options) *Subscriber {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxRefetch <= 0 {
		opts.MaxRefetch = defaultMaxRefetch
	}
	opts.Backoff = opts.Backoff.withDefaults()
	return &Subscriber{
		transport: t,
		fetcher:   f,
		sink:      sink,
		sub:       sub,
		opts:      opts,
		sleep:     sleep,
		now:       time.Now,
		status:    Status{Subscription: sub.String(), State: StateIdle},
	}
}

// Handle controls a started subscription.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Close cancels the subscription and waits until the stream is released.
func (h *Handle) Close() {
	h.cancel()
	<-h.done
}

// Done is closed when the subscription goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error after Done is closed. It is nil when the
// subscription ended by cancellation.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Start launches the subscription goroutine. It runs until ctx is cancelled,
// Close is called, or the sink stops accepting events.
func (s *Subscriber) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.err = s.run(ctx)
		s.setState(StateClosed, h.err)
	}()
	return h
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

// Status returns a copy of the subscriber's health report.
func (s *Subscriber) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Subscriber) run(ctx context.Context) error {
	bo := newBackoff(s.opts.Backoff)
	table := string(s.sub.Table)
	reason := "initial"
	s.setState(StateConnecting, nil)

	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := s.transport.Subscribe(ctx, s.sub)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.next()
			s.setError(err)
			slog.Warn("feed: subscribe failed, will retry",
				"subscription", s.sub, "err", err, "retry_in", wait)
			if s.sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}
		bo.reset()

		if err := s.refetch(ctx, reason); err != nil {
			if ctx.Err() != nil {
				stream.Close()
				return nil
			}
			if isFatal(err) {
				stream.Close()
				return err
			}
			// Storage is down; the stream still delivers increments on top
			// of the last good snapshot.
			s.setError(err)
			slog.Error("feed: refetch failed", "subscription", s.sub, "reason", reason, "err", err)
		}

		s.setState(StateLive, nil)
		s.opts.Metrics.Connected(table, true)
		slog.Info("feed: subscribed", "subscription", s.sub)

		err = s.consume(ctx, stream)
		stream.Close()
		s.opts.Metrics.Connected(table, false)
		if ctx.Err() != nil {
			return nil
		}
		if isFatal(err) {
			return err
		}

		s.opts.Metrics.Reconnect(table)
		s.setState(StateReconnecting, err)
		s.bumpReconnects()
		slog.Warn("feed: stream lost, refetching", "subscription", s.sub, "err", err)

		if err := s.refetch(ctx, "disconnect"); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return err
			}
			s.setError(err)
			slog.Error("feed: refetch failed", "subscription", s.sub, "reason", "disconnect", "err", err)
		}

		wait := bo.next()
		slog.Info("feed: resubscribing", "subscription", s.sub, "retry_in", wait)
		if s.sleep(ctx, wait) != nil {
			return nil
		}
		reason = "resubscribe"
	}
}

// consume applies events until the stream fails or ctx is done.
func (s *Subscriber) consume(ctx context.Context, stream Stream) error {
	for {
		data, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var te *TransportError
			if errors.As(err, &te) {
				return err
			}
			return &TransportError{Op: "recv", Err: err}
		}

		ch, err := Decode(data)
		if err == nil && ch.Record.Table != s.sub.Table {
			err = &MalformedEventError{Table: string(ch.Record.Table), Reason: "table does not match subscription"}
		}
		if err != nil {
			s.opts.Metrics.Malformed(string(s.sub.Table))
			s.bumpMalformed()
			slog.Warn("feed: dropping malformed event", "subscription", s.sub, "err", err)
			continue
		}
		// Deletes may carry only the id, so the filter cannot be checked.
		if ch.Kind != types.ChangeDelete && !ch.Record.Matches(s.sub.Filter) {
			continue
		}

		if err := s.sink.ApplyServerEvent(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &sinkError{fmt.Errorf("feed: apply event: %w", err)}
		}
	}
}

// refetch pages through the table, newest first, and hands the rows to the
// sink as one resync. Pages are chained by cursor so rows deleted or inserted
// while paging never shift a surviving row out of the fetch.
func (s *Subscriber) refetch(ctx context.Context, reason string) error {
	var (
		recs     []types.Record
		complete bool
		after    *types.Cursor
	)
	for len(recs) < s.opts.MaxRefetch {
		limit := min(s.opts.PageSize, s.opts.MaxRefetch-len(recs))
		page, err := s.fetcher.FetchPage(ctx, types.Query{
			Table:  s.sub.Table,
			Filter: s.sub.Filter,
			Limit:  limit,
			After:  after,
		})
		if err != nil {
			s.opts.Metrics.Refetch(string(s.sub.Table), reason, err)
			return fmt.Errorf("feed: refetch %s: %w", s.sub, err)
		}
		recs = append(recs, page...)
		if len(page) < limit {
			complete = true
			break
		}
		after = types.CursorOf(page[len(page)-1])
	}

	err := s.sink.Resync(ctx, reconcile.Resync{
		Table:    s.sub.Table,
		Filter:   s.sub.Filter,
		Records:  recs,
		Complete: complete,
	})
	if err != nil {
		err = &sinkError{fmt.Errorf("feed: resync %s: %w", s.sub, err)}
	}
	s.opts.Metrics.Refetch(string(s.sub.Table), reason, err)
	if err == nil {
		slog.Debug("feed: refetched", "subscription", s.sub, "reason", reason, "rows", len(recs), "complete", complete)
	}
	return err
}

// sinkError marks failures of the sink, which no retry can fix.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// isFatal reports whether err ends the subscription: the sink is gone or
// rejected the data, as opposed to a transport or storage hiccup.
func isFatal(err error) bool {
	var se *sinkError
	return errors.As(err, &se)
}

func (s *Subscriber) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != st {
		s.status.State = st
		s.status.Since = s.now()
	}
	if err != nil {
		s.status.LastError = err.Error()
	}
}

func (s *Subscriber) setError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Subscriber) bumpReconnects() {
	s.mu.Lock()
	s.status.Reconnects++
	s.mu.Unlock()
}

func (s *Subscriber) bumpMalformed() {
	s.mu.Lock()
	s.status.Malformed++
	s.mu.Unlock()
}
