package recompute

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
	"github.com/pipewatch/pipewatch/server/internal/insights"
	"github.com/pipewatch/pipewatch/server/internal/reconcile"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
)

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultRefresh  = time.Minute
)

// Source is the read side of the reconciler.
type Source interface {
	Snapshot() *reconcile.Snapshot
	Subscribe() (<-chan uint64, func())
}

// Result is one consistent set of derived data. It is immutable once
// published.
type Result struct {
	Seq         uint64                       `json:"seq"`
	Profiles    map[string]types.RiskProfile `json:"profiles"`
	Overview    compute.Overview             `json:"overview"`
	Insights    []types.Insight              `json:"insights"`
	GeneratedAt time.Time                    `json:"generated_at"`

	// ScoringErrors counts pipelines whose profile was built from
	// incomplete input (no executions or unknown pipeline).
	ScoringErrors int `json:"scoring_errors"`
}

// Options tunes a Scheduler. Zero values take the defaults.
type Options struct {
	Debounce time.Duration
	Refresh  time.Duration
	Metrics  *telemetry.Metrics

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Scheduler runs recomputes on behalf of the API and the websocket hub.
type Scheduler struct {
	src  Source
	gen  *insights.Generator
	opts Options

	latest atomic.Pointer[Result]
	runMu  sync.Mutex // serialises recompute runs

	lmu       sync.RWMutex
	listeners []func(*Result)
}

// New creates a Scheduler reading from src and feeding gen.
func New(src Source, gen *insights.Generator, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{src: src, gen: gen, opts: opts}
	s.latest.Store(&Result{Profiles: map[string]types.RiskProfile{}, Insights: []types.Insight{}})
	return s
}

// OnResult registers fn to be called after every recompute. fn runs on the
// scheduler goroutine and must not block.
func (s *Scheduler) OnResult(fn func(*Result)) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

// Latest returns the most recent result. It never returns nil.
func (s *Scheduler) Latest() *Result {
	return s.latest.Load()
}

// Run recomputes once, then on coalesced snapshot notifications and on every
// refresh tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	notes, cancel := s.src.Subscribe()
	defer cancel()

	refresh := time.NewTicker(s.opts.Refresh)
	defer refresh.Stop()

	s.Recompute()

	var window *time.Timer
	var fire <-chan time.Time
	defer func() {
		if window != nil {
			window.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notes:
			if !ok {
				return
			}
			if fire == nil {
				window = time.NewTimer(s.opts.Debounce)
				fire = window.C
			}
		case <-fire:
			fire = nil
			s.Recompute()
		case <-refresh.C:
			s.Recompute()
		}
	}
}

// Recompute derives a new Result from the current snapshot and publishes it.
func (s *Scheduler) Recompute() *Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	now := s.opts.Now()
	snap := s.src.Snapshot()
	execs := snap.ConfirmedExecutions()

	profiles, errs := compute.Profiles(execs, snap.PipelineMap(), now)
	if len(errs) > 0 {
		slog.Debug("recompute: incomplete scoring input", "pipelines", len(errs), "first", errs[0])
	}
	overview := compute.BuildOverview(execs, now)
	active := s.gen.Generate(profiles, overview, now)

	res := &Result{
		Seq:           snap.Seq,
		Profiles:      profiles,
		Overview:      overview,
		Insights:      active,
		GeneratedAt:   now,
		ScoringErrors: len(errs),
	}
	s.latest.Store(res)
	s.opts.Metrics.Recomputed(time.Since(start))

	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()
	for _, fn := range listeners {
		fn(res)
	}
	return res
}

// Republish refreshes the insight list of the latest result from the
// generator, e.g. after a dismissal, without rescoring.
func (s *Scheduler) Republish() *Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	cur := *s.latest.Load()
	cur.Insights = s.gen.Active()
	res := &cur
	s.latest.Store(res)

	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()
	for _, fn := range listeners {
		fn(res)
	}
	return res
}
