package telemetry

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "pipewatch"

// Metrics is the set of instruments shared by the feed, reconciler,
// recompute and insight components.
type Metrics struct {
	EventsApplied    *prometheus.CounterVec
	EventsMalformed  *prometheus.CounterVec
	FeedReconnects   *prometheus.CounterVec
	FeedConnected    *prometheus.GaugeVec
	Refetches        *prometheus.CounterVec
	Optimistic       *prometheus.CounterVec
	CollectionSize   *prometheus.GaugeVec
	Recomputes       prometheus.Counter
	RecomputeSeconds prometheus.Histogram
	InsightsActive   *prometheus.GaugeVec
	Webhooks         *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
// It panics on duplicate registration, like promauto.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "events_total",
			Help: "Change events processed by the reconciler by table, kind and outcome (applied, noop, stale).",
		}, []string{"table", "kind", "outcome"}),
		EventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "malformed_events_total",
			Help: "Change events dropped because the payload failed validation.",
		}, []string{"table"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Transport disconnects followed by a resubscribe attempt.",
		}, []string{"table"}),
		FeedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "connected",
			Help: "1 while the change-feed subscription for a table is live.",
		}, []string{"table"}),
		Refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "refetches_total",
			Help: "Full collection refetches by reason (initial, disconnect, resubscribe) and outcome.",
		}, []string{"table", "reason", "outcome"}),
		Optimistic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "optimistic_total",
			Help: "Optimistic inserts by outcome (inserted, confirmed, unconfirmed, discarded).",
		}, []string{"outcome"}),
		CollectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "collection_size",
			Help: "Entries in the published snapshot per collection.",
		}, []string{"table"}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recompute", Name: "runs_total",
			Help: "Risk and insight recompute cycles.",
		}),
		RecomputeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "recompute", Name: "duration_seconds",
			Help:    "Wall time of one recompute cycle.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		InsightsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "insights", Name: "active",
			Help: "Undismissed insights by type.",
		}, []string{"type"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "insights", Name: "webhook_deliveries_total",
			Help: "Insight webhook deliveries by target type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(
		m.EventsApplied, m.EventsMalformed, m.FeedReconnects, m.FeedConnected,
		m.Refetches, m.Optimistic, m.CollectionSize, m.Recomputes,
		m.RecomputeSeconds, m.InsightsActive, m.Webhooks,
	)
	return m
}

// --- nil-safe recorders -----------------------------------------------------

func (m *Metrics) EventApplied(table, kind, outcome string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(table, kind, outcome).Inc()
}

func (m *Metrics) Malformed(table string) {
	if m == nil {
		return
	}
	m.EventsMalformed.WithLabelValues(table).Inc()
}

func (m *Metrics) Reconnect(table string) {
	if m == nil {
		return
	}
	m.FeedReconnects.WithLabelValues(table).Inc()
}

func (m *Metrics) Connected(table string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.FeedConnected.WithLabelValues(table).Set(v)
}

func (m *Metrics) Refetch(table, reason string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Refetches.WithLabelValues(table, reason, outcome).Inc()
}

func (m *Metrics) OptimisticOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Optimistic.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sizes(sizes map[string]int) {
	if m == nil {
		return
	}
	for table, n := range sizes {
		m.CollectionSize.WithLabelValues(table).Set(float64(n))
	}
}

func (m *Metrics) Recomputed(d time.Duration) {
	if m == nil {
		return
	}
	m.Recomputes.Inc()
	m.RecomputeSeconds.Observe(d.Seconds())
}

func (m *Metrics) ActiveInsights(byType map[string]int) {
	if m == nil {
		return
	}
	m.InsightsActive.Reset()
	for typ, n := range byType {
		m.InsightsActive.WithLabelValues(typ).Set(float64(n))
	}
}

func (m *Metrics) Webhook(typ string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Webhooks.WithLabelValues(typ, outcome).Inc()
}

// Summarize gathers g and returns one total per pipewatch metric family,
// keyed by the family name without the namespace prefix.
func Summarize(g prometheus.Gatherer) (map[string]float64, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		out[strings.TrimPrefix(name, namespace+"_")] = sumFamily(mf)
	}
	return out, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Histograms contribute their sample count. Returns 0 if mf is nil.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Histogram != nil:
			total += float64(m.Histogram.GetSampleCount())
		}
	}
	return total
}
