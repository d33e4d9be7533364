package telemetry

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventApplied("executions", "insert", "applied")
	m.Malformed("logs")
	m.Reconnect("executions")
	m.Connected("executions", true)
	m.Refetch("executions", "initial", nil)
	m.OptimisticOutcome("confirmed")
	m.Sizes(map[string]int{"executions": 3})
	m.Recomputed(time.Millisecond)
	m.ActiveInsights(map[string]int{"prediction": 1})
	m.Webhook("slack", nil)
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventApplied("executions", "insert", "applied")
	m.EventApplied("executions", "insert", "applied")
	m.EventApplied("executions", "update", "stale")
	m.Connected("executions", true)
	m.Refetch("logs", "disconnect", errors.New("boom"))
	m.Webhook("slack", nil)

	if got := testutil.ToFloat64(m.EventsApplied.WithLabelValues("executions", "insert", "applied")); got != 2 {
		t.Errorf("applied inserts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FeedConnected.WithLabelValues("executions")); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Refetches.WithLabelValues("logs", "disconnect", "error")); got != 1 {
		t.Errorf("refetch errors = %v, want 1", got)
	}

	m.Connected("executions", false)
	if got := testutil.ToFloat64(m.FeedConnected.WithLabelValues("executions")); got != 0 {
		t.Errorf("connected after drop = %v, want 0", got)
	}
}

func TestActiveInsightsResetsStaleTypes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveInsights(map[string]int{"prediction": 2, "performance": 1})
	m.ActiveInsights(map[string]int{"prediction": 1})

	if n := testutil.CollectAndCount(m.InsightsActive); n != 1 {
		t.Errorf("series = %d, want 1 after reset", n)
	}
}

func TestSummarize(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventApplied("executions", "insert", "applied")
	m.EventApplied("logs", "insert", "applied")
	m.Malformed("logs")
	m.Recomputed(2 * time.Millisecond)
	m.Recomputed(3 * time.Millisecond)

	got, err := Summarize(reg)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	cases := map[string]float64{
		"reconcile_events_total":      2,
		"feed_malformed_events_total": 1,
		"recompute_runs_total":        2,
		"recompute_duration_seconds":  2,
	}
	for name, want := range cases {
		if got[name] != want {
			t.Errorf("%s = %v, want %v", name, got[name], want)
		}
	}
}

func TestSummarizeSkipsForeignFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total", Help: "x"})
	reg.MustRegister(other)
	other.Add(5)

	got, err := Summarize(reg)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if _, ok := got["unrelated_total"]; ok {
		t.Error("foreign family should not be summarized")
	}
}

func TestTextExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Reconnect("executions")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	if !strings.Contains(buf.String(), `pipewatch_feed_reconnects_total{table="executions"} 1`) {
		t.Errorf("exposition missing reconnect counter:\n%s", buf.String())
	}
}
