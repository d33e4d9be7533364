package insights

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
)

var now0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu  sync.Mutex
	got []types.Insight
}

func (r *recordingNotifier) Notify(in types.Insight) {
	r.mu.Lock()
	r.got = append(r.got, in)
	r.mu.Unlock()
}

func highRisk(id string) map[string]types.RiskProfile {
	return map[string]types.RiskProfile{id: profile(id, 10, 5, 5, 120, 4)}
}

func mediumRisk(id string) map[string]types.RiskProfile {
	return map[string]types.RiskProfile{id: profile(id, 10, 2, 2, 240, 0)}
}

func prediction(t *testing.T, ins []types.Insight) types.Insight {
	t.Helper()
	got := byType(ins, types.InsightPrediction)
	require.Len(t, got, 1)
	return got[0]
}

func TestRegenerationUpdatesInPlace(t *testing.T) {
	g := New(DefaultPolicy(), nil)

	first := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))
	worse := map[string]types.RiskProfile{"p1": profile("p1", 10, 6, 5, 200, 4)}
	second := prediction(t, g.Generate(worse, compute.Overview{}, now0.Add(time.Minute)))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, now0, second.CreatedAt)
	assert.Greater(t, second.Confidence, first.Confidence)
	assert.Len(t, g.Active(), 1)
}

func TestClearedConditionDisappears(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	g.Generate(highRisk("p1"), compute.Overview{}, now0)
	out := g.Generate(map[string]types.RiskProfile{}, compute.Overview{}, now0.Add(time.Minute))
	assert.Empty(t, out)
	assert.Equal(t, now0.Add(time.Minute), g.GeneratedAt())
}

func TestDismissCooldown(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	in := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))

	_, err := g.Dismiss(in.ID, now0)
	require.NoError(t, err)
	assert.Empty(t, g.Active())

	// Same condition inside the cool-down stays suppressed.
	out := g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(23*time.Hour))
	assert.Empty(t, byType(out, types.InsightPrediction))

	// After the cool-down it comes back as a new insight.
	out = g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(24*time.Hour))
	back := prediction(t, out)
	assert.NotEqual(t, in.ID, back.ID)
	assert.Equal(t, now0.Add(24*time.Hour), back.CreatedAt)
}

func TestDismissMarksInsight(t *testing.T) {
	store := NewMemoryStore()
	g := New(DefaultPolicy(), store)
	in := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))
	assert.False(t, in.Dismissed)

	got, err := g.Dismiss(in.ID, now0)
	require.NoError(t, err)
	assert.True(t, got.Dismissed)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Key(), got.Key())

	at, ok, err := store.Get(in.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now0, at)

	for _, a := range g.Active() {
		assert.NotEqual(t, in.ID, a.ID)
		assert.False(t, a.Dismissed)
	}
	_, err = g.Dismiss(in.ID, now0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDismissedReappearsOnSignatureChange(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	in := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))
	_, err := g.Dismiss(in.ID, now0)
	require.NoError(t, err)

	out := g.Generate(mediumRisk("p1"), compute.Overview{}, now0.Add(time.Hour))
	med := prediction(t, out)
	assert.Equal(t, types.SeverityMedium, med.Severity)

	// Moving back to the dismissed bucket inside the cool-down stays quiet.
	out = g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(2*time.Hour))
	assert.Empty(t, byType(out, types.InsightPrediction))
}

func TestZeroCooldownSuppressesUntilSignatureChanges(t *testing.T) {
	p := DefaultPolicy()
	p.DismissCooldown = 0
	g := New(p, nil)
	in := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))
	_, err := g.Dismiss(in.ID, now0)
	require.NoError(t, err)

	out := g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(365*24*time.Hour))
	assert.Empty(t, byType(out, types.InsightPrediction))
}

func TestDismissUnknown(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	_, err := g.Dismiss("nope", now0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDismissOnlyAffectsOnePipeline(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	profiles := map[string]types.RiskProfile{
		"p1": profile("p1", 10, 5, 5, 120, 4),
		"p2": profile("p2", 10, 5, 5, 120, 4),
	}
	out := g.Generate(profiles, compute.Overview{}, now0)
	require.Len(t, out, 2)
	_, err := g.Dismiss(out[0].ID, now0)
	require.NoError(t, err)

	out = g.Generate(profiles, compute.Overview{}, now0.Add(time.Minute))
	require.Len(t, out, 1)
}

func TestNotifierSeesOnlyNewlyRaised(t *testing.T) {
	n := &recordingNotifier{}
	g := New(DefaultPolicy(), nil, WithNotifier(n))

	g.Generate(highRisk("p1"), compute.Overview{}, now0)
	g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(time.Minute))
	g.Generate(mediumRisk("p1"), compute.Overview{}, now0.Add(2*time.Minute))

	require.Len(t, n.got, 2)
	assert.Equal(t, types.SeverityHigh, n.got[0].Severity)
	assert.Equal(t, types.SeverityMedium, n.got[1].Severity)
}

func TestOrderingMostSevereFirst(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	profiles := map[string]types.RiskProfile{
		"calm":  profile("calm", 20, 0, 0, 30, 1),
		"risky": profile("risky", 10, 5, 5, 400, 9),
	}
	day := compute.Stats{Count: 30, Completed: 20, Failed: 10}
	out := g.Generate(profiles, compute.Overview{LastDay: day}, now0)

	require.NotEmpty(t, out)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Severity.Rank(), out[i].Severity.Rank())
	}
	assert.Equal(t, types.SeverityHigh, out[0].Severity)
	assert.Equal(t, types.SeverityInfo, out[len(out)-1].Severity)
}

func TestSetPolicy(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	profiles := map[string]types.RiskProfile{"p": profile("p", 3, 0, 0, 200, 1)}
	assert.Empty(t, byType(g.Generate(profiles, compute.Overview{}, now0), types.InsightPerformance))

	p := DefaultPolicy()
	p.LongRunningSeconds = 100
	g.SetPolicy(p)
	assert.Equal(t, 100.0, g.Policy().LongRunningSeconds)
	assert.Len(t, byType(g.Generate(profiles, compute.Overview{}, now0), types.InsightPerformance), 1)
}
