package compute

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// baseTime is a fixed reference point so all test timings are deterministic.
var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) time.Time { return baseTime.Add(-d) }

// exec builds an execution for pipeline p. A positive dur sets started_at and
// completed_at (terminal statuses only).
func exec(id, p string, st types.Status, created time.Time, dur time.Duration) *types.Execution {
	e := &types.Execution{ID: id, PipelineID: p, Status: st, CreatedAt: created}
	if st.Terminal() {
		start := created
		end := created.Add(dur)
		e.StartedAt = &start
		e.CompletedAt = &end
	}
	return e
}

func pipelineWithStages(id string, n int) *types.Pipeline {
	p := &types.Pipeline{ID: id, Name: id, Active: true}
	for i := 0; i < n; i++ {
		p.Stages = append(p.Stages, types.Stage{Name: fmt.Sprintf("s%d", i), Type: "shell", Order: i})
	}
	return p
}

func TestBuildProfile_HighRiskExample(t *testing.T) {
	var execs []*types.Execution
	for i := 0; i < 5; i++ {
		execs = append(execs, exec(fmt.Sprintf("f%d", i), "p1", types.StatusFailed, ago(time.Duration(i+1)*time.Hour), 120*time.Second))
		execs = append(execs, exec(fmt.Sprintf("c%d", i), "p1", types.StatusCompleted, ago(time.Duration(i+1)*time.Hour), 120*time.Second))
	}

	p, err := BuildProfile("p1", pipelineWithStages("p1", 4), execs, baseTime)
	if err != nil {
		t.Fatalf("BuildProfile: unexpected error %v", err)
	}
	if p.TotalExecutions != 10 || p.FailedExecutions != 5 || p.Last7DaysFailures != 5 {
		t.Errorf("counts = %d/%d/%d, want 10/5/5", p.TotalExecutions, p.FailedExecutions, p.Last7DaysFailures)
	}
	if !almostEqual(p.AvgDurationSeconds, 120, 0.001) {
		t.Errorf("AvgDurationSeconds = %.2f, want 120", p.AvgDurationSeconds)
	}
	if !almostEqual(p.RiskScore, 0.84, 0.0001) || p.RiskLevel != types.RiskHigh {
		t.Errorf("risk = %.4f/%s, want 0.84/high", p.RiskScore, p.RiskLevel)
	}
}

func TestBuildProfile_NoExecutions(t *testing.T) {
	p, err := BuildProfile("p1", pipelineWithStages("p1", 2), nil, baseTime)

	var sie *ScoringInputError
	if !errors.As(err, &sie) {
		t.Fatalf("err = %v, want *ScoringInputError", err)
	}
	if !almostEqual(p.RiskScore, 0.02, 0.0001) || p.RiskLevel != types.RiskLow {
		t.Errorf("risk = %.4f/%s, want 0.02/low", p.RiskScore, p.RiskLevel)
	}
}

func TestBuildProfile_UnknownPipeline(t *testing.T) {
	execs := []*types.Execution{exec("e1", "ghost", types.StatusFailed, ago(time.Hour), time.Minute)}
	p, err := BuildProfile("ghost", nil, execs, baseTime)

	var sie *ScoringInputError
	if !errors.As(err, &sie) || sie.PipelineID != "ghost" {
		t.Fatalf("err = %v, want ScoringInputError for ghost", err)
	}
	if p.StageCount != 0 || p.TotalExecutions != 1 {
		t.Errorf("profile = %+v, want stage_count 0 and one execution", p)
	}
}

func TestBuildProfile_RecentWindowAndUntimed(t *testing.T) {
	execs := []*types.Execution{
		exec("old", "p", types.StatusFailed, ago(8*24*time.Hour), 60*time.Second),
		exec("new", "p", types.StatusFailed, ago(2*24*time.Hour), 180*time.Second),
		{ID: "run", PipelineID: "p", Status: types.StatusRunning, CreatedAt: ago(time.Minute)},
		exec("other", "q", types.StatusFailed, ago(time.Hour), time.Hour),
	}
	p, _ := BuildProfile("p", pipelineWithStages("p", 1), execs, baseTime)

	if p.TotalExecutions != 3 {
		t.Errorf("TotalExecutions = %d, want 3", p.TotalExecutions)
	}
	if p.Last7DaysFailures != 1 {
		t.Errorf("Last7DaysFailures = %d, want 1", p.Last7DaysFailures)
	}
	// Running execution has no completed_at → excluded from the average.
	if !almostEqual(p.AvgDurationSeconds, 120, 0.001) {
		t.Errorf("AvgDurationSeconds = %.2f, want 120", p.AvgDurationSeconds)
	}
}

func TestProfiles_CoversKnownAndReferencedPipelines(t *testing.T) {
	pipes := map[string]*types.Pipeline{
		"known-idle": pipelineWithStages("known-idle", 3),
		"known-busy": pipelineWithStages("known-busy", 3),
	}
	execs := []*types.Execution{
		exec("a", "known-busy", types.StatusCompleted, ago(time.Hour), time.Minute),
		exec("b", "orphan", types.StatusCompleted, ago(time.Hour), time.Minute),
	}

	profiles, errs := Profiles(execs, pipes, baseTime)
	if len(profiles) != 3 {
		t.Fatalf("profiles: got %d, want 3", len(profiles))
	}
	// known-idle has no executions, orphan is unknown.
	if len(errs) != 2 {
		t.Errorf("errs: got %d, want 2 (%v)", len(errs), errs)
	}
	if profiles["known-busy"].TotalExecutions != 1 {
		t.Errorf("known-busy total = %d, want 1", profiles["known-busy"].TotalExecutions)
	}
}
