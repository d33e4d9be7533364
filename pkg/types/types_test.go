package types

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestExecutionValidate(t *testing.T) {
	started := t0.Add(time.Minute)
	done := t0.Add(3 * time.Minute)

	tests := []struct {
		name    string
		exec    Execution
		wantErr string
	}{
		{"running", Execution{ID: "e1", PipelineID: "p1", Status: StatusRunning, CreatedAt: t0, StartedAt: &started}, ""},
		{"completed", Execution{ID: "e1", PipelineID: "p1", Status: StatusCompleted, CreatedAt: t0, StartedAt: &started, CompletedAt: &done}, ""},
		{"missing id", Execution{PipelineID: "p1", Status: StatusPending, CreatedAt: t0}, "id is required"},
		{"missing pipeline", Execution{ID: "e1", Status: StatusPending, CreatedAt: t0}, "pipeline_id"},
		{"unknown status", Execution{ID: "e1", PipelineID: "p1", Status: "exploded", CreatedAt: t0}, "unknown status"},
		{"missing created_at", Execution{ID: "e1", PipelineID: "p1", Status: StatusPending}, "created_at"},
		{"terminal without completed_at", Execution{ID: "e1", PipelineID: "p1", Status: StatusFailed, CreatedAt: t0}, "completed_at"},
		{"running with completed_at", Execution{ID: "e1", PipelineID: "p1", Status: StatusRunning, CreatedAt: t0, CompletedAt: &done}, "completed_at"},
		{"completed before started", Execution{ID: "e1", PipelineID: "p1", Status: StatusCompleted, CreatedAt: t0, StartedAt: &done, CompletedAt: &started}, "precedes"},
		{"queued stage", Execution{ID: "e1", PipelineID: "p1", Status: StatusRunning, CreatedAt: t0,
			Stages: []ExecutionStage{{StageName: "build", Status: StatusQueued}}}, "stage"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.exec.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error: got %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestExecutionDurationAndCorrelationKey(t *testing.T) {
	started := t0
	done := t0.Add(90 * time.Second)
	e := &Execution{StartedAt: &started, CompletedAt: &done}
	if d, ok := e.Duration(); !ok || d != 90*time.Second {
		t.Errorf("Duration: got %v/%v, want 90s/true", d, ok)
	}
	if _, ok := (&Execution{StartedAt: &started}).Duration(); ok {
		t.Error("Duration of an unfinished execution should not be known")
	}

	if k := e.CorrelationKey(); k != "" {
		t.Errorf("CorrelationKey without trigger: got %q", k)
	}
	e.Trigger = map[string]string{CorrelationKeyField: "abc"}
	if k := e.CorrelationKey(); k != "abc" {
		t.Errorf("CorrelationKey: got %q, want abc", k)
	}
}

func TestStatusRank(t *testing.T) {
	if !(StatusPending.Rank() < StatusQueued.Rank() && StatusQueued.Rank() < StatusRunning.Rank() && StatusRunning.Rank() < StatusFailed.Rank()) {
		t.Error("status ranks must increase along the lifecycle")
	}
	if StatusCompleted.Rank() != StatusCancelled.Rank() {
		t.Error("terminal statuses share a rank")
	}
	if Status("bogus").Rank() != 0 {
		t.Error("unknown status ranks 0")
	}
}

func TestLogValidate(t *testing.T) {
	if err := (&LogEntry{ID: "l1", Level: LevelInfo, CreatedAt: t0}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (&LogEntry{ID: "l1", Level: "loud", CreatedAt: t0}).Validate(); err == nil {
		t.Error("expected unknown level error")
	}
	if err := (&LogEntry{Level: LevelInfo, CreatedAt: t0}).Validate(); err == nil {
		t.Error("expected missing id error")
	}
}

func TestPipelineValidate(t *testing.T) {
	ok := &Pipeline{ID: "p1", Stages: []Stage{{Name: "b", Order: 1}, {Name: "a", Order: 0}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gap := &Pipeline{ID: "p1", Stages: []Stage{{Name: "a", Order: 0}, {Name: "b", Order: 2}}}
	if err := gap.Validate(); err == nil {
		t.Error("expected out-of-range order error")
	}
	dup := &Pipeline{ID: "p1", Stages: []Stage{{Name: "a", Order: 0}, {Name: "b", Order: 0}}}
	if err := dup.Validate(); err == nil {
		t.Error("expected duplicate order error")
	}
}

func TestRecordFieldAndMatches(t *testing.T) {
	exec := Record{Table: TableExecutions, Execution: &Execution{ID: "e1", PipelineID: "p1", Status: StatusRunning}}
	scoped := Record{Table: TableLogs, Log: &LogEntry{ID: "l1", ExecutionID: ptr("e1"), Level: LevelError}}
	system := Record{Table: TableLogs, Log: &LogEntry{ID: "l2", Level: LevelInfo}}
	pipe := Record{Table: TablePipelines, Pipeline: &Pipeline{ID: "p1", Owner: "team-a", Name: "deploy"}}

	tests := []struct {
		name   string
		rec    Record
		filter *Filter
		want   bool
	}{
		{"nil filter", exec, nil, true},
		{"id", exec, &Filter{Column: "id", Value: "e1"}, true},
		{"pipeline_id", exec, &Filter{Column: "pipeline_id", Value: "p1"}, true},
		{"status mismatch", exec, &Filter{Column: "status", Value: "failed"}, false},
		{"unknown column", exec, &Filter{Column: "owner", Value: "team-a"}, false},
		{"log execution", scoped, &Filter{Column: "execution_id", Value: "e1"}, true},
		{"null execution matches empty", system, &Filter{Column: "execution_id", Value: ""}, true},
		{"null execution vs value", system, &Filter{Column: "execution_id", Value: "e1"}, false},
		{"level", scoped, &Filter{Column: "level", Value: "error"}, true},
		{"owner", pipe, &Filter{Column: "owner", Value: "team-a"}, true},
		{"name", pipe, &Filter{Column: "name", Value: "build"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.Matches(tc.filter); got != tc.want {
				t.Errorf("Matches(%+v): got %v, want %v", tc.filter, got, tc.want)
			}
		})
	}

	if id := (Record{}).ID(); id != "" {
		t.Errorf("empty record ID: got %q", id)
	}
}

func TestSeverityRankAndInsightKey(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}

	fleet := Insight{Type: InsightPrediction, Signature: "fleet:critical"}
	scoped := Insight{Type: InsightPrediction, Signature: "fleet:critical", PipelineID: ptr("p1")}
	if fleet.Key() == scoped.Key() {
		t.Error("fleet and pipeline insights must not share a key")
	}
}

func TestRiskProfileFailureRate(t *testing.T) {
	if r := (RiskProfile{}).FailureRate(); r != 0 {
		t.Errorf("empty profile: got %v, want 0", r)
	}
	if r := (RiskProfile{TotalExecutions: 4, FailedExecutions: 1}).FailureRate(); r != 0.25 {
		t.Errorf("got %v, want 0.25", r)
	}
}
