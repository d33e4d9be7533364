package compute

import (
	"fmt"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// recentWindow is the look-back used for the recent-failures factor.
const recentWindow = 7 * 24 * time.Hour

// ScoringInputError reports that a profile was built from degenerate input:
// no executions, or executions referencing a pipeline that is not known.
// The accompanying profile is still valid; the error is informational.
type ScoringInputError struct {
	PipelineID string
	Reason     string
}

func (e *ScoringInputError) Error() string {
	return fmt.Sprintf("scoring pipeline %q: %s", e.PipelineID, e.Reason)
}

// BuildProfile computes the RiskProfile for pipelineID from execs.
//
// execs may contain executions of other pipelines; they are ignored.
// pipeline may be nil when the pipeline is unknown, in which case the stage
// count is 0. now anchors the 7-day window so tests control the clock.
func BuildProfile(pipelineID string, pipeline *types.Pipeline, execs []*types.Execution, now time.Time) (types.RiskProfile, error) {
	p := types.RiskProfile{PipelineID: pipelineID}
	if pipeline != nil {
		p.StageCount = len(pipeline.Stages)
	}

	cutoff := now.Add(-recentWindow)
	var totalDur float64
	var timed int
	for _, e := range execs {
		if e == nil || e.PipelineID != pipelineID {
			continue
		}
		p.TotalExecutions++
		if e.Status == types.StatusFailed {
			p.FailedExecutions++
			if e.CreatedAt.After(cutoff) {
				p.Last7DaysFailures++
			}
		}
		if d, ok := e.Duration(); ok {
			totalDur += d.Seconds()
			timed++
		}
	}
	if timed > 0 {
		p.AvgDurationSeconds = totalDur / float64(timed)
	}

	out := Score(Input{
		TotalExecutions:    p.TotalExecutions,
		FailedExecutions:   p.FailedExecutions,
		RecentFailures:     p.Last7DaysFailures,
		AvgDurationSeconds: p.AvgDurationSeconds,
		StageCount:         p.StageCount,
	})
	p.RiskScore = out.Score
	p.RiskLevel = out.Level

	switch {
	case pipeline == nil:
		return p, &ScoringInputError{PipelineID: pipelineID, Reason: "pipeline unknown"}
	case p.TotalExecutions == 0:
		return p, &ScoringInputError{PipelineID: pipelineID, Reason: "no executions"}
	}
	return p, nil
}

// Profiles builds a RiskProfile for every known pipeline and for every
// pipeline referenced by an execution. Input errors are returned alongside
// the complete profile map, never instead of it.
func Profiles(execs []*types.Execution, pipelines map[string]*types.Pipeline, now time.Time) (map[string]types.RiskProfile, []error) {
	byPipeline := make(map[string][]*types.Execution, len(pipelines))
	for _, e := range execs {
		if e == nil {
			continue
		}
		byPipeline[e.PipelineID] = append(byPipeline[e.PipelineID], e)
	}
	for id := range pipelines {
		if _, ok := byPipeline[id]; !ok {
			byPipeline[id] = nil
		}
	}

	out := make(map[string]types.RiskProfile, len(byPipeline))
	var errs []error
	for id, group := range byPipeline {
		p, err := BuildProfile(id, pipelines[id], group, now)
		out[id] = p
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errs
}
