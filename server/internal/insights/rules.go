package insights

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
	"github.com/pipewatch/pipewatch/server/internal/config"
)

// Policy holds the rule thresholds and the dismissal cool-down.
type Policy struct {
	LongRunningSeconds float64
	ComplexityStages   int
	MinSampleSize      int
	FleetSuccessRate   float64 // percent
	FleetCriticalRate  float64 // percent
	DismissCooldown    time.Duration
}

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return PolicyFrom(config.Defaults().Insights)
}

// PolicyFrom extracts the rule policy from the insights config section.
func PolicyFrom(c config.InsightsConfig) Policy {
	return Policy{
		LongRunningSeconds: c.LongRunningSeconds,
		ComplexityStages:   c.ComplexityStages,
		MinSampleSize:      c.MinSampleSize,
		FleetSuccessRate:   c.FleetSuccessRate,
		FleetCriticalRate:  c.FleetCriticalRate,
		DismissCooldown:    c.DismissCooldown,
	}
}

const recommendReview = "review configuration and error handling"

// evaluate runs every rule and returns the candidate insights, without ids
// or timestamps, each carrying its signature.
func evaluate(p Policy, profiles map[string]types.RiskProfile, overview compute.Overview) []types.Insight {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []types.Insight
	for _, id := range ids {
		out = append(out, pipelineRules(p, profiles[id])...)
	}
	if in, ok := fleetRule(p, overview.LastDay); ok {
		out = append(out, in)
	}
	return out
}

func pipelineRules(p Policy, rp types.RiskProfile) []types.Insight {
	pid := rp.PipelineID
	var out []types.Insight

	switch rp.RiskLevel {
	case types.RiskHigh:
		out = append(out, types.Insight{
			Type:     types.InsightPrediction,
			Severity: types.SeverityHigh,
			Title:    "High failure risk",
			Message: fmt.Sprintf("Pipeline %s has a %.1f%% failure rate with %d failures in the last 7 days (risk score %.2f).",
				pid, compute.Percent(rp.FailedExecutions, rp.TotalExecutions), rp.Last7DaysFailures, rp.RiskScore),
			Recommendation: recommendReview,
			Confidence:     rp.RiskScore,
			PipelineID:     &pid,
			Signature:      "risk:" + string(rp.RiskLevel),
		})
	case types.RiskMedium:
		out = append(out, types.Insight{
			Type:     types.InsightPrediction,
			Severity: types.SeverityMedium,
			Title:    "Elevated failure risk",
			Message: fmt.Sprintf("Pipeline %s has a %.1f%% failure rate with %d failures in the last 7 days (risk score %.2f).",
				pid, compute.Percent(rp.FailedExecutions, rp.TotalExecutions), rp.Last7DaysFailures, rp.RiskScore),
			Recommendation: "monitor recent failures and add retries to flaky stages",
			Confidence:     rp.RiskScore,
			PipelineID:     &pid,
			Signature:      "risk:" + string(rp.RiskLevel),
		})
	}

	if p.LongRunningSeconds > 0 && rp.AvgDurationSeconds > p.LongRunningSeconds {
		// Each further multiple of the threshold is a material change.
		bucket := int(math.Floor(rp.AvgDurationSeconds / p.LongRunningSeconds))
		out = append(out, types.Insight{
			Type:     types.InsightPerformance,
			Severity: types.SeverityMedium,
			Title:    "Long-running executions",
			Message: fmt.Sprintf("Pipeline %s averages %.0fs per execution, above the %.0fs threshold.",
				pid, rp.AvgDurationSeconds, p.LongRunningSeconds),
			Recommendation: "parallelize independent stages and cache build dependencies",
			Confidence:     0.75,
			PipelineID:     &pid,
			Signature:      fmt.Sprintf("duration:x%d", bucket),
		})
	}

	if p.ComplexityStages > 0 && rp.StageCount > p.ComplexityStages {
		out = append(out, types.Insight{
			Type:     types.InsightOptimization,
			Severity: types.SeverityLow,
			Title:    "Complex pipeline",
			Message: fmt.Sprintf("Pipeline %s has %d stages, more than the %d-stage guideline.",
				pid, rp.StageCount, p.ComplexityStages),
			Recommendation: "split the pipeline or merge closely related stages",
			Confidence:     0.7,
			PipelineID:     &pid,
			Signature:      fmt.Sprintf("stages:%d", rp.StageCount),
		})
	}

	if rp.RiskLevel == types.RiskLow && rp.TotalExecutions > p.MinSampleSize {
		out = append(out, types.Insight{
			Type:     types.InsightSuccess,
			Severity: types.SeverityInfo,
			Title:    "Stable pipeline",
			Message: fmt.Sprintf("Pipeline %s succeeded in %.1f%% of %d executions.",
				pid, compute.Percent(rp.TotalExecutions-rp.FailedExecutions, rp.TotalExecutions), rp.TotalExecutions),
			Recommendation: "reuse this pipeline's structure as a template",
			Confidence:     round3(1 - rp.RiskScore),
			PipelineID:     &pid,
			Signature:      "stable",
		})
	}
	return out
}

// fleetRule raises a fleet-wide prediction when the 24h success rate of
// finished executions drops below the policy threshold. At least
// MinSampleSize finished executions are required.
func fleetRule(p Policy, day compute.Stats) (types.Insight, bool) {
	finished := day.Completed + day.Failed + day.Cancelled
	if finished == 0 || finished < p.MinSampleSize {
		return types.Insight{}, false
	}
	rate := compute.Percent(day.Completed, finished)
	if rate >= p.FleetSuccessRate {
		return types.Insight{}, false
	}
	sev := types.SeverityHigh
	if rate < p.FleetCriticalRate {
		sev = types.SeverityCritical
	}
	return types.Insight{
		Type:     types.InsightPrediction,
		Severity: sev,
		Title:    "Fleet success rate dropping",
		Message: fmt.Sprintf("Only %.1f%% of %d finished executions in the last 24h succeeded (%d failed).",
			rate, finished, day.Failed),
		Recommendation: "check shared infrastructure and recent configuration changes",
		Confidence:     round3(1 - rate/100),
		Signature:      "fleet:" + string(sev),
	}, true
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
