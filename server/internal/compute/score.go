package compute

import (
	"math"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// Weight constants for the risk score formula.
// They must sum to 1.0.
const (
	weightFailureRate = 0.40
	weightRecent      = 0.30
	weightDuration    = 0.20
	weightComplexity  = 0.10
)

// Normalisation denominators: each factor saturates at 1.0 once its input
// reaches these values.
const (
	failureRateScale   = 2.0   // failure rate of 50% saturates
	recentFailureScale = 5.0   // five failures in the last 7 days saturates
	durationScale      = 240.0 // four-minute average saturates
	complexityScale    = 10.0  // ten stages saturates
)

// Thresholds that map a score to a risk level.
const (
	ThresholdHigh   = 0.7
	ThresholdMedium = 0.4
)

// Input holds the aggregated execution statistics of one pipeline.
type Input struct {
	TotalExecutions  int
	FailedExecutions int

	// RecentFailures is the number of failed executions created in the
	// last 7 days.
	RecentFailures int

	// AvgDurationSeconds is averaged over executions with both started_at
	// and completed_at set; 0 when there are none.
	AvgDurationSeconds float64

	StageCount int
}

// Output is the result of the risk score calculation.
type Output struct {
	// Score is the composite risk score in the range 0–1.
	Score float64

	// Level is the risk bucket derived from Score.
	Level types.RiskLevel

	// The four factor values (each 0–1) used to compute Score.
	FailureRateFactor float64
	RecentFactor      float64
	DurationFactor    float64
	ComplexityFactor  float64
}

// Score calculates the pipeline risk score from the given inputs.
//
// Formula:
//
//	score = 0.4 * min(failed/total * 2, 1)
//	      + 0.3 * min(recent_failures / 5, 1)
//	      + 0.2 * min(avg_duration_seconds / 240, 1)
//	      + 0.1 * min(stage_count / 10, 1)
//
// The failure-rate factor is 0 when total is 0. Each factor is clamped to
// [0, 1] so the score stays in [0, 1]. The score is rounded to six decimal
// places so level boundaries are not decided by float noise.
func Score(in Input) Output {
	var failureRate float64
	if in.TotalExecutions > 0 {
		failureRate = float64(in.FailedExecutions) / float64(in.TotalExecutions)
	}

	failureFactor := clamp01(failureRate * failureRateScale)
	recentFactor := clamp01(float64(in.RecentFailures) / recentFailureScale)
	durationFactor := clamp01(in.AvgDurationSeconds / durationScale)
	complexityFactor := clamp01(float64(in.StageCount) / complexityScale)

	score := failureFactor*weightFailureRate +
		recentFactor*weightRecent +
		durationFactor*weightDuration +
		complexityFactor*weightComplexity
	score = math.Round(clamp01(score)*1e6) / 1e6

	return Output{
		Score:             score,
		Level:             levelFromScore(score),
		FailureRateFactor: failureFactor,
		RecentFactor:      recentFactor,
		DurationFactor:    durationFactor,
		ComplexityFactor:  complexityFactor,
	}
}

// levelFromScore maps a numeric score to a risk level.
func levelFromScore(score float64) types.RiskLevel {
	switch {
	case score >= ThresholdHigh:
		return types.RiskHigh
	case score >= ThresholdMedium:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// clamp01 restricts v to the range [0, 1]. NaN maps to 0.
func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
