package types

import "time"

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskProfile is the derived per-pipeline statistics feeding the risk score.
// It has no lifecycle of its own: it is rebuilt from the current snapshot.
type RiskProfile struct {
	PipelineID         string    `json:"pipeline_id"`
	TotalExecutions    int       `json:"total_executions"`
	FailedExecutions   int       `json:"failed_executions"`
	AvgDurationSeconds float64   `json:"avg_duration_seconds"`
	Last7DaysFailures  int       `json:"last_7_days_failures"`
	StageCount         int       `json:"stage_count"`
	RiskScore          float64   `json:"risk_score"`
	RiskLevel          RiskLevel `json:"risk_level"`
}

// FailureRate returns failed/total as a fraction, 0 when there are no executions.
func (p RiskProfile) FailureRate() float64 {
	if p.TotalExecutions == 0 {
		return 0
	}
	return float64(p.FailedExecutions) / float64(p.TotalExecutions)
}

// InsightType classifies an insight.
type InsightType string

const (
	InsightPrediction   InsightType = "prediction"
	InsightPerformance  InsightType = "performance"
	InsightOptimization InsightType = "optimization"
	InsightSuccess      InsightType = "success"
)

// Severity of an insight.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities, critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Insight is a generated, dismissible recommendation.
type Insight struct {
	ID             string      `json:"id"`
	Type           InsightType `json:"type"`
	Severity       Severity    `json:"severity"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	Recommendation string      `json:"recommendation"`
	Confidence     float64     `json:"confidence"`
	PipelineID     *string     `json:"pipeline_id"`
	CreatedAt      time.Time   `json:"timestamp"`
	Dismissed      bool        `json:"dismissed,omitempty"`

	// Signature is the triggering condition; with PipelineID and Type it
	// forms the insight's identity.
	Signature string `json:"-"`
}

// Key returns the identity (pipeline_id, type, signature) as a single string.
func (i Insight) Key() string {
	pid := ""
	if i.PipelineID != nil {
		pid = *i.PipelineID
	}
	return pid + "|" + string(i.Type) + "|" + i.Signature
}
