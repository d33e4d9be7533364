package api

import (
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
	"github.com/pipewatch/pipewatch/server/internal/feed"
	"github.com/pipewatch/pipewatch/server/internal/recompute"
	"github.com/pipewatch/pipewatch/server/internal/reconcile"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "ok" when every subscription is live, "starting" before the
	// first connection, otherwise "degraded".
	State             string             `json:"state"`
	Subscriptions     []feed.Status      `json:"subscriptions"`
	SnapshotSeq       uint64             `json:"snapshot_seq"`
	Executions        int                `json:"executions"`
	Logs              int                `json:"logs"`
	Pipelines         int                `json:"pipelines"`
	PendingOptimistic int                `json:"pending_optimistic"`
	FailedOptimistic  int                `json:"failed_optimistic"`
	LastRecompute     *time.Time         `json:"last_recompute,omitempty"`
	Counters          map[string]float64 `json:"counters,omitempty"`
}

// InsightsResponse is the payload for GET /api/v1/insights and the data of
// every websocket "insights" event.
type InsightsResponse struct {
	Insights    []types.Insight `json:"insights"`
	TotalCount  int             `json:"total_count"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// NewInsightsResponse renders the insight part of a recompute result.
func NewInsightsResponse(res *recompute.Result) InsightsResponse {
	list := res.Insights
	if list == nil {
		list = []types.Insight{}
	}
	return InsightsResponse{Insights: list, TotalCount: len(list), GeneratedAt: res.GeneratedAt.UTC()}
}

// DismissResponse is the payload for POST /api/v1/insights/{id}/dismiss.
type DismissResponse struct {
	ID        string `json:"id"`
	Dismissed bool   `json:"dismissed"`
	Remaining int    `json:"remaining"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	compute.Overview
	Pipelines     int       `json:"pipelines"`
	ScoringErrors int       `json:"scoring_errors"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// ExecutionResponse is one execution with its reconciliation state.
type ExecutionResponse struct {
	types.Execution
	LocalID     string              `json:"local_id,omitempty"`
	Sync        reconcile.SyncState `json:"sync"`
	Diagnostics []DiagnosticHint    `json:"diagnostics,omitempty"`
}

// TriggerRequest is the optional body of POST /api/v1/pipelines/{id}/trigger.
type TriggerRequest struct {
	// CorrelationKey lets a client recognise its own execution in the feed.
	// Generated when empty.
	CorrelationKey string            `json:"correlation_key"`
	Trigger        map[string]string `json:"trigger"`
}

// TriggerResponse is returned with 202 Accepted once the execution has been
// written to storage.
type TriggerResponse struct {
	LocalID        string           `json:"local_id"`
	CorrelationKey string           `json:"correlation_key"`
	Execution      *types.Execution `json:"execution"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
