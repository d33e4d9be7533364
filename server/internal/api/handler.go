package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/feed"
	"github.com/pipewatch/pipewatch/server/internal/insights"
	"github.com/pipewatch/pipewatch/server/internal/recompute"
	"github.com/pipewatch/pipewatch/server/internal/reconcile"
	"github.com/pipewatch/pipewatch/server/internal/store"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Deps are the collaborators the handler reads from. Store and Gatherer are
// optional: without a store the trigger endpoint answers 503, without a
// gatherer health omits the counters.
type Deps struct {
	Reconciler *reconcile.Reconciler
	Scheduler  *recompute.Scheduler
	Insights   *insights.Generator
	Store      *store.Store
	Feeds      []*feed.Subscriber
	Gatherer   prometheus.Gatherer

	// Now is the clock used for dismissals and triggered executions; defaults
	// to time.Now.
	Now func() time.Time
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	d   Deps
	mux *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handler{d: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/insights", h.listInsights)
	h.mux.HandleFunc("/api/v1/insights/", h.dismiss) // subtree: {id}/dismiss
	h.mux.HandleFunc("/api/v1/stats", h.stats)
	h.mux.HandleFunc("/api/v1/risk", h.listRisk)
	h.mux.HandleFunc("/api/v1/risk/", h.getRisk) // subtree: {pipeline_id}
	h.mux.HandleFunc("/api/v1/executions", h.listExecutions)
	h.mux.HandleFunc("/api/v1/executions/", h.getExecution) // subtree: {id}
	h.mux.HandleFunc("/api/v1/logs", h.listLogs)
	h.mux.HandleFunc("/api/v1/pipelines/", h.trigger) // subtree: {id}/trigger

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := h.d.Reconciler.Snapshot()
	resp := HealthResponse{
		State:         "ok",
		Subscriptions: make([]feed.Status, 0, len(h.d.Feeds)),
		SnapshotSeq:   snap.Seq,
		Executions:    len(snap.Executions),
		Logs:          len(snap.Logs),
		Pipelines:     len(snap.Pipelines),
	}
	resp.PendingOptimistic, resp.FailedOptimistic = snap.Pending()

	for _, f := range h.d.Feeds {
		st := f.Status()
		resp.Subscriptions = append(resp.Subscriptions, st)
		resp.State = worseState(resp.State, st)
	}

	if res := h.d.Scheduler.Latest(); !res.GeneratedAt.IsZero() {
		at := res.GeneratedAt.UTC()
		resp.LastRecompute = &at
	}

	if h.d.Gatherer != nil {
		counters, err := telemetry.Summarize(h.d.Gatherer)
		if err != nil {
			slog.Warn("api: gather telemetry", "err", err)
		}
		resp.Counters = counters
	}
	jsonResp(w, http.StatusOK, resp)
}

// listInsights returns GET /api/v1/insights.
func (h *Handler) listInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, NewInsightsResponse(h.d.Scheduler.Latest()))
}

// dismiss handles POST /api/v1/insights/{id}/dismiss.
func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/insights/")
	id, ok := strings.CutSuffix(rest, "/dismiss")
	if !ok || id == "" || strings.Contains(id, "/") {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dismissed, err := h.d.Insights.Dismiss(id, h.d.Now())
	if err != nil {
		if errors.Is(err, insights.ErrNotFound) {
			jsonErr(w, http.StatusNotFound, "insight not found")
			return
		}
		slog.Error("api: dismiss insight", "id", id, "err", err)
		jsonErr(w, http.StatusInternalServerError, "dismiss failed")
		return
	}
	res := h.d.Scheduler.Republish()
	jsonResp(w, http.StatusOK, DismissResponse{ID: id, Dismissed: dismissed.Dismissed, Remaining: len(res.Insights)})
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res := h.d.Scheduler.Latest()
	jsonResp(w, http.StatusOK, StatsResponse{
		Overview:      res.Overview,
		Pipelines:     len(res.Profiles),
		ScoringErrors: res.ScoringErrors,
		GeneratedAt:   res.GeneratedAt.UTC(),
	})
}

// listRisk returns GET /api/v1/risk, highest score first.
func (h *Handler) listRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res := h.d.Scheduler.Latest()
	out := make([]types.RiskProfile, 0, len(res.Profiles))
	for _, p := range res.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].PipelineID < out[j].PipelineID
	})
	jsonResp(w, http.StatusOK, out)
}

// getRisk returns GET /api/v1/risk/{pipeline_id}.
func (h *Handler) getRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/risk/")
	if id == "" {
		h.listRisk(w, r)
		return
	}
	p, ok := h.d.Scheduler.Latest().Profiles[id]
	if !ok {
		jsonErr(w, http.StatusNotFound, "pipeline not found")
		return
	}
	jsonResp(w, http.StatusOK, p)
}

// listExecutions returns GET /api/v1/executions.
func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, filter, err := listParams(r, "id", "pipeline_id", "status")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := h.d.Reconciler.Snapshot().FilterExecutions(filter, limit)
	out := make([]ExecutionResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toExecutionResponse(e))
	}
	jsonResp(w, http.StatusOK, out)
}

// getExecution returns GET /api/v1/executions/{id} with diagnostics. id may
// be a server id or an optimistic local id.
func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	if id == "" {
		h.listExecutions(w, r)
		return
	}
	snap := h.d.Reconciler.Snapshot()
	e, ok := snap.Execution(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "execution not found")
		return
	}
	resp := toExecutionResponse(e)
	logs := snap.FilterLogs(&types.Filter{Column: "execution_id", Value: e.Value.ID}, 0)
	resp.Diagnostics = computeDiagnostics(e, logs, h.d.Insights.Policy().LongRunningSeconds, h.d.Now())
	jsonResp(w, http.StatusOK, resp)
}

// listLogs returns GET /api/v1/logs.
func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, filter, err := listParams(r, "id", "execution_id", "level")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := h.d.Reconciler.Snapshot().FilterLogs(filter, limit)
	out := make([]*types.LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	jsonResp(w, http.StatusOK, out)
}

// trigger handles POST /api/v1/pipelines/{id}/trigger. The execution shows
// up in the snapshot immediately as pending-confirmation; the storage write
// confirms it, either through the change feed or directly below.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/pipelines/")
	pipelineID, ok := strings.CutSuffix(rest, "/trigger")
	if !ok || pipelineID == "" || strings.Contains(pipelineID, "/") {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.d.Store == nil {
		jsonErr(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	if _, known := h.d.Reconciler.Snapshot().PipelineMap()[pipelineID]; !known {
		jsonErr(w, http.StatusNotFound, "pipeline not found")
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CorrelationKey == "" {
		req.CorrelationKey = uuid.NewString()
	}
	trig := make(map[string]string, len(req.Trigger)+1)
	for k, v := range req.Trigger {
		trig[k] = v
	}
	trig[types.CorrelationKeyField] = req.CorrelationKey

	ctx := r.Context()
	// One timestamp for the optimistic entry and the stored row, so
	// confirmation keeps its place in the created_at ordering.
	now := h.d.Now().UTC()
	exec := &types.Execution{
		PipelineID: pipelineID,
		Status:     types.StatusPending,
		Trigger:    trig,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ticket, err := h.d.Reconciler.ApplyOptimisticInsert(ctx, exec, req.CorrelationKey)
	if err != nil {
		jsonErr(w, http.StatusServiceUnavailable, "reconciler unavailable")
		return
	}

	stored, err := h.d.Store.CreateExecution(ctx, exec)
	if err != nil {
		slog.Error("api: trigger write failed", "pipeline", pipelineID, "local_id", ticket.LocalID, "err", err)
		if derr := h.d.Reconciler.Discard(ctx, ticket.LocalID); derr != nil {
			slog.Warn("api: discard optimistic execution", "local_id", ticket.LocalID, "err", derr)
		}
		jsonErr(w, http.StatusBadGateway, "storage write failed")
		return
	}

	// The feed may have confirmed it already; that is not an error here.
	if err := h.d.Reconciler.ConfirmOptimistic(ctx, ticket.LocalID, stored); err != nil &&
		!errors.Is(err, reconcile.ErrUnknownLocalID) {
		slog.Warn("api: confirm optimistic execution", "local_id", ticket.LocalID, "err", err)
	}

	jsonResp(w, http.StatusAccepted, TriggerResponse{
		LocalID:        ticket.LocalID,
		CorrelationKey: req.CorrelationKey,
		Execution:      stored,
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// listParams reads limit and at most one equality filter on one of columns.
func listParams(r *http.Request, columns ...string) (int, *types.Filter, error) {
	q := r.URL.Query()
	limit := defaultLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, nil, errors.New("limit must be a positive integer")
		}
		limit = min(n, maxLimit)
	}

	var filter *types.Filter
	for _, col := range columns {
		if !q.Has(col) {
			continue
		}
		if filter != nil {
			return 0, nil, errors.New("only one filter is supported")
		}
		filter = &types.Filter{Column: col, Value: q.Get(col)}
	}
	return limit, filter, nil
}

// worseState folds one subscriber status into the overall health state.
func worseState(cur string, st feed.Status) string {
	switch st.State {
	case feed.StateLive:
		return cur
	case feed.StateIdle, feed.StateConnecting:
		if st.Reconnects == 0 {
			if cur == "ok" {
				return "starting"
			}
			return cur
		}
	}
	return "degraded"
}

func toExecutionResponse(e reconcile.Entry[*types.Execution]) ExecutionResponse {
	return ExecutionResponse{Execution: *e.Value, LocalID: e.LocalID, Sync: e.Sync}
}
