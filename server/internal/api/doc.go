// Package api implements the HTTP read model for pipewatch-server.
//
// New(deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health                    subscriber states, snapshot sizes, telemetry totals
//	GET  /api/v1/insights                  active insights ({insights, total_count, generated_at})
//	POST /api/v1/insights/{id}/dismiss     dismiss one insight for the cool-down
//	GET  /api/v1/stats                     1h / 24h / 7d execution windows
//	GET  /api/v1/risk                      risk profiles, highest score first
//	GET  /api/v1/risk/{pipeline_id}        one risk profile; 404 if unknown
//	GET  /api/v1/executions                executions from the current snapshot
//	GET  /api/v1/executions/{id}           one execution with diagnostics
//	GET  /api/v1/logs                      log entries from the current snapshot
//	POST /api/v1/pipelines/{id}/trigger    optimistic execution insert
//
// List endpoints accept limit (default 100, max 1000) and one equality
// filter through the query string, e.g. ?pipeline_id=p1 or ?level=error.
//
// All endpoints respond with Content-Type: application/json and return 405
// for unsupported methods. Errors are {"error": "..."}.
package api
