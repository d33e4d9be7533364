// Package types defines the shared domain types of pipewatch: pipelines,
// executions, log entries, and the derived risk profiles and insights.
//
// Values are the canonical in-memory representation used by the reconciler,
// the scorer and the HTTP read model. JSON tags match the change-feed and
// storage wire format (snake_case).
package types
