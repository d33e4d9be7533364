// Package telemetry holds the Prometheus instruments of pipewatch.
//
// Metrics are registered on a caller-supplied prometheus.Registerer so tests
// can use an isolated registry. Every method is nil-safe: components accept a
// *Metrics and run uninstrumented when it is nil.
//
// Summarize gathers the registry and folds each metric family into a single
// total by summing its series. The health endpoint uses it to report feed and
// reconciler counters without a Prometheus server.
package telemetry
