// Package compute derives operational statistics from the reconciled
// execution snapshot.
//
// score.go provides the pure Score(Input) function that calculates the
// pipeline risk score (0–1) from four weighted factors:
// failure_rate(40%) + recent_failures(30%) + duration(20%) + complexity(10%).
//
// profile.go groups a snapshot's executions per pipeline and builds the
// RiskProfile fed to Score. It never fails: unknown pipelines and empty
// histories produce a defined low-risk profile plus a ScoringInputError.
//
// window.go provides WindowStats, the rolling-window counters (1h/24h/7d)
// computed on demand from the snapshot.
//
// Risk level thresholds: High ≥0.7, Medium 0.4–0.7, Low <0.4.
package compute
