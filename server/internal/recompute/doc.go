// Package recompute turns reconciler snapshots into risk profiles, window
// statistics and insights.
//
// A single goroutine listens for snapshot notifications and runs at most one
// recompute per debounce window. The window is fixed from the first
// notification, so a continuous event stream cannot starve it. A refresh
// ticker keeps time-based windows moving when no events arrive.
package recompute
