// Package insights turns risk profiles and fleet statistics into typed,
// deduplicated, dismissible insights, and delivers newly raised severe ones
// to Slack, Teams or generic HTTP webhooks.
//
// An insight is identified by (pipeline_id, type, signature). The signature
// encodes the triggering condition bucket, e.g. the risk level for a
// prediction. Regenerating an identity updates the existing insight in place
// (same id and timestamp). Dismissing an identity suppresses it for the
// configured cool-down; a changed signature is a new identity and is raised
// immediately.
package insights
